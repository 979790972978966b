package artifact

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig describes how to reach the training cluster's shared
// filesystem, where job outputs land before registration.
type SFTPConfig struct {
	Addr       string
	User       string
	Password   string
	PrivateKey string
	// Root is prefixed to relative artifact URIs on the remote host.
	Root string
}

// SFTPFetcher digests artifacts over SFTP. Each Checksum call dials a fresh
// session; registration happens once per job, so connection reuse is not
// worth the bookkeeping.
type SFTPFetcher struct {
	cfg SFTPConfig
}

// NewSFTPFetcher validates the connection config.
func NewSFTPFetcher(cfg SFTPConfig) (*SFTPFetcher, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("sftp address is required")
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, fmt.Errorf("sftp user is required")
	}
	if strings.TrimSpace(cfg.Password) == "" && strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, fmt.Errorf("sftp requires a password or private key")
	}
	return &SFTPFetcher{cfg: cfg}, nil
}

var _ Fetcher = (*SFTPFetcher)(nil)

// Checksum digests the remote artifact tree in path order, mirroring
// LocalFetcher so the two produce identical digests for identical trees.
func (f *SFTPFetcher) Checksum(ctx context.Context, uri string) (string, error) {
	authMethods, err := f.authMethods()
	if err != nil {
		return "", err
	}

	conn, err := ssh.Dial("tcp", f.cfg.Addr, &ssh.ClientConfig{
		User:            f.cfg.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return "", fmt.Errorf("ssh dial %s: %w", f.cfg.Addr, err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return "", fmt.Errorf("open sftp session: %w", err)
	}
	defer client.Close()

	root := trimScheme(uri)
	if !path.IsAbs(root) && f.cfg.Root != "" {
		root = path.Join(f.cfg.Root, root)
	}

	info, err := client.Stat(root)
	if err != nil {
		return "", fmt.Errorf("stat remote artifact: %w", err)
	}

	digest := sha256.New()
	if !info.IsDir() {
		if err := f.digestRemote(ctx, client, digest, path.Base(root), root); err != nil {
			return "", err
		}
		return encode(digest), nil
	}

	var files []string
	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return "", fmt.Errorf("walk remote artifact tree: %w", err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if walker.Stat().Mode().IsRegular() {
			files = append(files, walker.Path())
		}
	}
	sort.Strings(files)

	for _, remote := range files {
		rel := strings.TrimPrefix(strings.TrimPrefix(remote, root), "/")
		if err := f.digestRemote(ctx, client, digest, rel, remote); err != nil {
			return "", err
		}
	}
	return encode(digest), nil
}

func (f *SFTPFetcher) digestRemote(ctx context.Context, client *sftp.Client, digest hash.Hash, name, remote string) error {
	digest.Write([]byte(name))
	digest.Write([]byte{0})

	file, err := client.Open(remote)
	if err != nil {
		return fmt.Errorf("open remote artifact file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(digest, file); err != nil {
		return fmt.Errorf("digest %s: %w", name, err)
	}
	return ctx.Err()
}

func (f *SFTPFetcher) authMethods() ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(f.cfg.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(f.cfg.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	return methods, nil
}
