// Package artifact computes digests over trained model artifact trees so
// registration can detect an already-registered artifact regardless of the
// job id it came from.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Fetcher resolves an artifact URI to a content digest.
type Fetcher interface {
	Checksum(ctx context.Context, uri string) (string, error)
}

// LocalFetcher digests artifacts on a locally mounted filesystem, e.g. a
// blob store mount or the simulator's output directory.
type LocalFetcher struct {
	// Base is joined with relative artifact URIs. Absolute URIs are used
	// as-is.
	Base string
}

var _ Fetcher = (*LocalFetcher)(nil)

// Checksum walks the artifact tree and digests every regular file in
// path order. A single file digests the same as a one-file tree.
func (f *LocalFetcher) Checksum(ctx context.Context, uri string) (string, error) {
	root := uri
	if !filepath.IsAbs(root) && f.Base != "" {
		root = filepath.Join(f.Base, root)
	}

	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	digest := sha256.New()
	if !info.IsDir() {
		if err := digestFile(digest, filepath.Base(root), root); err != nil {
			return "", err
		}
		return encode(digest), nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk artifact tree: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", err
		}
		if err := digestFile(digest, filepath.ToSlash(rel), path); err != nil {
			return "", err
		}
	}
	return encode(digest), nil
}

func digestFile(digest hash.Hash, name, path string) error {
	// The relative name participates in the digest so renamed files change
	// the checksum.
	digest.Write([]byte(name))
	digest.Write([]byte{0})

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(digest, file); err != nil {
		return fmt.Errorf("digest %s: %w", name, err)
	}
	return nil
}

func encode(digest hash.Hash) string {
	return "sha256:" + hex.EncodeToString(digest.Sum(nil))
}

func trimScheme(uri string) string {
	if idx := strings.Index(uri, "://"); idx != -1 {
		return uri[idx+3:]
	}
	return uri
}
