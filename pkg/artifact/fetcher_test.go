package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestLocalChecksumDeterministic(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	files := map[string]string{
		"config.json":              `{"model_type":"llama"}`,
		"weights/model-00001.bin":  "weights-a",
		"weights/model-00002.bin":  "weights-b",
		"tokenizer/tokenizer.json": "tok",
	}
	writeTree(t, dirA, files)
	writeTree(t, dirB, files)

	fetcher := &LocalFetcher{}
	sumA, err := fetcher.Checksum(context.Background(), dirA)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	sumB, err := fetcher.Checksum(context.Background(), dirB)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if sumA != sumB {
		t.Fatalf("identical trees produced different digests: %s vs %s", sumA, sumB)
	}
}

func TestLocalChecksumSensitiveToContentAndNames(t *testing.T) {
	base := t.TempDir()
	writeTree(t, filepath.Join(base, "a"), map[string]string{"model.bin": "weights"})
	writeTree(t, filepath.Join(base, "b"), map[string]string{"model.bin": "weights!"})
	writeTree(t, filepath.Join(base, "c"), map[string]string{"renamed.bin": "weights"})

	fetcher := &LocalFetcher{Base: base}
	sums := map[string]string{}
	for _, name := range []string{"a", "b", "c"} {
		sum, err := fetcher.Checksum(context.Background(), name)
		if err != nil {
			t.Fatalf("checksum %s: %v", name, err)
		}
		sums[name] = sum
	}
	if sums["a"] == sums["b"] {
		t.Fatalf("content change not reflected in digest")
	}
	if sums["a"] == sums["c"] {
		t.Fatalf("rename not reflected in digest")
	}
}

func TestLocalChecksumSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"model.safetensors": "weights"})

	fetcher := &LocalFetcher{}
	sum, err := fetcher.Checksum(context.Background(), filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if sum == "" || sum[:7] != "sha256:" {
		t.Fatalf("unexpected digest %q", sum)
	}
}

func TestLocalChecksumMissingArtifact(t *testing.T) {
	fetcher := &LocalFetcher{}
	if _, err := fetcher.Checksum(context.Background(), filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing artifact")
	}
}

func TestSFTPFetcherConfigValidation(t *testing.T) {
	if _, err := NewSFTPFetcher(SFTPConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
	if _, err := NewSFTPFetcher(SFTPConfig{Addr: "host:22", User: "ml"}); err == nil {
		t.Fatalf("expected error when no auth material is given")
	}
	if _, err := NewSFTPFetcher(SFTPConfig{Addr: "host:22", User: "ml", Password: "s3cret"}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
