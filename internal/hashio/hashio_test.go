package hashio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"instanceforge/pkg/types"
)

func TestHashStream(t *testing.T) {
	cases := []struct {
		name string
		algo types.HashAlgo
		want string
	}{
		{"sha1 empty", types.HashSHA1, "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		{"sha256 empty", types.HashSHA256, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"sha512 empty", types.HashSHA512, "cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := HashStream(bytes.NewReader(nil), c.algo)
			if err != nil {
				t.Fatalf("HashStream: %v", err)
			}
			if got != c.want {
				t.Errorf("got %s, want %s", got, c.want)
			}
		})
	}
}

func TestWriteAtomicLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "file.bin")

	payload := []byte("hello instance engine")
	if err := WriteAtomic(target, bytes.NewReader(payload), 0o644); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}

	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "file.bin" {
			t.Errorf("unexpected leftover entry %q", e.Name())
		}
	}
}

func TestWriteAtomicOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")

	if err := WriteAtomic(target, bytes.NewReader([]byte("v1")), 0o644); err != nil {
		t.Fatalf("WriteAtomic v1: %v", err)
	}
	if err := WriteAtomic(target, bytes.NewReader([]byte("v2-longer")), 0o644); err != nil {
		t.Fatalf("WriteAtomic v2: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "v2-longer" {
		t.Errorf("got %q, want v2-longer", got)
	}
}
