// Package hashio provides the engine's streaming hash and atomic-write
// primitives: none of it loads a whole file into memory, and WriteAtomic
// never leaves a partial file visible under its final name.
package hashio

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"os"
	"path/filepath"

	"instanceforge/pkg/types"
)

// NewHash returns the hash.Hash implementation for algo.
func NewHash(algo types.HashAlgo) (hash.Hash, error) {
	switch algo {
	case types.HashSHA1:
		return sha1.New(), nil
	case types.HashSHA256, "":
		return sha256.New(), nil
	case types.HashSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("hashio: unsupported algorithm %q", algo)
	}
}

// HashStream consumes r fully and returns the lowercase hex digest under
// algo. It never buffers the whole stream; callers wanting byte echo should
// wrap r in io.TeeReader before calling.
func HashStream(r io.Reader, algo types.HashAlgo) (string, error) {
	h, err := NewHash(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashio: hashing stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile hashes the file at path under algo.
func HashFile(path string, algo types.HashAlgo) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashStream(f, algo)
}

// EnsureDir creates path (and parents) if it does not already exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// WriteAtomic writes the full contents of r to path by first writing to a
// sibling ".tmp" file, fsyncing it, then renaming it over path. On a crash
// mid-write, path either holds its previous contents or does not exist —
// never a partial write. Cross-device renames (EXDEV) fall back to a
// copy+sync+unlink.
func WriteAtomic(path string, r io.Reader, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return fmt.Errorf("hashio: ensuring dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("hashio: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("hashio: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("hashio: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hashio: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("hashio: chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if isCrossDevice(err) {
			return crossDeviceReplace(tmpPath, path, perm)
		}
		return fmt.Errorf("hashio: renaming into place: %w", err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Err != nil && linkErr.Err.Error() == "invalid cross-device link"
	}
	return false
}

func crossDeviceReplace(tmpPath, path string, perm os.FileMode) error {
	src, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(tmpPath)
}

// ReadAsDataURL reads path and returns its MIME type and base64 payload,
// used only for local image serving (e.g. a modpack's banner/logo).
func ReadAsDataURL(path string) (mimeType, b64 string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	mimeType = mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mimeType, base64.StdEncoding.EncodeToString(data), nil
}
