package infra

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// WriteFileAtomic writes data to a temp file in the target directory, syncs it,
// then renames it over path. A crash leaves either the old or the new file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, ".serverhub-write-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return err
	}

	success = true
	return nil
}

// stageCopy copies src into a temp file next to dst and returns its path.
// The caller renames it into place or removes it.
func stageCopy(src, dst string, perm os.FileMode) (string, error) {
	sourceFile, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer sourceFile.Close()

	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return "", err
	}
	tmpFile, err := os.CreateTemp(dstDir, ".serverhub-copy-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()

	if _, err = io.Copy(tmpFile, sourceFile); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", err
	}
	tmpFile.Close()
	if err = os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// copyFile copies src to dst using the atomic write pattern.
func copyFile(src, dst string, perm os.FileMode) error {
	tmpPath, err := stageCopy(src, dst, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// FileMode returns the permission bits of path, or fallback if it does not exist.
func FileMode(path string, fallback os.FileMode) os.FileMode {
	info, err := os.Stat(path)
	if err != nil {
		return fallback
	}
	return info.Mode().Perm()
}

// computeSHA256 calculates SHA256 hash of a file.
func computeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ClassifyFSError maps permission failures onto the domain taxonomy.
func ClassifyFSError(err error) error {
	if err != nil && os.IsPermission(err) {
		return domain.WrapPermission(err)
	}
	return err
}
