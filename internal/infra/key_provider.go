package infra

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

const (
	keyFileName = ".key"
	keySize     = 32 // 256-bit SQLCipher key
)

// FileKeyProvider implements domain.KeyProvider with a 0600 file in the data dir.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, keyFileName),
	}
}

// Path returns the key file path.
func (p *FileKeyProvider) Path() string { return p.keyPath }

// GetKey reads the key. A key file readable by group or others is refused.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	info, err := os.Stat(p.keyPath)
	if err != nil {
		return nil, ClassifyFSError(fmt.Errorf("failed to read key file: %w", err))
	}
	if info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("%w: key file %s has mode %o, want 0600", domain.ErrPermissionDenied, p.keyPath, info.Mode().Perm())
	}
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, ClassifyFSError(fmt.Errorf("failed to read key file: %w", err))
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, &domain.CorruptError{Path: p.keyPath, Err: fmt.Errorf("failed to decode key: %w", err)}
	}
	if len(key) != keySize {
		return nil, &domain.CorruptError{Path: p.keyPath, Err: fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)}
	}
	return key, nil
}

// StoreKey writes the key atomically with 0600 permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("%w: invalid key size: got %d, want %d", domain.ErrInvalid, len(key), keySize)
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return ClassifyFSError(fmt.Errorf("failed to create key directory: %w", err))
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	return WriteFileAtomic(p.keyPath, []byte(encoded), 0600)
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key, generating and storing one on first use.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Ensure FileKeyProvider implements domain.KeyProvider.
var _ domain.KeyProvider = (*FileKeyProvider)(nil)
