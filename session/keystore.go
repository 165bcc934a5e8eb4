package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyNotFound indicates the key store has no value for a name.
var ErrKeyNotFound = errors.New("session: key not found")

// KeyStore abstracts the platform's secure key storage. Implementations
// must return ErrKeyNotFound for absent names.
type KeyStore interface {
	Get(name string) ([]byte, error)
	Set(name string, value []byte) error
}

// FileKeyStore keeps keys as files under a directory with owner-only
// permissions. It is the default when no platform store is injected.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore creates the backing directory if needed.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key store directory: %w", err)
	}
	return &FileKeyStore{dir: dir}, nil
}

func (ks *FileKeyStore) path(name string) string {
	return filepath.Join(ks.dir, filepath.Base(name))
}

// Get reads a stored key.
func (ks *FileKeyStore) Get(name string) ([]byte, error) {
	raw, err := os.ReadFile(ks.path(name))
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading key %q: %w", name, err)
	}
	return raw, nil
}

// Set writes a key with owner-only permissions.
func (ks *FileKeyStore) Set(name string, value []byte) error {
	if err := os.WriteFile(ks.path(name), value, 0o600); err != nil {
		return fmt.Errorf("writing key %q: %w", name, err)
	}
	return nil
}
