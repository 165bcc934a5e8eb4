package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Vault stores media payloads as flat files under a single directory.
// Appends to the same blob are serialized by a per-filename lock so
// concurrent chunk arrivals cannot interleave.
type Vault struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewVault creates the vault directory if needed.
func NewVault(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}
	return &Vault{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the on-disk path of a blob.
func (v *Vault) Path(name string) string {
	return filepath.Join(v.dir, filepath.Base(name))
}

func (v *Vault) lock(name string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.locks[name]
	if !ok {
		l = &sync.Mutex{}
		v.locks[name] = l
	}
	return l
}

// SaveBlob writes a complete blob, replacing any existing content.
func (v *Vault) SaveBlob(name string, data []byte) error {
	l := v.lock(name)
	l.Lock()
	defer l.Unlock()
	return os.WriteFile(v.Path(name), data, 0o600)
}

// AppendChunk appends data to a blob, creating it if absent.
func (v *Vault) AppendChunk(name string, data []byte) error {
	l := v.lock(name)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(v.Path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// ReadChunkAt reads up to chunkSize bytes at index*chunkSize. The final
// chunk of a blob may be shorter.
func (v *Vault) ReadChunkAt(name string, index int, chunkSize int) ([]byte, error) {
	f, err := os.Open(v.Path(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	n, err := f.ReadAt(buf, int64(index)*int64(chunkSize))
	if n == 0 && err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Size reports a blob's current length, 0 when it does not exist yet.
func (v *Vault) Size(name string) (int64, error) {
	info, err := os.Stat(v.Path(name))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove deletes a blob, ignoring absence.
func (v *Vault) Remove(name string) error {
	err := os.Remove(v.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	v.mu.Lock()
	delete(v.locks, name)
	v.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"blob": name,
	}).Debug("blob removed")
	return nil
}
