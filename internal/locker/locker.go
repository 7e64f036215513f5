// Package locker grants exclusive access to normalized paths for the
// duration of a job. Exclusivity is process-wide through an in-memory
// table and host-wide through flock lock files in a shared directory.
package locker

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

const (
	lockNameLen = 16
	lockSuffix  = ".lock"
	dirPerm     = 0o755
)

// Coordinator hands out exclusive per-path locks.
type Coordinator struct {
	dir string

	mu   sync.Mutex
	held map[string]*flock.Flock
}

// New returns a coordinator storing lock files under dir.
func New(dir string) *Coordinator {
	return &Coordinator{dir: dir, held: make(map[string]*flock.Flock)}
}

// Lock represents held exclusive access to one path. Release is safe to
// call more than once.
type Lock struct {
	c    *Coordinator
	path string
	once sync.Once
}

// Release gives up the lock.
func (l *Lock) Release() {
	l.once.Do(func() { l.c.release(l.path) })
}

// Normalize returns the canonical form of a path used for locking, so
// that equivalent spellings contend on the same lock.
func Normalize(path string) string {
	return filepath.Clean(path)
}

// TryAcquire attempts to take the exclusive lock for path without
// blocking. ok is false when another job holds it.
func (c *Coordinator) TryAcquire(path string) (*Lock, bool, error) {
	path = Normalize(path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.held[path]; taken {
		return nil, false, nil
	}

	if err := os.MkdirAll(c.dir, dirPerm); err != nil {
		return nil, false, err
	}
	fl := flock.New(c.lockFile(path))
	got, err := fl.TryLock()
	if err != nil {
		return nil, false, err
	}
	if !got {
		return nil, false, nil
	}
	c.held[path] = fl
	return &Lock{c: c, path: path}, true, nil
}

func (c *Coordinator) release(path string) {
	c.mu.Lock()
	fl, ok := c.held[path]
	delete(c.held, path)
	c.mu.Unlock()
	if !ok {
		return
	}
	// The lock file stays in place: removing it would let another
	// process flock a deleted inode while a third locks its
	// replacement. flock on the persistent file carries the
	// exclusivity.
	_ = fl.Unlock()
}

// lockFile hashes the path to keep lock file names short and safe.
func (c *Coordinator) lockFile(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])[:lockNameLen]+lockSuffix)
}
