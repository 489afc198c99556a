// Package lock keeps two provisioning runs from sharing a scratch directory.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// HeldError reports a lock owned by another process.
type HeldError struct {
	Dir  string
	Path string
	PID  int // 0 when unknown
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s is in use by pgstandby pid %d (lock %s)", e.Dir, e.PID, e.Path)
	}
	return fmt.Sprintf("%s is in use by another pgstandby run (lock %s)", e.Dir, e.Path)
}

// DirLock is an advisory lock keyed by the absolute path of a directory. The
// lock file lives in the system temp dir so the directory itself stays empty.
type DirLock struct {
	dir string
	fl  *flock.Flock
}

// New returns the lock for dir; nothing is acquired yet.
func New(dir string) *DirLock {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = filepath.Clean(dir)
	}
	sum := sha256.Sum256([]byte(abs))
	name := filepath.Join(os.TempDir(), "pgstandby_"+hex.EncodeToString(sum[:8])+".lock")
	return &DirLock{dir: abs, fl: flock.New(name)}
}

// Path of the lock file.
func (l *DirLock) Path() string { return l.fl.Path() }

// staleRetries bounds how often Acquire retries after locking a file that a
// releasing holder unlinked in the meantime.
const staleRetries = 3

// Acquire takes the lock without blocking and records our pid in it.
// A lock held elsewhere yields *HeldError.
func (l *DirLock) Acquire() error {
	for i := 0; ; i++ {
		ok, err := l.fl.TryLock()
		if err != nil {
			return fmt.Errorf("lock %s: %w", l.Path(), err)
		}
		if !ok {
			return &HeldError{Dir: l.dir, Path: l.Path(), PID: l.holder()}
		}
		// the previous holder removes the file before unlocking; a lock on an
		// unlinked file excludes nobody
		if _, err := os.Stat(l.Path()); err == nil {
			break
		} else if !os.IsNotExist(err) || i == staleRetries {
			_ = l.fl.Unlock()
			return fmt.Errorf("lock %s: file removed while locking", l.Path())
		}
		_ = l.fl.Unlock()
	}
	if err := os.WriteFile(l.Path(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		_ = l.fl.Unlock()
		return fmt.Errorf("lock %s: %w", l.Path(), err)
	}
	return nil
}

func (l *DirLock) holder() int {
	b, err := os.ReadFile(l.Path())
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(b)))
	return pid
}

// Release removes the lock file and then unlocks it. Removing first means a
// run that opened the old file afterwards finds it gone and retries.
func (l *DirLock) Release() error {
	rmErr := os.Remove(l.Path())
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	if rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return nil
}
