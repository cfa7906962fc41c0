// Package lock guarantees a single daemon per session directory.
package lock

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Holder describes the process holding a session lock.
type Holder struct {
	PID       int       `toml:"pid"`
	Instance  string    `toml:"instance"`
	StartedAt time.Time `toml:"started_at"`
}

// LockHeldError is returned when another process holds the session lock.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	if e.Holder.PID == 0 {
		return fmt.Sprintf("session lock held (%s)", e.Path)
	}
	return fmt.Sprintf("session lock held by PID %d since %s (%s)",
		e.Holder.PID, e.Holder.StartedAt.Format(time.RFC3339), e.Path)
}

// Lock is an acquired session lock file.
type Lock struct {
	file   *os.File
	path   string
	holder Holder
}

// Acquire takes an exclusive flock on the file at path, creating it and its
// parent directory as needed. It returns *LockHeldError when another process
// already holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		h, _ := ReadHolder(path)
		return nil, &LockHeldError{Holder: h, Path: path}
	}

	h := Holder{
		PID:       os.Getpid(),
		Instance:  uuid.NewString(),
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := writeHolder(f, h); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock holder: %w", err)
	}

	return &Lock{file: f, path: path, holder: h}, nil
}

// Holder returns the record written by this process.
func (l *Lock) Holder() Holder {
	return l.holder
}

// Release removes the lock file and drops the flock. Safe on a nil receiver
// and idempotent.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadHolder reads the holder record of a lock file.
func ReadHolder(path string) (Holder, error) {
	var h Holder
	if _, err := toml.DecodeFile(path, &h); err != nil {
		return Holder{}, err
	}
	return h, nil
}

func writeHolder(f *os.File, h Holder) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(h); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		return err
	}
	return f.Sync()
}
