// Package lock provides per-key in-process mutexes and the daemon's exclusive file lock.
package lock

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MutexMap hands out one mutex per key, created on first use. Keys are
// typically user IDs so independent accounts never wait on each other.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]chan struct{}
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]chan struct{}),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key) <- struct{}{}
}

func (m *MutexMap) Unlock(key string) {
	<-m.getMutex(key)
}

// LockContext waits for the key's mutex or for ctx to end.
func (m *MutexMap) LockContext(ctx context.Context, key string) error {
	select {
	case m.getMutex(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the key's mutex only if it is free.
func (m *MutexMap) TryLock(key string) bool {
	select {
	case m.getMutex(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Do runs fn while holding the key's mutex.
func (m *MutexMap) Do(ctx context.Context, key string, fn func() error) error {
	if err := m.LockContext(ctx, key); err != nil {
		return err
	}
	defer m.Unlock(key)
	return fn()
}

func (m *MutexMap) getMutex(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := make(chan struct{}, 1)
	m.mutexes[key] = mu
	return mu
}

// FileLock is an exclusive flock held for the daemon's lifetime. The holder's
// PID is written into the file.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string { return fl.path }

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another daemon may be running): %w", err)
	}

	release := func(step string, err error) error {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return release("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return release("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return release("write PID to", err)
	}
	if err := f.Sync(); err != nil {
		return release("sync", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

// HolderPID reads the PID recorded in the lock file at path. It returns 0
// when no daemon holds the lock.
func HolderPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse lock file PID %q: %w", s, err)
	}
	return pid, nil
}
