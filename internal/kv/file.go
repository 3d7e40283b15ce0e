package kv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/bestbefore/internal/atomicfile"
)

const fileExt = ".kv"

// FileStore keeps one file per key in dir. Writes go through atomicfile, so
// every value has a .bak of its previous content.
type FileStore struct {
	baseDir string
	dir     string
}

// NewFileStore stores values in dir. Quarantined values land in baseDir/quarantine.
func NewFileStore(baseDir, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{baseDir: baseDir, dir: dir}, nil
}

func (s *FileStore) Dir() string { return s.dir }

// PathFor returns the file holding key.
func (s *FileStore) PathFor(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+fileExt)
}

func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(s.PathFor(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return string(data), true, nil
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := atomicfile.WriteRaw(s.PathFor(key), []byte(value), nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.PathFor(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	_ = os.Remove(path + ".bak")
	return nil
}

func (s *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list store dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Quarantine moves the value of key into the quarantine directory and
// restores its backup when the backup is valid JSON.
func (s *FileStore) Quarantine(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, restored, err := atomicfile.Recover(s.baseDir, s.PathFor(key), atomicfile.ValidJSON)
	if err != nil {
		return false, fmt.Errorf("quarantine %s: %w", key, err)
	}
	return restored, nil
}

// Discard moves the value of key into the quarantine directory and drops its
// backup, so the key reads as missing.
func (s *FileStore) Discard(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.PathFor(key)
	if _, err := atomicfile.Quarantine(s.baseDir, path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard %s: %w", key, err)
	}
	if err := os.Remove(path + ".bak"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard %s backup: %w", key, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func resolve(baseDir, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
