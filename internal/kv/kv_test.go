package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/msageha/bestbefore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"file": func() Store {
			base := t.TempDir()
			s, err := NewFileStore(base, filepath.Join(base, "state"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func() Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
			require.NoError(t, err)
			return s
		},
		"sqlite-memory": func() Store {
			s, err := OpenSQLite(":memory:")
			require.NoError(t, err)
			return s
		},
		"memory": func() Store { return NewMemoryStore() },
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()

			_, found, err := s.Get(ctx, "@BestBefore:syncQueue:u1")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Set(ctx, "@BestBefore:syncQueue:u1", `[{"id":"a"}]`))
			require.NoError(t, s.Set(ctx, "@BestBefore:syncQueue:u2", `[]`))
			require.NoError(t, s.Set(ctx, "@BestBefore:session", `{}`))

			v, found, err := s.Get(ctx, "@BestBefore:syncQueue:u1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, `[{"id":"a"}]`, v)

			require.NoError(t, s.Set(ctx, "@BestBefore:syncQueue:u1", `[]`))
			v, _, err = s.Get(ctx, "@BestBefore:syncQueue:u1")
			require.NoError(t, err)
			assert.Equal(t, `[]`, v)

			keys, err := s.Keys(ctx, "@BestBefore:syncQueue:")
			require.NoError(t, err)
			assert.Equal(t, []string{"@BestBefore:syncQueue:u1", "@BestBefore:syncQueue:u2"}, keys)

			all, err := s.Keys(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, s.Remove(ctx, "@BestBefore:syncQueue:u1"))
			require.NoError(t, s.Remove(ctx, "@BestBefore:syncQueue:u1"), "removing a missing key is not an error")
			_, found, err = s.Get(ctx, "@BestBefore:syncQueue:u1")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStoreContract_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			assert.Error(t, s.Set(ctx, "k", "v"))
		})
	}
}

func TestFileStore_Quarantine(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := NewFileStore(base, filepath.Join(base, "state"))
	require.NoError(t, err)

	key := "@BestBefore:syncQueue:u1"
	require.NoError(t, s.Set(ctx, key, `[{"id":"first"}]`))
	require.NoError(t, s.Set(ctx, key, `[{"id":"second"}]`))
	require.NoError(t, os.WriteFile(s.PathFor(key), []byte("[{trunc"), 0644))

	restored, err := s.Quarantine(ctx, key)
	require.NoError(t, err)
	assert.True(t, restored)

	v, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `[{"id":"first"}]`, v)

	entries, err := os.ReadDir(filepath.Join(base, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_Discard(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := NewFileStore(base, filepath.Join(base, "state"))
	require.NoError(t, err)

	key := "@BestBefore:syncQueue:u1"
	require.NoError(t, s.Set(ctx, key, `[{"id":"first"}]`))
	require.NoError(t, s.Set(ctx, key, `[{"id":"second"}]`))
	require.NoError(t, os.WriteFile(s.PathFor(key), []byte("[{trunc"), 0644))

	require.NoError(t, s.Discard(ctx, key))
	_, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "the backup is not reinstated")
	assert.NoFileExists(t, s.PathFor(key)+".bak")

	entries, err := os.ReadDir(filepath.Join(base, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.NoError(t, s.Discard(ctx, "missing"))
}

func TestFileStore_KeysIgnoresBackupsAndTemps(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := NewFileStore(base, filepath.Join(base, "state"))
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "a", "2"))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ".bestbefore-tmp-123"), []byte("x"), 0644))

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
}

func TestFileStore_PathEscapesSeparators(t *testing.T) {
	base := t.TempDir()
	s, err := NewFileStore(base, filepath.Join(base, "state"))
	require.NoError(t, err)

	p := s.PathFor("@BestBefore:reminders:a/b")
	assert.Equal(t, s.Dir(), filepath.Dir(p))
}

func TestOpen(t *testing.T) {
	base := t.TempDir()

	s, err := Open(base, model.StorageConfig{Backend: "file"})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(base, "state"), fs.Dir())

	s, err = Open(base, model.StorageConfig{Backend: "sqlite", Path: "db/kv.db"})
	require.NoError(t, err)
	defer s.Close()
	assert.FileExists(t, filepath.Join(base, "db", "kv.db"))

	s, err = Open(base, model.StorageConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(base, model.StorageConfig{Backend: "redis"})
	assert.Error(t, err)
}
