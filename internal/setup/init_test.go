package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/bestbefore/internal/model"
)

func TestRun_CreatesDirectories(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "pantry")
	require.NoError(t, os.Mkdir(projectDir, 0755))

	base, err := Run(projectDir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(projectDir, DirName), base)

	for _, d := range []string{"state", "locks", "logs", "quarantine"} {
		info, err := os.Stat(filepath.Join(base, d))
		if assert.NoError(t, err, d) {
			assert.True(t, info.IsDir(), d)
		}
	}
}

func TestRun_AutoFillsConfig(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "pantry")
	require.NoError(t, os.Mkdir(projectDir, 0755))

	base, err := Run(projectDir, "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, "config.yaml"))
	require.NoError(t, err)
	var cfg model.Config
	require.NoError(t, yamlv3.Unmarshal(data, &cfg))

	assert.Equal(t, "pantry", cfg.Project.Name)
	assert.NotEmpty(t, cfg.Project.Created)
	assert.Equal(t, "1.0.0", cfg.Project.Version)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "postgrest", cfg.Remote.Backend)
	assert.Equal(t, 3, cfg.Reminders.DefaultDays)
}

func TestRun_ProjectNameOverride(t *testing.T) {
	projectDir := t.TempDir()

	base, err := Run(projectDir, "kitchen")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, "config.yaml"))
	require.NoError(t, err)
	var cfg model.Config
	require.NoError(t, yamlv3.Unmarshal(data, &cfg))
	assert.Equal(t, "kitchen", cfg.Project.Name)
}

func TestRun_CreatesDaemonLock(t *testing.T) {
	base, err := Run(t.TempDir(), "")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(base, "locks", "daemon.lock"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRun_RejectsExistingDir(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(projectDir, DirName), 0755))

	_, err := Run(projectDir, "")
	assert.Error(t, err)
}

func TestFindBaseDir(t *testing.T) {
	projectDir := t.TempDir()
	base, err := Run(projectDir, "")
	require.NoError(t, err)

	nested := filepath.Join(projectDir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	resolved, err := filepath.EvalSymlinks(base)
	require.NoError(t, err)
	found, err := filepath.EvalSymlinks(FindBaseDir(nested))
	require.NoError(t, err)
	assert.Equal(t, resolved, found)

	assert.Empty(t, FindBaseDir(t.TempDir()))
}
