package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and cwd at fresh temp dirs so a developer's real
// config never leaks into a test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	work := filepath.Join(home, "work")
	require.NoError(t, os.MkdirAll(work, 0755))

	oldCwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(work))
	t.Cleanup(func() { os.Chdir(oldCwd) })
	return work
}

func TestFindEnvLocal_InCurrentDir(t *testing.T) {
	work := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(work, ".env.local"), []byte("TEST=value"), 0644))

	assert.NotEmpty(t, findEnvLocal())
}

func TestFindEnvLocal_InParentDir(t *testing.T) {
	work := isolate(t)
	child := filepath.Join(work, "child")
	require.NoError(t, os.Mkdir(child, 0755))
	envPath := filepath.Join(work, ".env.local")
	require.NoError(t, os.WriteFile(envPath, []byte("TEST=parent"), 0644))
	require.NoError(t, os.Chdir(child))

	result := findEnvLocal()
	// Resolve symlinks for comparison (macOS /var -> /private/var)
	expected, _ := filepath.EvalSymlinks(envPath)
	got, _ := filepath.EvalSymlinks(result)
	assert.Equal(t, expected, got)
}

func TestFindEnvLocal_StopsAtHome(t *testing.T) {
	isolate(t)
	assert.Empty(t, findEnvLocal())
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, MaxPageSize, cfg.PageSize)
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Equal(t, 5, cfg.LookupConcurrency)
	assert.Equal(t, 30*time.Minute, cfg.SplitWindow)
	assert.Contains(t, cfg.StoreDSN, filepath.Join(".local", "share", "recon", "recon.db"))
}

func TestLoad_EnvOverridesAndClamps(t *testing.T) {
	isolate(t)
	t.Setenv("RECON_STORE_DRIVER", "postgres")
	t.Setenv("RECON_STORE_DSN", "postgres://clinic@localhost/clinic?sslmode=disable")
	t.Setenv("RECON_PAGE_SIZE", "5000")
	t.Setenv("RECON_BATCH_SIZE", "0")
	t.Setenv("RECON_LOOKUP_CONCURRENCY", "50")
	t.Setenv("RECON_SPLIT_WINDOW", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, MaxPageSize, cfg.PageSize)
	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, MaxLookupConcurrency, cfg.LookupConcurrency)
	assert.Equal(t, time.Hour, cfg.SplitWindow)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvLocalAndSecretFile(t *testing.T) {
	work := isolate(t)
	secret := filepath.Join(work, "token.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(work, ".env.local"),
		[]byte("RECON_SOURCE_URL=https://script.example/exec\nRECON_SOURCE_TOKEN_FILE="+secret+"\n"), 0644))
	t.Cleanup(func() {
		os.Unsetenv("RECON_SOURCE_URL")
		os.Unsetenv("RECON_SOURCE_TOKEN_FILE")
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://script.example/exec", cfg.SourceURL)
	assert.Equal(t, "s3cret", cfg.SourceToken)
	assert.NoError(t, cfg.RequireSource())
}

func TestLoad_YAMLConfig(t *testing.T) {
	isolate(t)
	home := os.Getenv("HOME")
	dir := filepath.Join(home, ".config", "recon")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("store_dsn: /tmp/clinic.db\nbatch_size: 100\nlock_ttl: 2m\n"), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/clinic.db", cfg.StoreDSN)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.LockTTL)
}

func TestLoad_InvalidInteger(t *testing.T) {
	isolate(t)
	t.Setenv("RECON_PAGE_SIZE", "lots")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "missing DSN")

	cfg.StoreDSN = "x.db"
	cfg.StoreDriver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg.StoreDriver = DriverSQLite
	assert.NoError(t, cfg.Validate())
	assert.Error(t, cfg.RequireSource())
}
