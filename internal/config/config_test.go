package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/internal/blob"
	"stepcore/internal/core"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		EnvFile, "STEPCORE_LOG_LEVEL", "STEPCORE_STORAGE_DRIVER", "STEPCORE_SQLITE_PATH",
		"STEPCORE_POSTGRES_DSN", "STEPCORE_BOLT_PATH", blob.EnvDriver, blob.EnvFSRoot,
		"STEPCORE_BLOB_S3_BUCKET", "STEPCORE_BLOB_S3_REGION", "STEPCORE_BLOB_S3_PREFIX",
		"STEPCORE_BLOB_S3_ENDPOINT", "STEPCORE_BLOB_S3_PATH_STYLE", "STEPCORE_BLOB_S3_ACCESS_KEY_ID",
		"STEPCORE_BLOB_S3_SECRET_ACCESS_KEY", "STEPCORE_MAX_CONCURRENCY", "STEPCORE_MAX_CACHE_UPDATE_ATTEMPTS",
		"STEPCORE_MAX_USEDIN_NESTING", "STEPCORE_LOOKUP_CACHE_SIZE", "STEPCORE_RUN_USEDIN_CACHE_WARMERS",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "stepcore.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, core.StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, blob.DriverFilesystem, cfg.BlobOptions().Driver)
	assert.Equal(t, core.DefaultConfig(), cfg.Engine)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, `
log_level: debug
engine:
  max_usedin_nesting: 3
  lookup_cache_size: 64
storage:
  driver: bolt
  bolt_path: /var/lib/stepcore/state.bolt
blob:
  driver: s3
  s3:
    bucket: parts
    secret_access_key: hunter2
`)
	t.Setenv("STEPCORE_MAX_USEDIN_NESTING", "5")
	t.Setenv("STEPCORE_BLOB_S3_PREFIX", "exchange")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Engine.MaxUsedinNesting)
	assert.Equal(t, 64, cfg.Engine.LookupCacheSize)
	assert.Equal(t, core.DefaultConfig().MaxConcurrency, cfg.Engine.MaxConcurrency)
	assert.Equal(t, core.StorageBolt, cfg.Storage.Driver)

	opts := cfg.BlobOptions()
	assert.Equal(t, blob.DriverS3, opts.Driver)
	assert.Equal(t, "parts", opts.S3.Bucket)
	assert.Equal(t, "exchange", opts.S3.Prefix)
	assert.Equal(t, "hunter2", opts.S3.SecretAccessKey)
	assert.Equal(t, "[REDACTED]", fmt.Sprint(cfg.Blob.S3.SecretAccessKey))
	assert.Equal(t, logrus.DebugLevel, cfg.NewLogger(&bytes.Buffer{}).GetLevel())
}

func TestLoadFromEnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvFile, writeFile(t, "log_level: warn\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)

	t.Setenv(EnvFile, filepath.Join(t.TempDir(), "absent.yaml"))
	_, err = Load("")
	require.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "unknown field", file: "colour: blue\n", want: "colour"},
		{name: "bad level", env: map[string]string{"STEPCORE_LOG_LEVEL": "loud"}, want: "log level"},
		{name: "bad int", env: map[string]string{"STEPCORE_MAX_CONCURRENCY": "many"}, want: "STEPCORE_MAX_CONCURRENCY"},
		{name: "zero concurrency", env: map[string]string{"STEPCORE_MAX_CONCURRENCY": "0"}, want: "max concurrency"},
		{name: "postgres without dsn", env: map[string]string{"STEPCORE_STORAGE_DRIVER": "postgres"}, want: "STEPCORE_POSTGRES_DSN"},
		{name: "unknown storage", env: map[string]string{"STEPCORE_STORAGE_DRIVER": "tape"}, want: "unknown storage driver"},
		{name: "s3 without bucket", env: map[string]string{blob.EnvDriver: "s3"}, want: "STEPCORE_BLOB_S3_BUCKET"},
		{name: "unknown blob", env: map[string]string{blob.EnvDriver: "ftp"}, want: "unknown blob driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.file != "" {
				path = writeFile(t, tc.file)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestSessionOptions(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Engine.MaxUsedinNesting = 4
	s, err := core.OpenSession(cfg.SessionOptions(&bytes.Buffer{})...)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Config().MaxUsedinNesting)
}
