package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB",
	"AWS_ENDPOINT_URL", "AWS_REGION", "S3_BUCKET_NAME",
	"LAYERCACHE_DIR", "LAYERCACHE_CONCURRENCY", "LAYERCACHE_PER_LAYER", "DOCKER_BIN", "LOG_LEVEL",
}

// clearEnv unsets every variable Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		if v, ok := os.LookupEnv(k); ok {
			require.NoError(t, os.Unsetenv(k))
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
	assert.Equal(t, "host=localhost port=5432 user=postgres password=password dbname=layercache sslmode=disable", cfg.PostgresDSN())
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "layercache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres:
  host: db.internal
  db: cache
s3:
  bucket: from-file
concurrency: 8
perLayer: false
`), 0644))

	t.Setenv("S3_BUCKET_NAME", "from-env")
	t.Setenv("LAYERCACHE_CONCURRENCY", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, "cache", cfg.Postgres.DB)
	assert.Equal(t, "5432", cfg.Postgres.Port)
	assert.Equal(t, "from-env", cfg.S3.Bucket)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.False(t, cfg.PerLayer)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	clearEnv(t)

	t.Setenv("LAYERCACHE_CONCURRENCY", "many")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("LAYERCACHE_CONCURRENCY", "0")
	_, err = Load("")
	assert.ErrorContains(t, err, "concurrency")

	t.Setenv("LAYERCACHE_CONCURRENCY", "1")
	t.Setenv("LAYERCACHE_PER_LAYER", "maybe")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateRequiresBucket(t *testing.T) {
	cfg := Default()
	cfg.S3.Bucket = ""
	assert.Error(t, cfg.Validate())
}
