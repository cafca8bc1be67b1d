package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "filesystem", cfg.Storage.Driver)
	assert.Equal(t, "./data", cfg.Storage.Path)
	assert.Equal(t, "bolt", cfg.TagStore.Driver)
	assert.Equal(t, filepath.Join("./data", "minicr.db"), cfg.TagStore.Bolt.Path)
	assert.Equal(t, "memory", cfg.Upload.Staging)
	assert.Equal(t, time.Hour, cfg.Upload.TTL)
	assert.Equal(t, time.Minute, cfg.Upload.SweepInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, filepath.Join("./data", "uploads"), cfg.StagingDir())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("MINICR_STORAGE_DRIVER", "inmemory")
	t.Setenv("MINICR_TAGSTORE_DRIVER", "redis")
	t.Setenv("MINICR_TAGSTORE_REDIS_DB", "2")
	t.Setenv("MINICR_UPLOAD_TTL", "30m")
	t.Setenv("MINICR_METRICS_ENABLED", "false")
	t.Setenv("REDIS_ADDRESS", "cache:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "inmemory", cfg.Storage.Driver)
	assert.Equal(t, "redis", cfg.TagStore.Driver)
	assert.Equal(t, 2, cfg.TagStore.Redis.DB)
	assert.Equal(t, "cache:6379", cfg.TagStore.Redis.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Upload.TTL)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("STORAGE_PATH", "/srv/registry")
	t.Setenv("S3_BUCKET", "images")
	t.Setenv("AWS_REGION", "ap-northeast-1")
	t.Setenv("DYNAMODB_TABLE_PREFIX", "prod")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/srv/registry", cfg.Storage.Path)
	assert.Equal(t, "/srv/registry/minicr.db", cfg.TagStore.Bolt.Path)
	assert.Equal(t, "images", cfg.Storage.S3.Bucket)
	assert.Equal(t, "ap-northeast-1", cfg.Storage.S3.Region)
	assert.Equal(t, "ap-northeast-1", cfg.TagStore.DynamoDB.Region)
	assert.Equal(t, "prod", cfg.TagStore.DynamoDB.TablePrefix)
}

func TestPrefixedEnvironmentWinsOverLegacy(t *testing.T) {
	t.Setenv("STORAGE_PATH", "/legacy")
	t.Setenv("MINICR_STORAGE_PATH", "/current")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/current", cfg.Storage.Path)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minicr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":5000"
storage:
  driver: s3
  s3:
    bucket: layers
    endpoint: http://minio:9000
tagstore:
  driver: dynamodb
  bolt:
    path: /tmp/tags.db
upload:
  staging: filesystem
  sweep_interval: 10s
log:
  format: text
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, "s3", cfg.Storage.Driver)
	assert.Equal(t, "layers", cfg.Storage.S3.Bucket)
	assert.Equal(t, "http://minio:9000", cfg.Storage.S3.Endpoint)
	assert.Equal(t, "dynamodb", cfg.TagStore.Driver)
	assert.Equal(t, "/tmp/tags.db", cfg.TagStore.Bolt.Path)
	assert.Equal(t, "filesystem", cfg.Upload.Staging)
	assert.Equal(t, 10*time.Second, cfg.Upload.SweepInterval)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{Addr: ":8080"},
			Storage:  StorageConfig{Driver: "filesystem", Path: "/data", S3: S3Config{Bucket: "minicr"}},
			TagStore: TagStoreConfig{Driver: "bolt", Redis: RedisConfig{Addr: "localhost:6379"}},
			Upload:   UploadConfig{Staging: "memory", TTL: time.Hour, SweepInterval: time.Minute},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no addr", mutate: func(c *Config) { c.Server.Addr = "" }, wantErr: "server.addr"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Driver = "gcs" }, wantErr: "storage.driver"},
		{name: "filesystem without path", mutate: func(c *Config) { c.Storage.Path = "" }, wantErr: "storage.path"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage.Driver = "s3"; c.Storage.S3.Bucket = "" }, wantErr: "storage.s3.bucket"},
		{name: "unknown tag store", mutate: func(c *Config) { c.TagStore.Driver = "mysql" }, wantErr: "tagstore.driver"},
		{name: "redis without addr", mutate: func(c *Config) { c.TagStore.Driver = "redis"; c.TagStore.Redis.Addr = "" }, wantErr: "tagstore.redis.addr"},
		{name: "unknown staging", mutate: func(c *Config) { c.Upload.Staging = "tape" }, wantErr: "upload.staging"},
		{name: "zero ttl", mutate: func(c *Config) { c.Upload.TTL = 0 }, wantErr: "upload.ttl"},
		{name: "negative sweep", mutate: func(c *Config) { c.Upload.SweepInterval = -time.Second }, wantErr: "upload.sweep_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
