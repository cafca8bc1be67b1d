// Package config loads the server configuration from defaults, an optional
// config file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "MINICR"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	TagStore TagStoreConfig `mapstructure:"tagstore"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type StorageConfig struct {
	Driver string   `mapstructure:"driver"`
	Path   string   `mapstructure:"path"`
	S3     S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type TagStoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	Bolt     BoltConfig     `mapstructure:"bolt"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type BoltConfig struct {
	Path string `mapstructure:"path"`
}

type DynamoDBConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Region      string `mapstructure:"region"`
	TablePrefix string `mapstructure:"table_prefix"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type UploadConfig struct {
	Staging       string        `mapstructure:"staging"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var defaults = map[string]any{
	"server.addr": ":8080",

	"storage.driver":        "filesystem",
	"storage.path":          "./data",
	"storage.s3.bucket":     "minicr",
	"storage.s3.endpoint":   "",
	"storage.s3.region":     "us-east-1",
	"storage.s3.access_key": "",
	"storage.s3.secret_key": "",

	"tagstore.driver":                "bolt",
	"tagstore.bolt.path":             "",
	"tagstore.dynamodb.endpoint":     "",
	"tagstore.dynamodb.region":       "us-east-1",
	"tagstore.dynamodb.table_prefix": "",
	"tagstore.dynamodb.access_key":   "",
	"tagstore.dynamodb.secret_key":   "",
	"tagstore.redis.addr":            "localhost:6379",
	"tagstore.redis.password":        "",
	"tagstore.redis.db":              0,

	"upload.staging":        "memory",
	"upload.ttl":            time.Hour,
	"upload.sweep_interval": time.Minute,

	"log.level":        "info",
	"log.format":       "json",
	"log.file":         "",
	"log.max_size_mb":  100,
	"log.max_backups":  3,
	"log.max_age_days": 28,

	"metrics.enabled": true,
}

// legacyEnv lists variable names read before the prefixed ones existed.
var legacyEnv = map[string][]string{
	"storage.path":                   {"STORAGE_PATH"},
	"storage.s3.bucket":              {"S3_BUCKET"},
	"storage.s3.endpoint":            {"S3_ENDPOINT"},
	"storage.s3.region":              {"AWS_REGION"},
	"storage.s3.access_key":          {"AWS_ACCESS_KEY_ID"},
	"storage.s3.secret_key":          {"AWS_SECRET_ACCESS_KEY"},
	"tagstore.dynamodb.endpoint":     {"DYNAMODB_ENDPOINT"},
	"tagstore.dynamodb.region":       {"AWS_REGION"},
	"tagstore.dynamodb.table_prefix": {"DYNAMODB_TABLE_PREFIX"},
	"tagstore.dynamodb.access_key":   {"AWS_ACCESS_KEY_ID"},
	"tagstore.dynamodb.secret_key":   {"AWS_SECRET_ACCESS_KEY"},
	"tagstore.redis.addr":            {"REDIS_ADDRESS"},
	"tagstore.redis.password":        {"REDIS_PASSWORD"},
}

// Load reads file, when not empty, on top of the defaults. A .env file in
// the working directory is loaded into the environment first; variables
// already set win over it.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.TagStore.Bolt.Path == "" {
		cfg.TagStore.Bolt.Path = filepath.Join(cfg.Storage.Path, "minicr.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StagingDir is where upload sessions are staged when they go to disk.
func (c *Config) StagingDir() string {
	return filepath.Join(c.Storage.Path, "uploads")
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}

	switch c.Storage.Driver {
	case "filesystem":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the filesystem driver"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for the s3 driver"))
		}
	case "inmemory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be one of filesystem, s3, inmemory, got %q", c.Storage.Driver))
	}

	switch c.TagStore.Driver {
	case "bolt", "dynamodb":
	case "redis":
		if c.TagStore.Redis.Addr == "" {
			errs = append(errs, errors.New("tagstore.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("tagstore.driver must be one of bolt, dynamodb, redis, got %q", c.TagStore.Driver))
	}

	switch c.Upload.Staging {
	case "memory":
	case "filesystem":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for filesystem staging"))
		}
	default:
		errs = append(errs, fmt.Errorf("upload.staging must be memory or filesystem, got %q", c.Upload.Staging))
	}

	if c.Upload.TTL <= 0 {
		errs = append(errs, errors.New("upload.ttl must be positive"))
	}
	if c.Upload.SweepInterval <= 0 {
		errs = append(errs, errors.New("upload.sweep_interval must be positive"))
	}

	return errors.Join(errs...)
}
