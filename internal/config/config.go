// Package config loads runtime settings from defaults, an optional YAML file
// and DEHC_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEHC_STORAGE_DRIVER.
const EnvPrefix = "DEHC"

// Config holds all runtime settings.
type Config struct {
	Namespace  string           `mapstructure:"namespace"`
	SchemaPath string           `mapstructure:"schema_path"`
	ReadOnly   bool             `mapstructure:"read_only"`
	LogLevel   string           `mapstructure:"log_level"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Blob       BlobConfig       `mapstructure:"blob"`
	ReadSource ReadSourceConfig `mapstructure:"read_source"`
}

// StorageConfig selects the record storage backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // memory|sqlite|postgres|bolt
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	BoltPath    string `mapstructure:"bolt_path"`
}

// BlobConfig selects the blob backend used for attachments and archives.
type BlobConfig struct {
	Driver string   `mapstructure:"driver"` // fs|memory|s3
	Root   string   `mapstructure:"root"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config configures the S3-compatible blob backend. Credentials come from
// the default AWS chain unless set.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// ReadSourceConfig configures where read fields get their external values.
type ReadSourceConfig struct {
	File     string        `mapstructure:"file"`
	Watch    bool          `mapstructure:"watch"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Namespace:  "default",
		SchemaPath: "schema.yaml",
		LogLevel:   "info",
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "dehc.db",
			BoltPath:   "dehc.bolt",
		},
		Blob: BlobConfig{
			Driver: "fs",
			Root:   "./blobdata",
			S3:     S3Config{Region: "us-east-1"},
		},
		ReadSource: ReadSourceConfig{
			Watch:    true,
			CacheTTL: 30 * time.Second,
		},
	}
}

// Load resolves settings. path may be empty; a missing explicit file is an
// error.
func Load(path string) (Config, error) {
	v := viper.New()
	d := Defaults()
	v.SetDefault("namespace", d.Namespace)
	v.SetDefault("schema_path", d.SchemaPath)
	v.SetDefault("read_only", d.ReadOnly)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)
	v.SetDefault("storage.bolt_path", d.Storage.BoltPath)
	v.SetDefault("blob.driver", d.Blob.Driver)
	v.SetDefault("blob.root", d.Blob.Root)
	v.SetDefault("blob.s3.bucket", d.Blob.S3.Bucket)
	v.SetDefault("blob.s3.region", d.Blob.S3.Region)
	v.SetDefault("blob.s3.endpoint", d.Blob.S3.Endpoint)
	v.SetDefault("blob.s3.path_style", d.Blob.S3.PathStyle)
	v.SetDefault("blob.s3.access_key_id", "")
	v.SetDefault("blob.s3.secret_access_key", "")
	v.SetDefault("read_source.file", d.ReadSource.File)
	v.SetDefault("read_source.watch", d.ReadSource.Watch)
	v.SetDefault("read_source.cache_ttl", d.ReadSource.CacheTTL)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite", "bolt":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn required for postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket required for s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// NewLogger builds a text logger at the configured level. A nil writer
// discards output.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		return slog.New(slog.DiscardHandler)
	}
	lvl, err := ParseLevel(c.LogLevel)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})).With("namespace", c.Namespace)
}
