// Package config loads stepcore settings from an optional YAML file with
// STEPCORE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"stepcore/internal/blob"
	"stepcore/internal/core"
)

// EnvFile names the environment variable consulted by Load when no path is
// given.
const EnvFile = "STEPCORE_CONFIG"

// Secret wraps a sensitive string to prevent accidental logging or marshalling.
type Secret string

// String implements fmt.Stringer, returning a redacted placeholder.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer, returning a redacted placeholder.
func (s Secret) GoString() string { return "[REDACTED]" }

// MarshalText implements encoding.TextMarshaler, returning a redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// Config holds all stepcore configuration values.
type Config struct {
	LogLevel string              `yaml:"log_level"`
	Engine   core.Config         `yaml:"engine"`
	Storage  core.StorageOptions `yaml:"storage"`
	Blob     BlobConfig          `yaml:"blob"`
}

// BlobConfig selects the exchange-file archive.
type BlobConfig struct {
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config configures the S3 archive driver.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey Secret `yaml:"secret_access_key"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel: "info",
		Engine:   core.DefaultConfig(),
		Storage:  core.StorageOptions{Driver: core.StorageMemory},
		Blob:     BlobConfig{Driver: string(blob.DriverFilesystem)},
	}
}

// Load reads path (or $STEPCORE_CONFIG when path is empty) over the
// defaults, applies environment overrides and validates the result. A
// missing file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.decode(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = envOrDefault("STEPCORE_LOG_LEVEL", c.LogLevel)

	c.Storage.Driver = core.StorageDriver(envOrDefault("STEPCORE_STORAGE_DRIVER", string(c.Storage.Driver)))
	c.Storage.SQLitePath = envOrDefault("STEPCORE_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.PostgresDSN = envOrDefault("STEPCORE_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.BoltPath = envOrDefault("STEPCORE_BOLT_PATH", c.Storage.BoltPath)

	c.Blob.Driver = envOrDefault(blob.EnvDriver, c.Blob.Driver)
	c.Blob.FSRoot = envOrDefault(blob.EnvFSRoot, c.Blob.FSRoot)
	s3 := &c.Blob.S3
	s3.Bucket = envOrDefault("STEPCORE_BLOB_S3_BUCKET", s3.Bucket)
	s3.Region = envOrDefault("STEPCORE_BLOB_S3_REGION", s3.Region)
	s3.Prefix = envOrDefault("STEPCORE_BLOB_S3_PREFIX", s3.Prefix)
	s3.Endpoint = envOrDefault("STEPCORE_BLOB_S3_ENDPOINT", s3.Endpoint)
	s3.AccessKeyID = envOrDefault("STEPCORE_BLOB_S3_ACCESS_KEY_ID", s3.AccessKeyID)
	s3.SecretAccessKey = Secret(envOrDefault("STEPCORE_BLOB_S3_SECRET_ACCESS_KEY", s3.SecretAccessKey.Value()))
	if v := os.Getenv("STEPCORE_BLOB_S3_PATH_STYLE"); v != "" {
		s3.PathStyle = strings.EqualFold(v, "true")
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"STEPCORE_MAX_CONCURRENCY", &c.Engine.MaxConcurrency},
		{"STEPCORE_MAX_CACHE_UPDATE_ATTEMPTS", &c.Engine.MaxCacheUpdateAttempts},
		{"STEPCORE_MAX_USEDIN_NESTING", &c.Engine.MaxUsedinNesting},
		{"STEPCORE_LOOKUP_CACHE_SIZE", &c.Engine.LookupCacheSize},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", e.key, err)
		}
		*e.dst = n
	}
	if v := os.Getenv("STEPCORE_RUN_USEDIN_CACHE_WARMERS"); v != "" {
		c.Engine.RunUsedinCacheWarmers = strings.EqualFold(v, "true")
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.Storage.Driver {
	case core.StorageMemory, core.StorageSQLite, core.StorageBolt:
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("STEPCORE_POSTGRES_DSN is required for the postgres storage driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			return errors.New("STEPCORE_BLOB_S3_BUCKET is required for the s3 blob driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	return nil
}

// BlobOptions converts the archive settings for blob.Open.
func (c *Config) BlobOptions() blob.Options {
	s3 := c.Blob.S3
	return blob.Options{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Prefix:          s3.Prefix,
			Endpoint:        s3.Endpoint,
			PathStyle:       s3.PathStyle,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey.Value(),
		},
	}
}

// NewLogger returns a logrus logger at the configured level writing to w.
func (c *Config) NewLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

// SessionOptions returns the engine options the configuration implies.
func (c *Config) SessionOptions(w io.Writer) []core.SessionOption {
	return []core.SessionOption{
		core.WithConfig(c.Engine),
		core.WithLogger(core.NewLogrusLogger(c.NewLogger(w))),
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
