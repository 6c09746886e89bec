// Package config loads todosync settings from todosync.yaml, TODOSYNC_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/todosync/todosync/internal/todotxt"
)

// EnvPrefix is the prefix of environment overrides, e.g. TODOSYNC_S3_BUCKET.
const EnvPrefix = "TODOSYNC"

// FileName is the config file name without extension.
const FileName = "todosync"

// Backends.
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
	BackendFS   = "fs"
)

// Config is the complete application configuration.
type Config struct {
	// File is the remote path of the todo file.
	File string `mapstructure:"file"`
	// EOL is "lf" or "crlf".
	EOL string `mapstructure:"eol"`
	// DataDir holds the cache database and the watch lock.
	DataDir string `mapstructure:"data_dir"`
	// Backend is one of http, s3, fs.
	Backend string `mapstructure:"backend"`

	HTTP         HTTPConfig         `mapstructure:"http"`
	S3           S3Config           `mapstructure:"s3"`
	FS           FSConfig           `mapstructure:"fs"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Log          LogConfig          `mapstructure:"log"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
}

// HTTPConfig configures the Dropbox-style HTTP backend.
type HTTPConfig struct {
	APIURL     string `mapstructure:"api_url"`
	ContentURL string `mapstructure:"content_url"`
	NotifyURL  string `mapstructure:"notify_url"`
	Folder     string `mapstructure:"folder"`
	// Token, when set, is used instead of the stored login.
	Token string `mapstructure:"token"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket       string        `mapstructure:"bucket"`
	Prefix       string        `mapstructure:"prefix"`
	Region       string        `mapstructure:"region"`
	Endpoint     string        `mapstructure:"endpoint"`
	AccessKey    string        `mapstructure:"access_key"`
	SecretKey    string        `mapstructure:"secret_key"`
	PathStyle    bool          `mapstructure:"path_style"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// FSConfig configures the directory backend.
type FSConfig struct {
	Dir string `mapstructure:"dir"`
}

// ConnectivityConfig configures the reachability prober.
type ConnectivityConfig struct {
	// Probe is host:port or an http(s) URL. Empty derives it from the
	// backend; the fs backend is always online.
	Probe    string        `mapstructure:"probe"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// Offline forces offline mode.
	Offline bool `mapstructure:"offline"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Debounce        time.Duration `mapstructure:"debounce"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	BackupRetention time.Duration `mapstructure:"backup_retention"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DashboardConfig configures the watch daemon's HTTP endpoint.
type DashboardConfig struct {
	// Addr to listen on, e.g. "127.0.0.1:8787". Empty disables it.
	Addr string `mapstructure:"addr"`
}

// DefaultDir is where the config file and data live by default.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "todosync")
	}
	return ".todosync"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("file", "/todo.txt")
	v.SetDefault("eol", "lf")
	v.SetDefault("data_dir", DefaultDir())
	v.SetDefault("backend", BackendHTTP)

	v.SetDefault("http.api_url", "https://api.dropboxapi.com")
	v.SetDefault("http.content_url", "https://content.dropboxapi.com")
	v.SetDefault("http.notify_url", "https://notify.dropboxapi.com")
	v.SetDefault("http.folder", "")
	v.SetDefault("http.token", "")

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.path_style", false)
	v.SetDefault("s3.poll_interval", 10*time.Second)

	v.SetDefault("fs.dir", "")

	v.SetDefault("connectivity.probe", "")
	v.SetDefault("connectivity.interval", 15*time.Second)
	v.SetDefault("connectivity.timeout", 5*time.Second)
	v.SetDefault("connectivity.offline", false)

	v.SetDefault("sync.debounce", 5*time.Second)
	v.SetDefault("sync.poll_timeout", 120*time.Second)
	v.SetDefault("sync.backup_retention", 48*time.Hour)

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("dashboard.addr", "")
}

// newViper returns a viper instance with defaults and env overrides.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. An explicit path must exist; without one the
// file is searched in the working directory and DefaultDir, and its
// absence is not an error. bind, if not nil, may bind flags on v before
// the config is decoded.
func Load(path string, bind func(v *viper.Viper) error) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if bind != nil {
		if err := bind(v); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.File == "" {
		return fmt.Errorf("file cannot be empty")
	}
	if _, err := todotxt.EOL(c.EOL); err != nil {
		return err
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	switch c.Backend {
	case BackendHTTP:
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for the s3 backend")
		}
	case BackendFS:
		if c.FS.Dir == "" {
			return fmt.Errorf("fs.dir is required for the fs backend")
		}
	default:
		return fmt.Errorf("invalid backend %q (must be http, s3 or fs)", c.Backend)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"connectivity.interval", c.Connectivity.Interval},
		{"connectivity.timeout", c.Connectivity.Timeout},
		{"sync.debounce", c.Sync.Debounce},
		{"sync.poll_timeout", c.Sync.PollTimeout},
		{"sync.backup_retention", c.Sync.BackupRetention},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	return nil
}

// DatabasePath is the cache database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "todosync.db")
}

// LockPath is the watch daemon lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "watch.lock")
}

// WriteDefault writes a config file with every default spelled out. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	// Defaults only: environment values such as secrets stay out of the file.
	v := viper.New()
	setDefaults(v)
	settings := humanize(v.AllSettings())
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	header := "# todosync configuration. Every key can be overridden with\n" +
		"# " + EnvPrefix + "_<SECTION>_<KEY>, e.g. " + EnvPrefix + "_S3_BUCKET.\n"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// humanize renders durations as "5s" instead of nanosecond integers.
func humanize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		switch x := val.(type) {
		case map[string]any:
			out[k] = humanize(x)
		case time.Duration:
			out[k] = x.String()
		default:
			out[k] = val
		}
	}
	return out
}
