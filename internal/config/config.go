// Package config loads engine configuration.
//
// Sources, lowest precedence first: built-in defaults, a YAML config file,
// a .env file, SIGNALSYNC_* environment variables, then command-line flags
// bound by the caller. Keys are dotted (backend.url); the matching
// environment variable replaces dots with underscores
// (SIGNALSYNC_BACKEND_URL).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "SIGNALSYNC"

// Config is the full engine configuration.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Host      HostConfig      `mapstructure:"host" yaml:"host"`
	Realtime  RealtimeConfig  `mapstructure:"realtime" yaml:"realtime"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type BackendConfig struct {
	URL string `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	// RealtimeURL defaults to the backend URL with a ws scheme and /api/realtime.
	RealtimeURL string        `mapstructure:"realtime_url" yaml:"realtime_url" validate:"omitempty,url"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
}

type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
}

type HostConfig struct {
	ConnectivityInterval time.Duration `mapstructure:"connectivity_interval" yaml:"connectivity_interval" validate:"gt=0"`
	ActivityInterval     time.Duration `mapstructure:"activity_interval" yaml:"activity_interval" validate:"gt=0"`
	// ActivityFile holds the device state written by the host. Empty means
	// the device is always active.
	ActivityFile string `mapstructure:"activity_file" yaml:"activity_file"`
}

type RealtimeConfig struct {
	Watchdog           time.Duration `mapstructure:"watchdog" yaml:"watchdog" validate:"gt=0"`
	ErrorBackoff       time.Duration `mapstructure:"error_backoff" yaml:"error_backoff" validate:"gt=0"`
	OpenFailureBackoff time.Duration `mapstructure:"open_failure_backoff" yaml:"open_failure_backoff" validate:"gt=0"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

type LogConfig struct {
	// File enables rotating file output. Empty logs to stderr only.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// Options controls Load.
type Options struct {
	// ConfigFile is an explicit config file. It must exist when set.
	ConfigFile string
	// EnvFile is a dotenv file; a missing file is ignored. Defaults to ".env".
	EnvFile string
	// Bind lets the caller bind command-line flags into the viper instance.
	Bind func(v *viper.Viper) error
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Backend: BackendConfig{
			Timeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir(), "signals.db"),
		},
		Sync:      SyncConfig{Interval: 60 * time.Second},
		Scheduler: SchedulerConfig{Interval: 10 * time.Second},
		Host: HostConfig{
			ConnectivityInterval: 10 * time.Second,
			ActivityInterval:     30 * time.Second,
		},
		Realtime: RealtimeConfig{
			Watchdog:           65 * time.Second,
			ErrorBackoff:       5 * time.Second,
			OpenFailureBackoff: 10 * time.Second,
		},
		Dashboard: DashboardConfig{Port: 8080},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the configuration from every source and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if opts.Bind != nil {
		if err := opts.Bind(v); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Host.ActivityFile = expandHome(cfg.Host.ActivityFile)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and URL formats.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RequireBackend reports an error if no backend URL is configured.
func (c *Config) RequireBackend() error {
	if strings.TrimSpace(c.Backend.URL) == "" {
		return fmt.Errorf("backend.url is not set (use --backend or %s_BACKEND_URL)", EnvPrefix)
	}
	return nil
}

// RealtimeEndpoint returns the realtime URL, derived from the backend URL
// when not set.
func (c *Config) RealtimeEndpoint() string {
	if c.Backend.RealtimeURL != "" {
		return c.Backend.RealtimeURL
	}
	base := strings.TrimRight(c.Backend.URL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/realtime"
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("backend.url", d.Backend.URL)
	v.SetDefault("backend.realtime_url", d.Backend.RealtimeURL)
	v.SetDefault("backend.timeout", d.Backend.Timeout)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("host.connectivity_interval", d.Host.ConnectivityInterval)
	v.SetDefault("host.activity_interval", d.Host.ActivityInterval)
	v.SetDefault("host.activity_file", d.Host.ActivityFile)
	v.SetDefault("realtime.watchdog", d.Realtime.Watchdog)
	v.SetDefault("realtime.error_backoff", d.Realtime.ErrorBackoff)
	v.SetDefault("realtime.open_failure_backoff", d.Realtime.OpenFailureBackoff)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "signalsync")
	}
	return "."
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "signalsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "signalsync")
	}
	return "."
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
