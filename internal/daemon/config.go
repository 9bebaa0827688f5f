package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kvfs/internal/artifacts"
)

// Supported metadata backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// getConfigDir returns the config directory path.
// Uses KVFS_CONFIG_DIR env var if set, otherwise defaults to ~/.kvfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("KVFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kvfs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// RunDir holds pid and log files of background mounts.
func RunDir() string {
	return filepath.Join(getConfigDir(), "run")
}

// mountID turns a mountpoint into a file name component.
func mountID(mountpoint string) string {
	clean := filepath.Clean(mountpoint)
	return strings.Trim(strings.ReplaceAll(clean, string(filepath.Separator), "_"), "_")
}

// PidPath returns the pid file of the background mount at mountpoint.
func PidPath(mountpoint string) string {
	return filepath.Join(RunDir(), mountID(mountpoint)+".pid")
}

// MountLogPath returns the log file of the background mount at mountpoint.
func MountLogPath(mountpoint string) string {
	return filepath.Join(RunDir(), mountID(mountpoint)+".log")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default config
// file unless one already exists.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(RunDir(), 0700); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	if _, err := os.Stat(ConfigPath()); os.IsNotExist(err) {
		if err := os.WriteFile(ConfigPath(), artifacts.DefaultConfig, 0600); err != nil {
			return fmt.Errorf("failed to create default config: %w", err)
		}
	}
	return nil
}

// RedisConfig locates the Redis server holding metadata.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SQLiteConfig locates the single-node SQLite metadata file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// FuseConfig tunes the kernel mount.
type FuseConfig struct {
	AllowOther   bool          `yaml:"allow_other"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
}

// Config is the full process configuration.
type Config struct {
	Backend     string       `yaml:"backend"`
	KeyPrefix   string       `yaml:"key_prefix"`
	Redis       RedisConfig  `yaml:"redis"`
	SQLite      SQLiteConfig `yaml:"sqlite"`
	DataDir     string       `yaml:"data_dir"`
	LogLevel    string       `yaml:"log_level"` // trace, debug, info, warn, off
	LogFile     string       `yaml:"log_file"`
	Fuse        FuseConfig   `yaml:"fuse"`
	NFSAddr     string       `yaml:"nfs_addr"`
	MetricsAddr string       `yaml:"metrics_addr"`
}

// DefaultConfig parses the embedded default config.
func DefaultConfig() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	return &cfg
}

// LoadConfig reads the config file at path on top of the embedded defaults.
// A missing file yields the defaults. An empty path means ConfigPath().
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path, or ConfigPath() when path is empty.
func SaveConfig(path string, cfg *Config) error {
	if path == "" {
		if err := EnsureConfigDir(); err != nil {
			return err
		}
		path = ConfigPath()
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# kvfs configuration\n# Flags passed on the command line override these values.\n\n")
	return os.WriteFile(path, append(header, data...), 0600)
}

// Validate checks cfg for settings the daemon cannot run with.
func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
		if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port %d", cfg.Redis.Port)
		}
	case BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", cfg.Backend, BackendRedis, BackendSQLite)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	return nil
}

// SQLitePath returns the SQLite file, defaulting into the data directory.
func (cfg *Config) SQLitePath() string {
	if cfg.SQLite.Path != "" {
		return cfg.SQLite.Path
	}
	return filepath.Join(cfg.DataDir, "meta.db")
}

// LockPath returns the lock file guarding the data directory.
func (cfg *Config) LockPath() string {
	return filepath.Join(cfg.DataDir, ".kvfs.lock")
}
