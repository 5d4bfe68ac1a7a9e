// Package config loads the application configuration from a TOML
// file with environment overrides layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
	defaultTerminalType      = "xterm-256color"
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 10
	defaultLogMaxFiles       = 5
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Connection ConnectionConfig `toml:"connection"`
	Trust      TrustConfig      `toml:"trust"`
	Sessions   SessionsConfig   `toml:"sessions"`
	Logging    LoggingConfig    `toml:"logging"`
}

type ConnectionConfig struct {
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	KeepAliveInterval time.Duration `toml:"keep_alive_interval"`
	TerminalType      string        `toml:"terminal_type"`
}

type TrustConfig struct {
	KnownHostsFile string `toml:"known_hosts_file"`
}

type SessionsConfig struct {
	DatabaseFile string `toml:"database_file"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type LoadOptions struct {
	ConfigPath string
	Env        map[string]string
}

func DefaultConfig() Config {
	return Config{
		Connection: ConnectionConfig{
			ConnectTimeout:    defaultConnectTimeout,
			KeepAliveInterval: defaultKeepAliveInterval,
			TerminalType:      defaultTerminalType,
		},
		Trust: TrustConfig{
			KnownHostsFile: "",
		},
		Sessions: SessionsConfig{
			DatabaseFile: "",
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			File:      "",
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	if err := loadAndApplyFile(configPath, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, err
	}
	if err := applyPathDefaults(&cfg, opts); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type rawConfig struct {
	Connection *rawConnection `toml:"connection"`
	Trust      *rawTrust      `toml:"trust"`
	Sessions   *rawSessions   `toml:"sessions"`
	Logging    *rawLogging    `toml:"logging"`
}

type rawConnection struct {
	ConnectTimeout    *string `toml:"connect_timeout"`
	KeepAliveInterval *string `toml:"keep_alive_interval"`
	TerminalType      *string `toml:"terminal_type"`
}

type rawTrust struct {
	KnownHostsFile *string `toml:"known_hosts_file"`
}

type rawSessions struct {
	DatabaseFile *string `toml:"database_file"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

func loadAndApplyFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}

	if raw.Connection != nil {
		if err := setDuration("connection.connect_timeout", raw.Connection.ConnectTimeout, &cfg.Connection.ConnectTimeout); err != nil {
			return err
		}
		if err := setDuration("connection.keep_alive_interval", raw.Connection.KeepAliveInterval, &cfg.Connection.KeepAliveInterval); err != nil {
			return err
		}
		setString(raw.Connection.TerminalType, &cfg.Connection.TerminalType)
	}
	if raw.Trust != nil {
		setString(raw.Trust.KnownHostsFile, &cfg.Trust.KnownHostsFile)
	}
	if raw.Sessions != nil {
		setString(raw.Sessions.DatabaseFile, &cfg.Sessions.DatabaseFile)
	}
	if raw.Logging != nil {
		setString(raw.Logging.Level, &cfg.Logging.Level)
		setString(raw.Logging.File, &cfg.Logging.File)
		setInt(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setInt(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	if value, ok := lookupEnv(opts, "TERMINALIS_CONNECT_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse TERMINALIS_CONNECT_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.Connection.ConnectTimeout = d
	}
	if value, ok := lookupEnv(opts, "TERMINALIS_KEEP_ALIVE_INTERVAL"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse TERMINALIS_KEEP_ALIVE_INTERVAL: %v", ErrInvalidConfig, err)
		}
		cfg.Connection.KeepAliveInterval = d
	}
	if value, ok := lookupEnv(opts, "TERMINALIS_TERMINAL_TYPE"); ok {
		cfg.Connection.TerminalType = value
	}
	if value, ok := lookupEnv(opts, "TERMINALIS_KNOWN_HOSTS_FILE"); ok {
		cfg.Trust.KnownHostsFile = value
	}
	if value, ok := lookupEnv(opts, "TERMINALIS_SESSIONS_DB"); ok {
		cfg.Sessions.DatabaseFile = value
	}
	if value, ok := lookupEnv(opts, "TERMINALIS_LOG_LEVEL"); ok {
		cfg.Logging.Level = value
	}
	if value, ok := lookupEnv(opts, "TERMINALIS_LOG_FILE"); ok {
		cfg.Logging.File = value
	}
	if value, ok := lookupEnv(opts, "TERMINALIS_LOG_MAX_SIZE_MB"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse TERMINALIS_LOG_MAX_SIZE_MB: %v", ErrInvalidConfig, err)
		}
		cfg.Logging.MaxSizeMB = parsed
	}
	if value, ok := lookupEnv(opts, "TERMINALIS_LOG_MAX_FILES"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse TERMINALIS_LOG_MAX_FILES: %v", ErrInvalidConfig, err)
		}
		cfg.Logging.MaxFiles = parsed
	}
	return nil
}

// applyPathDefaults fills the data file locations that depend on the
// application home directory.
func applyPathDefaults(cfg *Config, opts LoadOptions) error {
	if cfg.Trust.KnownHostsFile != "" && cfg.Sessions.DatabaseFile != "" {
		return nil
	}
	home, err := appHome(opts)
	if err != nil {
		return err
	}
	if cfg.Trust.KnownHostsFile == "" {
		cfg.Trust.KnownHostsFile = filepath.Join(home, "known_hosts.toml")
	}
	if cfg.Sessions.DatabaseFile == "" {
		cfg.Sessions.DatabaseFile = filepath.Join(home, "sessions.db")
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.Connection.ConnectTimeout <= 0 || cfg.Connection.ConnectTimeout > 10*time.Minute {
		return fmt.Errorf("%w: connection.connect_timeout must be > 0 and <= 10m", ErrInvalidConfig)
	}
	if cfg.Connection.KeepAliveInterval < 0 {
		return fmt.Errorf("%w: connection.keep_alive_interval must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func setDuration(field string, raw *string, target *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	*target = d
	return nil
}

func setString(raw *string, target *string) {
	if raw != nil {
		*target = *raw
	}
}

func setInt(raw *int, target *int) {
	if raw != nil {
		*target = *raw
	}
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, "TERMINALIS_CONFIG_PATH"); ok {
		return value, nil
	}
	home, err := appHome(opts)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "config.toml"), nil
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

func appHome(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, "TERMINALIS_HOME"); ok {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	configHome := filepath.Join(home, ".config")
	if xdg, ok := lookupEnv(opts, "XDG_CONFIG_HOME"); ok && xdg != "" {
		configHome = xdg
	}
	return filepath.Join(configHome, "terminalis"), nil
}
