package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg, err := Load(LoadOptions{Env: map[string]string{"TERMINALIS_HOME": home}})
	require.NoError(t, err)

	require.Equal(t, 15*time.Second, cfg.Connection.ConnectTimeout)
	require.Equal(t, 30*time.Second, cfg.Connection.KeepAliveInterval)
	require.Equal(t, "xterm-256color", cfg.Connection.TerminalType)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 10, cfg.Logging.MaxSizeMB)
	require.Equal(t, 5, cfg.Logging.MaxFiles)
	require.Equal(t, filepath.Join(home, "known_hosts.toml"), cfg.Trust.KnownHostsFile)
	require.Equal(t, filepath.Join(home, "sessions.db"), cfg.Sessions.DatabaseFile)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	path := filepath.Join(home, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[connection]
connect_timeout = "45s"
keep_alive_interval = "1m"
terminal_type = "vt220"

[trust]
known_hosts_file = "/var/lib/terminalis/known_hosts.toml"

[logging]
level = "debug"
max_size_mb = 25
`), 0o600))

	cfg, err := Load(LoadOptions{ConfigPath: path, Env: map[string]string{"TERMINALIS_HOME": home}})
	require.NoError(t, err)

	require.Equal(t, 45*time.Second, cfg.Connection.ConnectTimeout)
	require.Equal(t, time.Minute, cfg.Connection.KeepAliveInterval)
	require.Equal(t, "vt220", cfg.Connection.TerminalType)
	require.Equal(t, "/var/lib/terminalis/known_hosts.toml", cfg.Trust.KnownHostsFile)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 25, cfg.Logging.MaxSizeMB)
	// Unset file values keep their defaults.
	require.Equal(t, 5, cfg.Logging.MaxFiles)
	require.Equal(t, filepath.Join(home, "sessions.db"), cfg.Sessions.DatabaseFile)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	path := filepath.Join(home, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[connection]
connect_timeout = "45s"
`), 0o600))

	cfg, err := Load(LoadOptions{ConfigPath: path, Env: map[string]string{
		"TERMINALIS_HOME":            home,
		"TERMINALIS_CONNECT_TIMEOUT": "5s",
		"TERMINALIS_LOG_LEVEL":       "warn",
		"TERMINALIS_SESSIONS_DB":     "/tmp/other.db",
	}})
	require.NoError(t, err)

	require.Equal(t, 5*time.Second, cfg.Connection.ConnectTimeout)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "/tmp/other.db", cfg.Sessions.DatabaseFile)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Parallel()

	home := t.TempDir()

	path := filepath.Join(home, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[connection]
connect_timeout = "not-a-duration"
`), 0o600))
	_, err := Load(LoadOptions{ConfigPath: path, Env: map[string]string{"TERMINALIS_HOME": home}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(LoadOptions{Env: map[string]string{
		"TERMINALIS_HOME":            home,
		"TERMINALIS_CONNECT_TIMEOUT": "soon",
	}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(LoadOptions{Env: map[string]string{
		"TERMINALIS_HOME":            home,
		"TERMINALIS_LOG_MAX_SIZE_MB": "many",
	}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateBounds(t *testing.T) {
	t.Parallel()

	home := t.TempDir()

	_, err := Load(LoadOptions{Env: map[string]string{
		"TERMINALIS_HOME":            home,
		"TERMINALIS_CONNECT_TIMEOUT": "0s",
	}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(LoadOptions{Env: map[string]string{
		"TERMINALIS_HOME":            home,
		"TERMINALIS_CONNECT_TIMEOUT": "11m",
	}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(LoadOptions{Env: map[string]string{
		"TERMINALIS_HOME":                home,
		"TERMINALIS_KEEP_ALIVE_INTERVAL": "-1s",
	}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	// Zero keep-alive disables it and is valid.
	cfg, err := Load(LoadOptions{Env: map[string]string{
		"TERMINALIS_HOME":                home,
		"TERMINALIS_KEEP_ALIVE_INTERVAL": "0s",
	}})
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), cfg.Connection.KeepAliveInterval)
}

func TestMissingConfigFileIsNotAnError(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg, err := Load(LoadOptions{
		ConfigPath: filepath.Join(home, "absent.toml"),
		Env:        map[string]string{"TERMINALIS_HOME": home},
	})
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, cfg.Connection.ConnectTimeout)
}

func TestMalformedTOMLFile(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	path := filepath.Join(home, "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[connection\n"), 0o600))

	_, err := Load(LoadOptions{ConfigPath: path, Env: map[string]string{"TERMINALIS_HOME": home}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
