// Package session defines the session configuration consumed by the
// connection core: target host and credentials, port forwarding rules,
// terminal behavior, and an optional gateway session reference.
package session

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

var (
	ErrValidation = errors.New("session: validation failed")
)

// AuthMethod selects which credential material is active for a session.
// Exactly one method is active per configuration.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private-key"
)

// ResizeMethod selects how terminal size changes are signaled to the
// remote host.
type ResizeMethod string

const (
	ResizeNative     ResizeMethod = "native"
	ResizeANSI       ResizeMethod = "ansi"
	ResizeStty       ResizeMethod = "stty"
	ResizeXTermQuery ResizeMethod = "xterm-query"
	ResizeNone       ResizeMethod = "none"
)

// ForwardDirection distinguishes local from remote port forwards.
type ForwardDirection string

const (
	ForwardLocal  ForwardDirection = "local"
	ForwardRemote ForwardDirection = "remote"
)

// PortForwardingRule describes a single forwarded port. Rules are
// independent: one failing rule never affects the others.
type PortForwardingRule struct {
	Name       string           `toml:"name"`
	Direction  ForwardDirection `toml:"direction"`
	LocalHost  string           `toml:"local_host"`
	LocalPort  int              `toml:"local_port"`
	RemoteHost string           `toml:"remote_host"`
	RemotePort int              `toml:"remote_port"`
	Enabled    bool             `toml:"enabled"`
}

// Config is a single session definition. The connection core treats it
// as read-only; the only side effect of connecting is a trust-store
// update during host key verification.
type Config struct {
	ID       string
	Name     string
	Host     string
	Port     int
	Username string

	Auth           AuthMethod
	password       *memguard.Enclave
	PrivateKeyPath string
	passphrase     *memguard.Enclave

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	Compression       bool
	TerminalType      string
	LineEnding        string

	ForwardX11   bool
	PortForwards []PortForwardingRule

	// TmuxSession, when set, names a remote multiplexer session to
	// re-attach after the shell channel opens.
	TmuxSession string

	Resize ResizeMethod

	// GatewaySessionID references another session whose host is used
	// as a jump host. Resolved externally via a registry lookup.
	GatewaySessionID string
}

// SetPassword seals the password into an enclave. An empty string
// clears the stored credential.
func (c *Config) SetPassword(password string) {
	if password == "" {
		c.password = nil
		return
	}
	c.password = memguard.NewEnclave([]byte(password))
}

// SetPassphrase seals the private key passphrase into an enclave.
func (c *Config) SetPassphrase(passphrase string) {
	if passphrase == "" {
		c.passphrase = nil
		return
	}
	c.passphrase = memguard.NewEnclave([]byte(passphrase))
}

func (c *Config) HasPassword() bool   { return c.password != nil }
func (c *Config) HasPassphrase() bool { return c.passphrase != nil }

// OpenPassword decrypts the stored password. The caller must Destroy
// the returned buffer when done.
func (c *Config) OpenPassword() (*memguard.LockedBuffer, error) {
	if c.password == nil {
		return nil, fmt.Errorf("%w: no password configured", ErrValidation)
	}
	buf, err := c.password.Open()
	if err != nil {
		return nil, fmt.Errorf("open password enclave: %w", err)
	}
	return buf, nil
}

// OpenPassphrase decrypts the stored key passphrase, or returns nil
// when no passphrase is configured.
func (c *Config) OpenPassphrase() (*memguard.LockedBuffer, error) {
	if c.passphrase == nil {
		return nil, nil
	}
	buf, err := c.passphrase.Open()
	if err != nil {
		return nil, fmt.Errorf("open passphrase enclave: %w", err)
	}
	return buf, nil
}

// DisplayName returns the session name, or user@host:port when no name
// was configured.
func (c *Config) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	if c.Username != "" {
		return fmt.Sprintf("%s@%s:%d", c.Username, c.Host, c.Port)
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks that the configuration can be connected: host and
// user present, port in range, and the active credential material
// complete. Key files must exist on disk before any network I/O.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrValidation)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrValidation, c.Port)
	}
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}

	switch c.Auth {
	case AuthPassword:
		if c.password == nil {
			return fmt.Errorf("%w: password auth selected but no password set", ErrValidation)
		}
	case AuthPrivateKey:
		if strings.TrimSpace(c.PrivateKeyPath) == "" {
			return fmt.Errorf("%w: key auth selected but no key path set", ErrValidation)
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("%w: key file %q: %v", ErrValidation, c.PrivateKeyPath, err)
		}
	default:
		return fmt.Errorf("%w: unknown auth method %q", ErrValidation, c.Auth)
	}

	switch c.Resize {
	case ResizeNative, ResizeANSI, ResizeStty, ResizeXTermQuery, ResizeNone, "":
	default:
		return fmt.Errorf("%w: unknown resize method %q", ErrValidation, c.Resize)
	}

	for _, rule := range c.PortForwards {
		if !rule.Enabled {
			continue
		}
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a forwarding rule's addresses and ports.
func (r PortForwardingRule) Validate() error {
	switch r.Direction {
	case ForwardLocal, ForwardRemote:
	default:
		return fmt.Errorf("%w: forward %q: unknown direction %q", ErrValidation, r.Name, r.Direction)
	}
	if r.LocalPort < 1 || r.LocalPort > 65535 {
		return fmt.Errorf("%w: forward %q: local port %d out of range", ErrValidation, r.Name, r.LocalPort)
	}
	if r.RemotePort < 1 || r.RemotePort > 65535 {
		return fmt.Errorf("%w: forward %q: remote port %d out of range", ErrValidation, r.Name, r.RemotePort)
	}
	if strings.TrimSpace(r.RemoteHost) == "" {
		return fmt.Errorf("%w: forward %q: remote host is required", ErrValidation, r.Name)
	}
	return nil
}

// Normalize fills zero-valued fields with the defaults the engine
// expects. It is safe to call repeatedly.
func (c *Config) Normalize() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.TerminalType == "" {
		c.TerminalType = "xterm-256color"
	}
	if c.LineEnding == "" {
		c.LineEnding = "\n"
	}
	if c.Auth == "" {
		c.Auth = AuthPassword
	}
	if c.Resize == "" {
		c.Resize = ResizeNative
	}
}

// Lookup resolves a session id to its configuration. It is how the
// connection factory resolves gateway references; implementations that
// do not know the id return nil.
type Lookup func(id string) *Config
