package conn

import (
	"errors"
	"fmt"
)

// Category classifies a connection failure. Categories are part of the
// contract: callers render different messages for a rejected host key
// than for a generic transport error.
type Category string

const (
	CategoryConfigurationInvalid Category = "configuration-invalid"
	CategoryAuthenticationFailed Category = "authentication-failed"
	CategoryHostKeyRejected      Category = "host-key-rejected"
	CategoryHandshakeTimeout     Category = "handshake-timeout"
	CategoryTransportError       Category = "transport-error"
	CategoryGatewayFailed        Category = "gateway-failed"
	CategoryKeyFileNotFound      Category = "key-file-not-found"
	CategoryToolUnavailable      Category = "tool-unavailable"
)

// ConnError carries a failure category plus the host context it
// occurred against.
type ConnError struct {
	Category Category
	Host     string
	Port     int
	Err      error
}

func (e *ConnError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Category)
	switch e.Category {
	case CategoryHostKeyRejected:
		msg = "host key verification failed"
	case CategoryGatewayFailed:
		msg = "gateway connection failed"
	case CategoryHandshakeTimeout:
		msg = "handshake timed out"
	case CategoryAuthenticationFailed:
		msg = "authentication failed"
	case CategoryConfigurationInvalid:
		msg = "invalid configuration"
	case CategoryKeyFileNotFound:
		msg = "private key file not found"
	case CategoryToolUnavailable:
		msg = "remote tool unavailable"
	case CategoryTransportError:
		msg = "connection failed"
	}
	if e.Host != "" {
		msg = fmt.Sprintf("%s (%s:%d)", msg, e.Host, e.Port)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CategoryOf extracts the category from an error chain, or
// CategoryTransportError when none is present.
func CategoryOf(err error) Category {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryTransportError
}

func newConnError(category Category, host string, port int, err error) *ConnError {
	return &ConnError{Category: category, Host: host, Port: port, Err: err}
}
