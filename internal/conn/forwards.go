package conn

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/ahagelberg/Terminalis-sub001/internal/session"
)

// startPortForwards starts every enabled forwarding rule. Rules are
// independent best-effort operations: one failing rule is reported and
// skipped, the rest proceed, and the connection itself is unaffected.
func (c *SshConnection) startPortForwards() {
	for _, rule := range c.cfg.PortForwards {
		if !rule.Enabled {
			continue
		}
		var err error
		switch rule.Direction {
		case session.ForwardRemote:
			err = c.startRemoteForward(rule)
		default:
			err = c.startLocalForward(rule)
		}
		if err != nil {
			c.logger.Warn("port forward failed", "rule", rule.Name, "error", err)
			c.sink().emit(ErrorEvent{Err: fmt.Errorf("port forward %q: %w", rule.Name, err)})
			continue
		}
		c.logger.Info("port forward started", "rule", rule.Name, "direction", string(rule.Direction))
	}
}

// startLocalForward listens locally and dials the rule's remote
// endpoint through the session.
func (c *SshConnection) startLocalForward(rule session.PortForwardingRule) error {
	bindHost := rule.LocalHost
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(rule.LocalPort)))
	if err != nil {
		return fmt.Errorf("listen on local port %d: %w", rule.LocalPort, err)
	}
	c.trackListener(listener)

	remoteAddr := net.JoinHostPort(rule.RemoteHost, strconv.Itoa(rule.RemotePort))
	go c.forwardAccepted(listener, func() (net.Conn, error) {
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client == nil {
			return nil, fmt.Errorf("connection closed")
		}
		return client.Dial("tcp", remoteAddr)
	})
	return nil
}

// startRemoteForward listens on the remote host and dials the rule's
// local endpoint from here.
func (c *SshConnection) startRemoteForward(rule session.PortForwardingRule) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("connection closed")
	}

	remoteHost := rule.RemoteHost
	if remoteHost == "" {
		remoteHost = "127.0.0.1"
	}
	listener, err := client.Listen("tcp", net.JoinHostPort(remoteHost, strconv.Itoa(rule.RemotePort)))
	if err != nil {
		return fmt.Errorf("listen on remote port %d: %w", rule.RemotePort, err)
	}
	c.trackListener(listener)

	localHost := rule.LocalHost
	if localHost == "" {
		localHost = "127.0.0.1"
	}
	localAddr := net.JoinHostPort(localHost, strconv.Itoa(rule.LocalPort))
	go c.forwardAccepted(listener, func() (net.Conn, error) {
		return net.Dial("tcp", localAddr)
	})
	return nil
}

func (c *SshConnection) forwardAccepted(listener net.Listener, dial func() (net.Conn, error)) {
	for {
		accepted, err := listener.Accept()
		if err != nil {
			return
		}
		go func() {
			peer, err := dial()
			if err != nil {
				c.logger.Warn("forward dial failed", "error", err)
				accepted.Close()
				return
			}
			pipeConns(accepted, peer)
		}()
	}
}

// startX11Forward derives the local X display endpoint from DISPLAY
// and forwards a matching remote port back to it. Non-fatal on any
// failure.
func (c *SshConnection) startX11Forward() {
	host, port, err := parseDisplay(os.Getenv("DISPLAY"))
	if err != nil {
		c.logger.Warn("x11 forward skipped", "error", err)
		c.sink().emit(ErrorEvent{Err: fmt.Errorf("x11 forward: %w", err)})
		return
	}

	rule := session.PortForwardingRule{
		Name:       "x11",
		Direction:  session.ForwardRemote,
		LocalHost:  host,
		LocalPort:  port,
		RemoteHost: "127.0.0.1",
		RemotePort: port,
		Enabled:    true,
	}
	if err := c.startRemoteForward(rule); err != nil {
		c.logger.Warn("x11 forward failed", "error", err)
		c.sink().emit(ErrorEvent{Err: fmt.Errorf("x11 forward: %w", err)})
		return
	}
	c.logger.Info("x11 forward started", "display_host", host, "display_port", port)
}

// parseDisplay resolves an X DISPLAY value like ":0.0" or
// "localhost:10.0" to a TCP endpoint (port 6000 + display number). An
// empty value means the default display :0.0.
func parseDisplay(display string) (string, int, error) {
	if display == "" {
		display = ":0.0"
	}
	idx := strings.LastIndex(display, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid DISPLAY %q", display)
	}
	host := display[:idx]
	if host == "" {
		host = "127.0.0.1"
	}
	spec := display[idx+1:]
	if dot := strings.Index(spec, "."); dot >= 0 {
		spec = spec[:dot]
	}
	number, err := strconv.Atoi(spec)
	if err != nil || number < 0 {
		return "", 0, fmt.Errorf("invalid DISPLAY %q", display)
	}
	return host, 6000 + number, nil
}
