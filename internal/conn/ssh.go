package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/ahagelberg/Terminalis-sub001/internal/session"
	"github.com/ahagelberg/Terminalis-sub001/internal/trust"
)

const keepAliveMaxMissed = 3

// SshConnection is the protocol engine behind TerminalConnection:
// handshake, authentication, host-key verification, optional gateway
// tunnel, shell-channel I/O, auxiliary channels, and resize signaling.
type SshConnection struct {
	cfg        *session.Config
	gatewayCfg *session.Config
	store      *trust.KnownHostsManager
	prompt     HostKeyPrompt
	logger     *slog.Logger

	state  atomic.Int32
	events *eventSink

	mu            sync.Mutex
	client        *ssh.Client
	shell         *ssh.Session
	stdin         io.WriteCloser
	gateway       *gatewayTunnel
	listeners     []net.Listener
	stopKeepAlive chan struct{}
	cols, rows    int
	disposed      bool
	localClose    bool
}

func newSshConnection(cfg, gatewayCfg *session.Config, store *trust.KnownHostsManager, prompt HostKeyPrompt, logger *slog.Logger) *SshConnection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &SshConnection{
		cfg:        cfg,
		gatewayCfg: gatewayCfg,
		store:      store,
		prompt:     prompt,
		logger:     logger.With("session", cfg.DisplayName()),
		events:     newEventSink(),
		cols:       80,
		rows:       24,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

func (c *SshConnection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *SshConnection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *SshConnection) ConnectionName() string {
	return c.cfg.DisplayName()
}

func (c *SshConnection) Events() <-chan Event {
	return c.sink().events()
}

// sink returns the event sink of the current Connect attempt.
func (c *SshConnection) sink() *eventSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Connect runs the full establishment sequence. Expected failures are
// reported as false plus an ErrorEvent; the connection returns to
// Disconnected with every partially-acquired resource released.
func (c *SshConnection) Connect(ctx context.Context) bool {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		c.sink().emit(ErrorEvent{Err: fmt.Errorf("connect: connection is %s", c.State())})
		return false
	}

	// A failed attempt ends its stream; a retry starts a fresh one.
	c.mu.Lock()
	if c.events.isClosed() && !c.disposed {
		c.events = newEventSink()
	}
	c.mu.Unlock()

	c.cfg.Normalize()
	if err := c.cfg.Validate(); err != nil {
		return c.failConnect(classifyConfigError(c.cfg, err))
	}
	if c.cfg.Compression {
		// The transport library does not negotiate zlib; the flag is
		// accepted for configuration compatibility only.
		c.logger.Debug("compression requested but not negotiated by transport")
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	if c.gatewayCfg != nil {
		gw, err := c.establishGateway(ctx)
		if err != nil {
			return c.failConnect(err)
		}
		c.mu.Lock()
		c.gateway = gw
		disposed := c.disposed
		c.mu.Unlock()
		if disposed {
			gw.close()
			return c.failConnect(newConnError(CategoryTransportError, c.cfg.Host, c.cfg.Port, errors.New("connection disposed during connect")))
		}
		addr = gw.localAddr()
		c.logger.Info("gateway tunnel established", "gateway", c.gatewayCfg.DisplayName(), "local_addr", addr)
	}

	client, err := dialClient(ctx, c.cfg, addr, c.store, c.prompt, c.logger)
	if err != nil {
		return c.failConnect(err)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		client.Close()
		return c.failConnect(newConnError(CategoryTransportError, c.cfg.Host, c.cfg.Port, errors.New("connection disposed during connect")))
	}
	c.client = client
	c.mu.Unlock()

	if err := c.openShell(client); err != nil {
		return c.failConnect(newConnError(CategoryTransportError, c.cfg.Host, c.cfg.Port, err))
	}

	c.state.Store(int32(StateConnected))
	c.logger.Info("connected", "host", c.cfg.Host, "port", c.cfg.Port)

	if c.cfg.KeepAliveInterval > 0 {
		c.startKeepAlive(c.cfg.KeepAliveInterval)
	}

	// Auxiliary channels are best effort and independent: a failure
	// here never demotes an established connection.
	c.startPortForwards()
	if c.cfg.ForwardX11 {
		c.startX11Forward()
	}
	if c.cfg.TmuxSession != "" {
		c.attachMultiplexer()
	}

	return true
}

// failConnect reports a connect failure, releases anything acquired so
// far, and returns false for Connect's convenience. The attempt's
// stream ends with the ErrorEvent so consumers draining it terminate.
func (c *SshConnection) failConnect(err error) bool {
	c.logger.Error("connect failed", "host", c.cfg.Host, "port", c.cfg.Port, "category", string(CategoryOf(err)), "error", err)
	events := c.sink()
	events.emit(ErrorEvent{Err: err})
	events.closeQuiet()
	c.releaseResources()
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
	return false
}

func classifyConfigError(cfg *session.Config, err error) error {
	if cfg.Auth == session.AuthPrivateKey && cfg.PrivateKeyPath != "" {
		if _, statErr := os.Stat(cfg.PrivateKeyPath); os.IsNotExist(statErr) {
			return newConnError(CategoryKeyFileNotFound, cfg.Host, cfg.Port, err)
		}
	}
	return newConnError(CategoryConfigurationInvalid, cfg.Host, cfg.Port, err)
}

// dialClient performs the transport dial and handshake for cfg against
// addr, racing the handshake against the configured timeout. addr may
// differ from cfg's host when the session is tunneled through a
// gateway; trust is always resolved against cfg's own host and port.
func dialClient(ctx context.Context, cfg *session.Config, addr string, store *trust.KnownHostsManager, prompt HostKeyPrompt, logger *slog.Logger) (*ssh.Client, error) {
	auths, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, err
	}

	verifier := newHostKeyVerifier(store, prompt, cfg.Host, cfg.Port, logger)
	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auths,
		HostKeyCallback: verifier.callback,
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, newConnError(CategoryTransportError, cfg.Host, cfg.Port, err)
	}

	logger.Debug("dialed, starting handshake", "addr", addr, "user", cfg.Username)

	type handshakeResult struct {
		client *ssh.Client
		err    error
	}
	resCh := make(chan handshakeResult, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientCfg)
		if err != nil {
			resCh <- handshakeResult{err: err}
			return
		}
		resCh <- handshakeResult{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	timer := time.NewTimer(cfg.ConnectTimeout)
	defer timer.Stop()

	var res handshakeResult
wait:
	for {
		select {
		case res = <-resCh:
			break wait
		case <-ctx.Done():
			tcpConn.Close()
			<-resCh
			return nil, newConnError(CategoryTransportError, cfg.Host, cfg.Port, ctx.Err())
		case <-timer.C:
			if verifier.awaitingDecision() {
				// The user is deciding about the host key; the timeout
				// defers to them rather than double-reporting failure,
				// then re-arms for the rest of the handshake.
				select {
				case res = <-resCh:
					break wait
				case <-verifier.decisionMade():
					timer.Reset(cfg.ConnectTimeout)
					continue
				case <-ctx.Done():
					tcpConn.Close()
					<-resCh
					return nil, newConnError(CategoryTransportError, cfg.Host, cfg.Port, ctx.Err())
				}
			}
			tcpConn.Close()
			<-resCh
			return nil, newConnError(CategoryHandshakeTimeout, cfg.Host, cfg.Port,
				fmt.Errorf("no handshake within %s", cfg.ConnectTimeout))
		}
	}

	if res.err != nil {
		tcpConn.Close()
		return nil, classifyHandshakeError(cfg, verifier, res.err)
	}
	return res.client, nil
}

// classifyHandshakeError maps a raw handshake error onto the failure
// taxonomy. A user-driven trust rejection always wins, even when the
// transport wrapped or raced it with its own error.
func classifyHandshakeError(cfg *session.Config, verifier *hostKeyVerifier, err error) error {
	if verifier.rejectedByUser() {
		return newConnError(CategoryHostKeyRejected, cfg.Host, cfg.Port, err)
	}
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return newConnError(CategoryAuthenticationFailed, cfg.Host, cfg.Port, err)
	}
	return newConnError(CategoryTransportError, cfg.Host, cfg.Port, err)
}

func buildAuthMethods(cfg *session.Config) ([]ssh.AuthMethod, error) {
	switch cfg.Auth {
	case session.AuthPassword:
		buf, err := cfg.OpenPassword()
		if err != nil {
			return nil, newConnError(CategoryConfigurationInvalid, cfg.Host, cfg.Port, err)
		}
		password := string(buf.Bytes())
		buf.Destroy()
		return []ssh.AuthMethod{ssh.Password(password)}, nil

	case session.AuthPrivateKey:
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, newConnError(CategoryKeyFileNotFound, cfg.Host, cfg.Port, err)
			}
			return nil, newConnError(CategoryConfigurationInvalid, cfg.Host, cfg.Port, err)
		}
		pass, err := cfg.OpenPassphrase()
		if err != nil {
			return nil, newConnError(CategoryConfigurationInvalid, cfg.Host, cfg.Port, err)
		}
		var signer ssh.Signer
		if pass != nil {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass.Bytes())
			pass.Destroy()
		} else {
			signer, err = ssh.ParsePrivateKey(data)
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				return nil, newConnError(CategoryConfigurationInvalid, cfg.Host, cfg.Port,
					fmt.Errorf("key %q is encrypted and no passphrase is configured", cfg.PrivateKeyPath))
			}
		}
		if err != nil {
			return nil, newConnError(CategoryConfigurationInvalid, cfg.Host, cfg.Port,
				fmt.Errorf("parse private key %q: %w", cfg.PrivateKeyPath, err))
		}
		methods := []ssh.AuthMethod{ssh.PublicKeys(signer)}
		if agentAuth := agentAuthMethod(); agentAuth != nil {
			methods = append(methods, agentAuth)
		}
		return methods, nil

	default:
		return nil, newConnError(CategoryConfigurationInvalid, cfg.Host, cfg.Port,
			fmt.Errorf("unknown auth method %q", cfg.Auth))
	}
}

// agentAuthMethod returns an agent-backed auth method when a running
// ssh-agent is reachable, nil otherwise. Used as a fallback behind the
// configured key so agent-held keys can still satisfy the server.
func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	agentConn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers)
}

// openShell opens the PTY-backed shell channel and starts the inbound
// data pump.
func (c *SshConnection) openShell(client *ssh.Client) error {
	shell, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open shell channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := shell.RequestPty(c.cfg.TerminalType, c.rows, c.cols, modes); err != nil {
		shell.Close()
		return fmt.Errorf("request pty: %w", err)
	}

	stdin, err := shell.StdinPipe()
	if err != nil {
		shell.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := shell.StdoutPipe()
	if err != nil {
		shell.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := shell.StderrPipe()
	if err != nil {
		shell.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := shell.Shell(); err != nil {
		shell.Close()
		return fmt.Errorf("start shell: %w", err)
	}

	// Merge stdout and stderr into one ordered stream for the pump.
	pr, pw := io.Pipe()
	var copiers sync.WaitGroup
	copiers.Add(2)
	go func() {
		defer copiers.Done()
		_, _ = io.Copy(pw, stdout)
	}()
	go func() {
		defer copiers.Done()
		_, _ = io.Copy(pw, stderr)
	}()
	go func() {
		copiers.Wait()
		pw.Close()
	}()

	c.mu.Lock()
	c.shell = shell
	c.stdin = stdin
	c.mu.Unlock()

	go c.pump(pr, shell)
	return nil
}

// pump pushes inbound chunks to the event stream for the life of the
// connection, then performs the terminal close transition.
func (c *SshConnection) pump(r io.Reader, shell *ssh.Session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.sink().emit(DataEvent{Data: chunk})
		}
		if err != nil {
			break
		}
	}

	waitErr := shell.Wait()

	c.mu.Lock()
	local := c.localClose
	c.mu.Unlock()

	normal := local || waitErr == nil
	if !normal {
		c.logger.Info("shell channel ended", "error", waitErr)
	}
	c.finish(normal)
}

// finish is the single place the Connected→Closed transition happens.
func (c *SshConnection) finish(normal bool) {
	c.releaseResources()
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateClosed)) {
		c.sink().emitClosed(normal)
	}
}

func (c *SshConnection) startKeepAlive(interval time.Duration) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.stopKeepAlive = stop
	client := c.client
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		missed := 0
		for {
			select {
			case <-ticker.C:
				_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
				if err != nil {
					missed++
					c.logger.Warn("keepalive failed", "missed", missed, "error", err)
					if missed >= keepAliveMaxMissed {
						c.logger.Warn("keepalive limit reached, disconnecting")
						_ = c.Disconnect(context.Background())
						return
					}
				} else {
					missed = 0
				}
			case <-stop:
				return
			}
		}
	}()
}

// Write sends bytes to the shell channel. It fails fast when the
// connection is not established.
func (c *SshConnection) Write(p []byte) error {
	if state := c.State(); state != StateConnected {
		return fmt.Errorf("write: connection is %s", state)
	}
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("write: shell channel not open")
	}
	if _, err := stdin.Write(p); err != nil {
		return fmt.Errorf("write to shell channel: %w", err)
	}
	return nil
}

func (c *SshConnection) WriteString(s string) error {
	return c.Write([]byte(s))
}

// Disconnect releases every owned resource: keepalive, forwarded
// ports, shell channel, transport client, and the gateway tunnel when
// present. Idempotent and safe from any state, including while a
// Connect is still in flight.
func (c *SshConnection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.localClose = true
	c.mu.Unlock()

	wasConnected := c.state.Load() == int32(StateConnected)
	c.releaseResources()
	c.state.Store(int32(StateClosed))
	if wasConnected {
		c.sink().emitClosed(true)
	} else {
		c.sink().closeQuiet()
	}
	c.logger.Info("disconnected")
	return nil
}

// Close implements io.Closer over Disconnect.
func (c *SshConnection) Close() error {
	return c.Disconnect(context.Background())
}

// releaseResources tears down every owned handle. Each release is
// attempted even if an earlier one fails.
func (c *SshConnection) releaseResources() {
	c.mu.Lock()
	stop := c.stopKeepAlive
	listeners := c.listeners
	shell := c.shell
	stdin := c.stdin
	client := c.client
	gateway := c.gateway
	c.stopKeepAlive = nil
	c.listeners = nil
	c.shell = nil
	c.stdin = nil
	c.client = nil
	c.gateway = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	for _, ln := range listeners {
		_ = ln.Close()
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if shell != nil {
		_ = shell.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	if gateway != nil {
		gateway.close()
	}
}

func (c *SshConnection) trackListener(ln net.Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, ln)
	c.mu.Unlock()
}
