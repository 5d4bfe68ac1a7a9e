package conn

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// gatewayTunnel is the nested session plus local forwarded port used
// when a gateway is configured. It is owned exclusively by the
// SshConnection that created it: built before the target handshake,
// torn down whenever the owner disconnects, never outliving it.
type gatewayTunnel struct {
	client   *ssh.Client
	listener net.Listener

	mu     sync.Mutex
	closed bool
}

// establishGateway opens the full nested session to the gateway host,
// with its own complete handshake, trust resolution, and timeout race,
// then starts an ephemeral local listener whose accepted connections
// are dialed to the true target through the gateway. All failures are
// reported as gateway failures, distinct from target-host failures.
func (c *SshConnection) establishGateway(ctx context.Context) (*gatewayTunnel, error) {
	gwCfg := c.gatewayCfg
	gwCfg.Normalize()
	if err := gwCfg.Validate(); err != nil {
		return nil, newConnError(CategoryGatewayFailed, gwCfg.Host, gwCfg.Port, err)
	}

	gwAddr := net.JoinHostPort(gwCfg.Host, strconv.Itoa(gwCfg.Port))
	client, err := dialClient(ctx, gwCfg, gwAddr, c.store, c.prompt, c.logger)
	if err != nil {
		return nil, newConnError(CategoryGatewayFailed, gwCfg.Host, gwCfg.Port, err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, newConnError(CategoryGatewayFailed, gwCfg.Host, gwCfg.Port,
			fmt.Errorf("allocate local tunnel port: %w", err))
	}

	tunnel := &gatewayTunnel{client: client, listener: listener}
	targetAddr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	go tunnel.acceptLoop(targetAddr)

	return tunnel, nil
}

// localAddr returns the ephemeral endpoint the target handshake is
// redirected to.
func (t *gatewayTunnel) localAddr() string {
	return t.listener.Addr().String()
}

func (t *gatewayTunnel) acceptLoop(targetAddr string) {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.forward(local, targetAddr)
	}
}

func (t *gatewayTunnel) forward(local net.Conn, targetAddr string) {
	remote, err := t.client.Dial("tcp", targetAddr)
	if err != nil {
		local.Close()
		return
	}
	pipeConns(local, remote)
}

func (t *gatewayTunnel) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	_ = t.listener.Close()
	_ = t.client.Close()
}

// pipeConns copies in both directions until either side closes, then
// closes both ends.
func pipeConns(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		_ = a.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		_ = b.Close()
	}()
	wg.Wait()
}
