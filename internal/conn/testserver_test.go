package conn

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testServer is a minimal in-process SSH server: password auth, an
// echoing shell channel, canned exec responses, and direct-tcpip
// channels so it can act as a gateway.
type testServer struct {
	t        *testing.T
	listener net.Listener
	signer   ssh.Signer

	mu            sync.Mutex
	handshakes    int
	execCommands  []string
	shellInput    []byte
	execResponses map[string]string
}

func newTestServer(t *testing.T, user, password string) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testServer{
		t:             t,
		listener:      listener,
		signer:        signer,
		execResponses: map[string]string{},
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	cfg.AddHostKey(signer)

	go s.serve(cfg)
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *testServer) addr() (string, int) {
	tcp := s.listener.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func (s *testServer) fingerprint() string {
	return ssh.FingerprintSHA256(s.signer.PublicKey())
}

func (s *testServer) handshakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *testServer) recordedExecs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execCommands...)
}

func (s *testServer) receivedInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.shellInput)
}

func (s *testServer) setExecResponse(command, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execResponses[command] = output
}

func (s *testServer) serve(cfg *ssh.ServerConfig) {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nc, cfg)
	}
}

func (s *testServer) handleConn(nc net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer sconn.Close()

	s.mu.Lock()
	s.handshakes++
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, chReqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, chReqs)
		case "direct-tcpip":
			var payload struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "bad payload")
				continue
			}
			ch, chReqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(chReqs)
			go s.handleDirectTCPIP(ch, net.JoinHostPort(payload.Host, fmt.Sprint(payload.Port)))
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func (s *testServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req", "shell", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
			if req.Type == "shell" {
				s.runShell(ch)
				return
			}
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.mu.Lock()
			s.execCommands = append(s.execCommands, payload.Command)
			out := s.execResponses[payload.Command]
			s.mu.Unlock()
			_, _ = ch.Write([]byte(out))
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runShell greets the client, then echoes everything back, recording
// the input.
func (s *testServer) runShell(ch ssh.Channel) {
	_, _ = ch.Write([]byte("ready\r\n"))
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.shellInput = append(s.shellInput, buf[:n]...)
			s.mu.Unlock()
			_, _ = ch.Write(buf[:n])
		}
		if err != nil {
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		}
	}
}

func (s *testServer) handleDirectTCPIP(ch ssh.Channel, target string) {
	defer ch.Close()
	remote, err := net.Dial("tcp", target)
	if err != nil {
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(remote, ch)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(ch, remote)
	}()
	wg.Wait()
}

// newStalledAuthServer accepts connections and completes key exchange
// but never answers the authentication request.
func newStalledAuthServer(t *testing.T) (string, int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	stall := make(chan struct{})
	t.Cleanup(func() { close(stall) })

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
			<-stall
			return nil, fmt.Errorf("denied")
		},
	}
	cfg.AddHostKey(signer)

	go func() {
		for {
			nc, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
				if err != nil {
					nc.Close()
					return
				}
				go ssh.DiscardRequests(reqs)
				for ch := range chans {
					_ = ch.Reject(ssh.Prohibited, "unavailable")
				}
				_ = sconn.Close()
			}()
		}
	}()

	tcp := listener.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}
