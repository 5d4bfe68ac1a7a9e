package conn

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/ahagelberg/Terminalis-sub001/internal/trust"
)

// VerificationResult is the caller's decision about an unknown or
// changed host key.
type VerificationResult int

const (
	// VerifyCancel aborts the handshake. This is also the effective
	// result when no prompt is registered: never silently trust.
	VerifyCancel VerificationResult = iota
	// VerifyAcceptOnce proceeds without persisting the key.
	VerifyAcceptOnce
	// VerifyAcceptAndAdd proceeds and pins the key in the trust store,
	// replacing any previous entry.
	VerifyAcceptAndAdd
)

// HostKeyPrompt is invoked synchronously during the handshake when a
// host presents an unknown or changed key. changed is true when a
// different fingerprint was previously pinned for (host, port). The
// prompt may block on user interaction; the handshake waits.
type HostKeyPrompt func(host string, port int, algorithm, fingerprint string, changed bool) VerificationResult

// AlgorithmLabelFromLength maps a raw fingerprint byte length to a key
// family label. This is advisory display information only; trust
// decisions compare fingerprints, never labels.
func AlgorithmLabelFromLength(n int) string {
	switch n {
	case 32, 64:
		return "ED25519/ECDSA"
	case 16, 20:
		return "RSA/DSA"
	default:
		return fmt.Sprintf("%d-bit", n*8)
	}
}

// hostKeyVerifier implements the trust policy of the handshake. It
// records whether the failure, if any, was a trust rejection so the
// engine can classify the handshake error correctly even when the
// transport wraps it.
type hostKeyVerifier struct {
	store  *trust.KnownHostsManager
	prompt HostKeyPrompt
	host   string
	port   int
	logger *slog.Logger

	rejected   atomic.Bool
	prompting  atomic.Bool
	decided    chan struct{}
	decideOnce sync.Once
}

func newHostKeyVerifier(store *trust.KnownHostsManager, prompt HostKeyPrompt, host string, port int, logger *slog.Logger) *hostKeyVerifier {
	return &hostKeyVerifier{store: store, prompt: prompt, host: host, port: port, logger: logger, decided: make(chan struct{})}
}

// callback is installed as the ssh.HostKeyCallback for the handshake.
func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)
	algorithm := key.Type()

	entry, known := v.store.GetKnownHost(v.host, v.port)
	if known && entry.Fingerprint == fingerprint {
		v.logger.Debug("host key matches pinned fingerprint", "host", v.host, "port", v.port)
		return nil
	}

	changed := known
	if changed {
		v.logger.Warn("host key changed", "host", v.host, "port", v.port, "algorithm", algorithm)
	}

	if v.prompt == nil {
		v.rejected.Store(true)
		return newConnError(CategoryHostKeyRejected, v.host, v.port,
			fmt.Errorf("no verification prompt registered for %s key", algorithm))
	}

	v.prompting.Store(true)
	result := v.prompt(v.host, v.port, algorithm, fingerprint, changed)
	v.prompting.Store(false)
	v.decideOnce.Do(func() { close(v.decided) })

	switch result {
	case VerifyAcceptAndAdd:
		if err := v.store.AddKnownHost(v.host, v.port, fingerprint, algorithm); err != nil {
			v.logger.Warn("failed to persist trusted host", "host", v.host, "port", v.port, "error", err)
		}
		return nil
	case VerifyAcceptOnce:
		return nil
	default:
		v.rejected.Store(true)
		return newConnError(CategoryHostKeyRejected, v.host, v.port,
			fmt.Errorf("%s key %s rejected", algorithm, fingerprint))
	}
}

// rejectedByUser reports whether trust resolution yielded non-trust.
// A concurrent transport error must never mask this.
func (v *hostKeyVerifier) rejectedByUser() bool { return v.rejected.Load() }

// awaitingDecision reports whether the prompt is currently blocking the
// handshake; the connect timeout defers to the user while it is.
func (v *hostKeyVerifier) awaitingDecision() bool { return v.prompting.Load() }

// decisionMade is closed once the prompt has returned, so a deferred
// connect timeout can be re-armed for the rest of the handshake.
func (v *hostKeyVerifier) decisionMade() <-chan struct{} { return v.decided }
