package conn

import (
	"fmt"
	"strings"
)

// muxAction is how a configured multiplexer session will be entered.
type muxAction string

const (
	muxCreate muxAction = "create"
	muxResume muxAction = "resume"
	muxShare  muxAction = "multi-attach"
)

// attachMultiplexer re-attaches the configured tmux session after the
// shell channel opens: probe for the tool, inspect the session
// listing, then attach or create. Absence of the tool is a non-fatal
// error; the shell stays usable either way.
func (c *SshConnection) attachMultiplexer() {
	name := c.cfg.TmuxSession

	probe, err := c.runRemoteCommand("command -v tmux")
	if err != nil || strings.TrimSpace(probe) == "" {
		c.logger.Warn("tmux not available on remote host", "session", name)
		c.sink().emit(ErrorEvent{Err: newConnError(CategoryToolUnavailable, c.cfg.Host, c.cfg.Port,
			fmt.Errorf("tmux not found on remote host, cannot attach session %q", name))})
		return
	}

	// tmux exits nonzero when no server is running; treat that as an
	// empty listing.
	listing, _ := c.runRemoteCommand("tmux list-sessions 2>/dev/null")

	action, command := multiplexerCommand(name, listing)
	c.logger.Info("attaching multiplexer session", "session", name, "action", string(action))
	if err := c.WriteString(command + c.cfg.LineEnding); err != nil {
		c.logger.Warn("multiplexer attach failed", "session", name, "error", err)
	}
}

// multiplexerCommand picks the attach-or-create command from the
// remote session listing. A listed session carrying the "(attached)"
// marker is joined alongside the existing client; a detached one is
// resumed; an unlisted name is created fresh.
func multiplexerCommand(name, listing string) (muxAction, string) {
	for _, line := range strings.Split(listing, "\n") {
		sessionName, rest, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || sessionName != name {
			continue
		}
		if strings.Contains(rest, "(attached)") {
			return muxShare, fmt.Sprintf("tmux attach-session -t %s", name)
		}
		return muxResume, fmt.Sprintf("tmux attach-session -t %s", name)
	}
	return muxCreate, fmt.Sprintf("tmux new-session -s %s", name)
}

// runRemoteCommand executes one command on a fresh channel, separate
// from the shell channel, and returns its combined output.
func (c *SshConnection) runRemoteCommand(command string) (string, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("connection closed")
	}

	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open command channel: %w", err)
	}
	defer sess.Close()

	out, err := sess.CombinedOutput(command)
	if err != nil {
		return string(out), fmt.Errorf("run %q: %w", command, err)
	}
	return string(out), nil
}
