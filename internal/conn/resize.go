package conn

import (
	"fmt"
	"time"

	"github.com/ahagelberg/Terminalis-sub001/internal/session"
)

const xtermQueryDelay = 50 * time.Millisecond

// ResizeTerminal signals a terminal size change using the session's
// configured strategy. It never returns an error or panics to the
// caller: resize is not essential to session correctness, so failures
// are logged and swallowed.
func (c *SshConnection) ResizeTerminal(cols, rows int) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("resize recovered", "panic", fmt.Sprint(r))
		}
	}()

	if cols <= 0 || rows <= 0 {
		return
	}

	c.mu.Lock()
	c.cols, c.rows = cols, rows
	shell := c.shell
	c.mu.Unlock()

	if c.State() != StateConnected {
		return
	}

	switch c.cfg.Resize {
	case session.ResizeNone:

	case session.ResizeANSI:
		c.writeResizeSequence(cols, rows)

	case session.ResizeStty:
		cmd := fmt.Sprintf("stty cols %d rows %d%s", cols, rows, c.cfg.LineEnding)
		if err := c.Write([]byte(cmd)); err != nil {
			c.logger.Warn("stty resize failed", "error", err)
		}

	case session.ResizeXTermQuery:
		// Query the current size, give the terminal a moment, then
		// send the resize. Best effort, not synchronized to a reply.
		go func() {
			if err := c.Write([]byte("\x1b[18t")); err != nil {
				c.logger.Warn("xterm size query failed", "error", err)
				return
			}
			time.Sleep(xtermQueryDelay)
			c.writeResizeSequence(cols, rows)
		}()

	default: // session.ResizeNative
		if shell == nil {
			return
		}
		if err := shell.WindowChange(rows, cols); err != nil {
			// The out-of-band request failed; fall back to the
			// in-band sequence rather than silently doing nothing.
			c.logger.Warn("window-change request failed, falling back to in-band resize", "error", err)
			c.writeResizeSequence(cols, rows)
		}
	}
}

func (c *SshConnection) writeResizeSequence(cols, rows int) {
	seq := fmt.Sprintf("\x1b[8;%d;%dt", rows, cols)
	if err := c.Write([]byte(seq)); err != nil {
		c.logger.Warn("in-band resize failed", "error", err)
	}
}
