package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ahagelberg/Terminalis-sub001/internal/conn"
	"github.com/ahagelberg/Terminalis-sub001/internal/session"
	"github.com/ahagelberg/Terminalis-sub001/internal/store"
)

func newConnectCommand(deps *commandDeps) *cobra.Command {
	var acceptNew bool

	cmd := &cobra.Command{
		Use:   "connect <session>",
		Short: "Open a terminal session",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("connect requires exactly one session name")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			cfg, err := rt.sessions.GetByName(ctx, args[0])
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return asExitError(ExitCodeNotFound, fmt.Errorf("session %q not found", args[0]))
				}
				return mapCommandError(err)
			}
			applyConfigDefaults(cfg, rt)

			if cfg.Auth == session.AuthPassword && !cfg.HasPassword() {
				password, err := promptSecret(fmt.Sprintf("Password for %s@%s", cfg.Username, cfg.Host))
				if err != nil {
					return err
				}
				cfg.SetPassword(password)
			}

			prompt := hostKeyPrompt(acceptNew)
			factory, err := conn.NewFactory(conn.FactoryOptions{
				Store:  rt.trust,
				Lookup: rt.sessions.Lookup(ctx),
				Prompt: prompt,
				Logger: rt.logger,
			})
			if err != nil {
				return err
			}

			connection, err := factory.New(cfg)
			if err != nil {
				return err
			}
			defer connection.Disconnect(context.Background())

			if !connection.Connect(ctx) {
				// Detail was already delivered on the event stream;
				// drain it so the user sees the reason. The stream
				// ends after a failed attempt, so this terminates.
				var lastErr error
				for ev := range connection.Events() {
					if errEv, ok := ev.(conn.ErrorEvent); ok {
						fmt.Fprintln(deps.out, errEv.Err.Error())
						lastErr = errEv.Err
					}
				}
				if lastErr != nil {
					return mapCommandError(fmt.Errorf("connection to %s failed: %w", cfg.DisplayName(), lastErr))
				}
				return fmt.Errorf("connection to %s failed", cfg.DisplayName())
			}

			return runTerminal(ctx, connection)
		},
	}

	cmd.Flags().BoolVar(&acceptNew, "accept-new", false, "trust and pin unknown host keys without prompting (changed keys still prompt)")
	return cmd
}

func applyConfigDefaults(cfg *session.Config, rt *runtime) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = rt.cfg.Connection.ConnectTimeout
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = rt.cfg.Connection.KeepAliveInterval
	}
	if cfg.TerminalType == "" {
		cfg.TerminalType = rt.cfg.Connection.TerminalType
	}
}

// hostKeyPrompt builds the interactive trust decision. With acceptNew,
// unknown hosts are pinned silently; a changed key always prompts.
func hostKeyPrompt(acceptNew bool) conn.HostKeyPrompt {
	return func(host string, port int, algorithm, fingerprint string, changed bool) conn.VerificationResult {
		if acceptNew && !changed {
			return conn.VerifyAcceptAndAdd
		}

		title := fmt.Sprintf("Host %s:%d presents an unknown %s key", host, port, algorithm)
		if changed {
			title = fmt.Sprintf("WARNING: host key for %s:%d has CHANGED (%s)", host, port, algorithm)
		}

		choice := conn.VerifyCancel
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[conn.VerificationResult]().
				Title(title).
				Description("Fingerprint: " + fingerprint).
				Options(
					huh.NewOption("Cancel connection", conn.VerifyCancel),
					huh.NewOption("Accept this time only", conn.VerifyAcceptOnce),
					huh.NewOption("Accept and remember", conn.VerifyAcceptAndAdd),
				).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			return conn.VerifyCancel
		}
		return choice
	}
}

func promptSecret(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(secret), nil
}

// runTerminal bridges the local terminal to the connection: raw-mode
// stdin into the shell channel, the event stream onto stdout, and
// SIGWINCH into resize signaling.
func runTerminal(ctx context.Context, connection conn.TerminalConnection) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)

		if cols, rows, err := term.GetSize(fd); err == nil {
			connection.ResizeTerminal(cols, rows)
		}
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if cols, rows, err := term.GetSize(fd); err == nil {
				connection.ResizeTerminal(cols, rows)
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := connection.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return connection.Disconnect(context.Background())
		case ev, ok := <-connection.Events():
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case conn.DataEvent:
				_, _ = os.Stdout.Write(ev.Data)
			case conn.ErrorEvent:
				fmt.Fprintf(os.Stderr, "\r\n%s\r\n", ev.Err.Error())
			case conn.ClosedEvent:
				if !ev.Normal {
					return fmt.Errorf("connection closed unexpectedly")
				}
				return nil
			}
		}
	}
}
