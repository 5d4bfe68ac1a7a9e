package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahagelberg/Terminalis-sub001/internal/session"
	"github.com/ahagelberg/Terminalis-sub001/internal/store"
)

func newSessionCommand(deps *commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage saved sessions",
	}
	cmd.AddCommand(newSessionAddCommand(deps))
	cmd.AddCommand(newSessionListCommand(deps))
	cmd.AddCommand(newSessionRemoveCommand(deps))
	return cmd
}

func newSessionAddCommand(deps *commandDeps) *cobra.Command {
	var (
		host           string
		port           int
		user           string
		keyPath        string
		gateway        string
		tmuxSession    string
		resizeMethod   string
		terminalType   string
		forwardX11     bool
		compression    bool
		connectTimeout time.Duration
		keepAlive      time.Duration
		forwards       []string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Save a session definition",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("session add requires exactly one name")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			cfg := &session.Config{
				Name:              args[0],
				Host:              host,
				Port:              port,
				Username:          user,
				PrivateKeyPath:    keyPath,
				TmuxSession:       tmuxSession,
				TerminalType:      terminalType,
				ForwardX11:        forwardX11,
				Compression:       compression,
				ConnectTimeout:    connectTimeout,
				KeepAliveInterval: keepAlive,
				Resize:            session.ResizeMethod(resizeMethod),
			}
			cfg.Auth = session.AuthPassword
			if keyPath != "" {
				cfg.Auth = session.AuthPrivateKey
			}
			cfg.Normalize()

			for i, spec := range forwards {
				rule, err := parseForwardSpec(spec)
				if err != nil {
					return err
				}
				if rule.Name == "" {
					rule.Name = fmt.Sprintf("forward-%d", i+1)
				}
				cfg.PortForwards = append(cfg.PortForwards, rule)
			}

			if gateway != "" {
				gw, err := rt.sessions.GetByName(cmd.Context(), gateway)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("gateway session %q not found", gateway)
					}
					return err
				}
				cfg.GatewaySessionID = gw.ID
			}

			if err := rt.sessions.Save(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(deps.out, "saved session %q (%s)\n", cfg.Name, cfg.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "remote host (required)")
	cmd.Flags().IntVar(&port, "port", 22, "remote port")
	cmd.Flags().StringVar(&user, "user", "", "remote username (required)")
	cmd.Flags().StringVar(&keyPath, "key", "", "private key path (selects key auth)")
	cmd.Flags().StringVar(&gateway, "gateway", "", "name of the session to tunnel through")
	cmd.Flags().StringVar(&tmuxSession, "tmux", "", "remote tmux session to re-attach")
	cmd.Flags().StringVar(&resizeMethod, "resize", string(session.ResizeNative), "resize method: native, ansi, stty, xterm-query, none")
	cmd.Flags().StringVar(&terminalType, "term", "", "terminal type")
	cmd.Flags().BoolVar(&forwardX11, "x11", false, "forward X11")
	cmd.Flags().BoolVar(&compression, "compression", false, "request compression")
	cmd.Flags().DurationVar(&connectTimeout, "timeout", 0, "connect timeout")
	cmd.Flags().DurationVar(&keepAlive, "keep-alive", 0, "keep-alive interval")
	cmd.Flags().StringArrayVar(&forwards, "forward", nil, "forward rule: L|R:localhost:localport:remotehost:remoteport")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// parseForwardSpec parses "L:127.0.0.1:8080:db.internal:5432" or the
// "R:" remote variant.
func parseForwardSpec(spec string) (session.PortForwardingRule, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 5 {
		return session.PortForwardingRule{}, fmt.Errorf("invalid forward %q: want direction:localhost:localport:remotehost:remoteport", spec)
	}

	var direction session.ForwardDirection
	switch strings.ToUpper(parts[0]) {
	case "L":
		direction = session.ForwardLocal
	case "R":
		direction = session.ForwardRemote
	default:
		return session.PortForwardingRule{}, fmt.Errorf("invalid forward direction %q", parts[0])
	}

	var localPort, remotePort int
	if _, err := fmt.Sscanf(parts[2], "%d", &localPort); err != nil {
		return session.PortForwardingRule{}, fmt.Errorf("invalid local port %q", parts[2])
	}
	if _, err := fmt.Sscanf(parts[4], "%d", &remotePort); err != nil {
		return session.PortForwardingRule{}, fmt.Errorf("invalid remote port %q", parts[4])
	}

	rule := session.PortForwardingRule{
		Direction:  direction,
		LocalHost:  parts[1],
		LocalPort:  localPort,
		RemoteHost: parts[3],
		RemotePort: remotePort,
		Enabled:    true,
	}
	return rule, rule.Validate()
}

func newSessionListCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			sessions, err := rt.sessions.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(deps.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTARGET\tAUTH\tGATEWAY")
			for _, cfg := range sessions {
				gateway := "-"
				if cfg.GatewaySessionID != "" {
					gateway = cfg.GatewaySessionID
				}
				fmt.Fprintf(w, "%s\t%s@%s:%d\t%s\t%s\n", cfg.Name, cfg.Username, cfg.Host, cfg.Port, cfg.Auth, gateway)
			}
			return w.Flush()
		},
	}
}

func newSessionRemoveCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a saved session",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("session rm requires exactly one name")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.sessions.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("session %q not found", args[0])
				}
				return err
			}
			fmt.Fprintf(deps.out, "removed session %q\n", args[0])
			return nil
		},
	}
}
