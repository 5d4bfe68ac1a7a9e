package cli

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ahagelberg/Terminalis-sub001/internal/conn"
	"github.com/ahagelberg/Terminalis-sub001/internal/trust"
)

func newHostsCommand(deps *commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Manage trusted host keys",
	}
	cmd.AddCommand(newHostsListCommand(deps))
	cmd.AddCommand(newHostsRemoveCommand(deps))
	return cmd
}

func newHostsListCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pinned host keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			w := tabwriter.NewWriter(deps.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tPORT\tALGORITHM\tFINGERPRINT")
			for _, entry := range rt.trust.Entries() {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", entry.Host, entry.Port, algorithmLabel(entry), entry.Fingerprint)
			}
			return w.Flush()
		},
	}
}

// algorithmLabel prefers the recorded key type; entries written without
// one get a family guess from the fingerprint digest length.
func algorithmLabel(entry trust.KnownHostEntry) string {
	if entry.Algorithm != "" {
		return entry.Algorithm
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(entry.Fingerprint, "SHA256:"))
	if err != nil {
		return "unknown"
	}
	return conn.AlgorithmLabelFromLength(len(raw))
}

func newHostsRemoveCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <host:port>",
		Short: "Forget a pinned host key",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("hosts rm requires exactly one host:port")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			host, portRaw, ok := strings.Cut(args[0], ":")
			if !ok {
				return usageErrorf("expected host:port, got %q", args[0])
			}
			port, err := strconv.Atoi(portRaw)
			if err != nil {
				return usageErrorf("invalid port %q", portRaw)
			}

			rt, err := deps.loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.trust.RemoveKnownHost(host, port); err != nil {
				return err
			}
			fmt.Fprintf(deps.out, "removed %s:%d\n", host, port)
			return nil
		},
	}
}
