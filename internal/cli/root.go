// Package cli implements the terminalis command line interface.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "terminalis",
		Short:         "Secure remote terminal sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	deps := &commandDeps{out: out, configPath: &configPath}

	cmd.AddCommand(newVersionCommand(out, build))
	cmd.AddCommand(newConnectCommand(deps))
	cmd.AddCommand(newSessionCommand(deps))
	cmd.AddCommand(newHostsCommand(deps))
	cmd.InitDefaultCompletionCmd()
	return cmd
}

func newVersionCommand(out io.Writer, build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(out, "version=%s commit=%s build_time=%s\n", build.Version, build.Commit, build.BuildTime)
			return err
		},
	}
}
