// Package main implements thoughtd, the thought pipeline daemon and its
// operator CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Set via -ldflags at build time.
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "thoughtd",
		Short: "Deduplicate, embed and search thoughts per tenant",
		Long: `thoughtd accepts short text thoughts per tenant, suppresses exact duplicates,
embeds new thoughts in the background and serves semantic search over them.

Configuration is read from ~/.config/thoughtd/config.yaml (or --config) and
overridden by THOUGHTD_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/thoughtd/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newSubmitCmd(opts),
		newSearchCmd(opts),
		newDrainCmd(opts),
		newDiscoverCmd(opts),
		newCursorCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "thoughtd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
