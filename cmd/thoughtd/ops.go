package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/thoughtd/internal/dedup"
	"github.com/fyrsmithlabs/thoughtd/internal/search"
	"github.com/fyrsmithlabs/thoughtd/internal/services"
)

func newSubmitCmd(opts *options) *cobra.Command {
	var chainID string
	var sequence int
	cmd := &cobra.Command{
		Use:   "submit <tenant> [content|-]",
		Short: "Submit a thought; reads stdin when content is - or omitted",
		Long: `Submit a thought for a tenant through the dedup gate.

Examples:
  thoughtd submit acme "Redis pipelining reduces round trips"
  echo "use context for cancellation" | thoughtd submit acme -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}

			rt, err := bootstrap(cmd.Context(), opts, false, services.BuildOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			var subOpts []dedup.SubmitOption
			if chainID != "" {
				subOpts = append(subOpts, dedup.WithChain(chainID, sequence))
			}
			res, err := rt.app.Gate().Submit(cmd.Context(), args[0], content, subOpts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "", "chain id the thought belongs to")
	cmd.Flags().IntVar(&sequence, "sequence", 0, "position within the chain")
	return cmd
}

func readContent(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	return string(data), nil
}

func newSearchCmd(opts *options) *cobra.Command {
	var limit int
	var threshold float32
	cmd := &cobra.Command{
		Use:   "search <tenant> <query...>",
		Short: "Search a tenant's thoughts",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), opts, false, services.BuildOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			req := search.Request{
				Tenant:    args[0],
				Query:     strings.Join(args[1:], " "),
				Limit:     limit,
				Threshold: -1,
			}
			if cmd.Flags().Changed("threshold") {
				req.Threshold = threshold
			}
			resp, err := rt.app.Search().Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (default from config)")
	cmd.Flags().Float32Var(&threshold, "threshold", 0, "minimum score in [0, 1] (default from config)")
	return cmd
}

func newDrainCmd(opts *options) *cobra.Command {
	var consumer string
	cmd := &cobra.Command{
		Use:   "drain <tenant>",
		Short: "Embed everything currently claimable for a tenant, then exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if consumer == "" {
				consumer = fmt.Sprintf("cli-%d", os.Getpid())
			}
			rt, err := bootstrap(cmd.Context(), opts, false, services.BuildOptions{Consumer: consumer})
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.app.Verify(cmd.Context()); err != nil {
				return err
			}
			// Provision the tenant's group if discovery has not yet.
			if _, err := rt.app.Discoverer().Discover(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "discovery: %v\n", err)
			}
			stats, err := rt.app.Drainer().DrainPending(cmd.Context(), args[0])
			if perr := printJSON(cmd.OutOrStdout(), stats); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer name (default cli-<pid>)")
	return cmd
}

func newDiscoverCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Run one discovery pass and provision new tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap(cmd.Context(), opts, false, services.BuildOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.app.Discoverer().Discover(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newCursorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cursor <tenant>",
		Short: "Show the drainer's position and lag for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), opts, false, services.BuildOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			info, err := rt.app.Drainer().Cursor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}
