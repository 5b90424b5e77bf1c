package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	thoughthttp "github.com/fyrsmithlabs/thoughtd/internal/http"
	"github.com/fyrsmithlabs/thoughtd/internal/mcp"
	"github.com/fyrsmithlabs/thoughtd/internal/services"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run discovery, the drainer and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

// serve blocks until ctx is cancelled, then stops the HTTP server and waits
// for in-flight drainer batches.
func serve(ctx context.Context, opts *options) error {
	rt, err := bootstrap(ctx, opts, true, services.BuildOptions{})
	if err != nil {
		return err
	}
	defer rt.close()

	srv, err := thoughthttp.NewServer(rt.app, rt.logger, &thoughthttp.Config{
		Host:    rt.cfg.Server.Host,
		Port:    rt.cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return err
	}

	rt.logger.Info("starting thoughtd",
		zap.String("version", version),
		zap.String("store", rt.cfg.Store.Path),
		zap.String("vectorstore", rt.cfg.VectorStore.Provider),
		zap.Bool("nats", rt.cfg.NATS.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.app.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("thoughtd stopped: %w", err)
	}
	rt.logger.Info("thoughtd stopped")
	return nil
}

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools on stdio while draining in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, opts, false, services.BuildOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			srv, err := mcp.NewServer(&mcp.Config{Name: "thoughtd", Version: version, Logger: rt.logger}, rt.app)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rt.app.Run(gctx) })
			g.Go(func() error {
				// The client closing stdin ends the session and the process.
				defer cancel()
				return srv.Run(gctx)
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
