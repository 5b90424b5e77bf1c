package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/config"
	"github.com/fyrsmithlabs/thoughtd/internal/logging"
	"github.com/fyrsmithlabs/thoughtd/internal/services"
	"github.com/fyrsmithlabs/thoughtd/internal/telemetry"
)

// runtime is everything a command needs, torn down by close.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	tel    *telemetry.Telemetry
	app    *services.App
}

// bootstrap loads configuration, starts telemetry and logging, and builds the
// services. Console logs go to stderr unless toStdout is set, keeping stdout
// free for command output and stdio transports.
func bootstrap(ctx context.Context, opts *options, toStdout bool, build services.BuildOptions) (*runtime, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), nil)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	logCfg.Output.Stderr = !toStdout
	logCfg.Output.OTEL = cfg.Telemetry.Enabled
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	zl := logger.Underlying()

	app, err := services.Build(ctx, cfg, zl, build)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		_ = zl.Sync()
		return nil, err
	}
	return &runtime{cfg: cfg, logger: zl, tel: tel, app: app}, nil
}

func (r *runtime) close() {
	if err := r.app.Close(); err != nil {
		r.logger.Warn("closing services", zap.Error(err))
	}
	if err := r.tel.Shutdown(context.Background()); err != nil {
		r.logger.Warn("shutting down telemetry", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
