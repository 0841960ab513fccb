package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/common/config"
	"github.com/amoylab/fleetstate/internal/server"
	"github.com/amoylab/fleetstate/internal/state"
	"github.com/amoylab/fleetstate/pkg/logger"
	"github.com/amoylab/fleetstate/pkg/metrics"
	"github.com/amoylab/fleetstate/pkg/trace"
	"github.com/amoylab/fleetstate/pkg/utils"
	"github.com/amoylab/fleetstate/pkg/version"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + cnst.CommandName,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", cnst.CommandName, version.Get())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a worker with its ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.CommandName,
		Short: "Distributed widget state layer",
		Long:  `fleetstate shares widget, connection and session state between horizontally scaled workers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func run(parent context.Context) error {
	cfg, cfgPath, err := config.LoadConfig(utils.FirstNonEmpty(configPath, os.Getenv("FLEETSTATE_CONFIG"), cnst.FleetStateYaml))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer lg.Sync()
	lg.Info("Loaded configuration", zap.String("path", cfgPath), zap.String("version", version.Get()))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	sc, err := state.New(ctx, lg, cfg, state.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to build state layer: %w", err)
	}

	srv := server.NewServer(lg, cfg.Server, sc, m)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		lg.Info("Shutting down")
	case err = <-errCh:
		if err != nil {
			lg.Error("Ops server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown ops server: %w", err))
	}
	if err := sc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Warn("Failed to flush traces", zap.Error(err))
	}
	return errors.Join(errs...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
