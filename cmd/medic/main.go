// Package main provides the medic agent entrypoint.
//
// The agent consumes kill notifications, arbitrates resurrection and serves
// the operational HTTP surface until it receives SIGINT or SIGTERM.
//
// Exit codes:
//   - 0: normal shutdown
//   - 2: configuration invalid
//   - 3: outcome store unrecoverable
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medic-agent/medic/internal/api"
	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/events"
	"github.com/medic-agent/medic/internal/logging"
	"github.com/medic-agent/medic/internal/metrics"
	"github.com/medic-agent/medic/internal/orchestrator"
	"github.com/medic-agent/medic/internal/pending"
	"github.com/medic-agent/medic/internal/resurrect"
	"github.com/medic-agent/medic/internal/risk"
	"github.com/medic-agent/medic/internal/siem"
	"github.com/medic-agent/medic/internal/store"
	"github.com/medic-agent/medic/internal/stream"
)

func main() {
	// .env is optional; secrets may also arrive through the real environment.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "medic",
		Usage: "resurrection arbiter for killed agent containers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Value:   "./config/medic.yaml",
				EnvVars: []string{"MEDIC_CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "override the operating mode (observer or live)",
			},
			&cli.BoolFlag{
				Name:  "mock",
				Usage: "synthesize kill reports and dry-run all restarts",
			},
		},
		Action: run,
	}

	// cli.Exit codes are handled inside Run; anything else is a plain
	// failure.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "medic: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("medic: config: %v", err), 2)
	}

	if mode := c.String("mode"); mode != "" {
		cfg.Mode = mode
	}
	if c.Bool("mock") {
		cfg.Stream.Kind = "mock"
		cfg.Resurrection.Executor = "dry_run"
	}
	// Flags bypass LoadConfig, so recheck the result.
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("medic: config: %v", err), 2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cli.Exit(fmt.Sprintf("medic: logging: %v", err), 2)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("medic agent starting",
		zap.String("mode", cfg.Mode),
		zap.String("stream", cfg.Stream.Kind),
		zap.String("store", cfg.Store.Driver),
		zap.String("listen", cfg.HTTP.Listen),
	)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	st, err := store.New(cfg.Store, logger)
	if err != nil {
		logger.Error("outcome store unavailable", zap.Error(err))
		return cli.Exit(fmt.Sprintf("medic: outcome store: %v", err), 3)
	}
	defer st.Close()

	listener, err := stream.New(cfg.Stream, logger, m)
	if err != nil {
		return cli.Exit(fmt.Sprintf("medic: stream: %v", err), 2)
	}
	defer listener.Close()

	executor, err := resurrect.New(cfg.Resurrection, cfg.Mode, logger, m)
	if err != nil {
		return cli.Exit(fmt.Sprintf("medic: resurrection executor: %v", err), 2)
	}

	engine := risk.New(cfg, st, logger)
	queue := pending.NewQueue(logger, m)
	hub := events.NewHub()
	// One client so the pipeline and the health probe share a breaker.
	siemClient := siem.New(cfg.SIEM, logger, m)

	orc := orchestrator.New(cfg, orchestrator.Components{
		Listener:    listener,
		SIEM:        siemClient,
		Engine:      engine,
		Resurrector: executor,
		Queue:       queue,
		Store:       st,
		Calibrator:  risk.NewCalibrator(engine, st, cfg.Calibration, logger, m),
		Hub:         hub,
		Logger:      logger,
		Metrics:     m,
	})

	server := api.NewServer(cfg, api.Deps{
		Store:    st,
		Queue:    queue,
		Engine:   engine,
		SIEM:     siemClient,
		Approver: orc,
		Hub:      hub,
		Gatherer: registry,
		Logger:   logger,
		Metrics:  m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orc.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil {
		if errors.Is(err, orchestrator.ErrStoreFatal) {
			logger.Error("outcome store unrecoverable", zap.Error(err))
			return cli.Exit("medic: outcome store unrecoverable", 3)
		}
		return err
	}

	logger.Info("medic agent stopped")
	return nil
}
