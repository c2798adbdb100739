package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lobscope/lobscope/internal/config"
	"github.com/lobscope/lobscope/internal/engine"
	httpiface "github.com/lobscope/lobscope/internal/interfaces/http"
	"github.com/lobscope/lobscope/internal/session"
	"github.com/lobscope/lobscope/internal/source"
	"github.com/lobscope/lobscope/internal/telemetry"
)

var serveSource string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analytics service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSource, "source", "",
		`snapshot source: "sim", "postgres", or "live:<symbol>" (default: postgres when DATABASE_URL is set, else sim)`)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := telemetry.NewRegistry()
	collector := telemetry.NewCollector(registry)

	router := engine.NewRouter(engine.RouterConfig{
		UsePrimary:  cfg.UsePrimaryEngine,
		PrimaryHost: cfg.PrimaryEngineHost,
		PrimaryPort: cfg.PrimaryEnginePort,
		CallTimeout: cfg.EngineCallTimeout,
		MaxFailures: cfg.MaxEngineFailures,
		OnModeChange: func(mode engine.Mode) {
			if mode == engine.ModePrimary {
				registry.EngineMode.Set(1)
			} else {
				registry.EngineMode.Set(0)
			}
		},
		ObservePrimaryCall: func(elapsed time.Duration) {
			registry.PrimaryLatency.Observe(elapsed.Seconds())
		},
	})
	if err := router.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize engine router: %w", err)
	}

	pipelineCfg := engine.PipelineConfig{
		Thresholds:      cfg.Thresholds,
		BucketVolume:    cfg.VPINBucket,
		DedupWindow:     cfg.DedupWindow,
		RetrainInterval: cfg.RetrainInterval,
	}

	sessionCfg := session.Config{
		IngestQueueSize:       cfg.IngestQueueSize,
		OutboundQueueSize:     cfg.OutboundQueueSize,
		BackpressureThreshold: cfg.BackpressureThreshold,
		DataBufferSize:        cfg.DataBufferSize,
		TickInterval:          cfg.TickInterval,
		SlowTick:              cfg.SlowTick,
	}

	manager := session.NewManager(sessionCfg, cfg.SessionTimeout, router, collector,
		sourceFactory(cfg), func() *engine.Pipeline { return engine.NewPipeline(pipelineCfg) })

	server := httpiface.NewServer(httpiface.ServerConfig{
		Host:         cfg.HTTPHost,
		Port:         cfg.HTTPPort,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, manager, router, collector, registry, pipelineCfg)

	log.Info().Str("version", version).Str("mode", string(router.Mode())).
		Msg("lobscope starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(ctx)
	})

	err = g.Wait()
	log.Info().Msg("lobscope stopped")
	return err
}

// sourceFactory resolves the configured source spec into a per-session
// source constructor. Each session gets its own source instance.
func sourceFactory(cfg *config.Config) session.SourceFactory {
	spec := serveSource
	if spec == "" {
		if cfg.DatabaseURL != "" {
			spec = "postgres"
		} else {
			spec = "sim"
		}
	}

	switch {
	case spec == "sim":
		return func(sessionID string) (source.Source, error) {
			return source.NewSimulator(time.Now().UnixNano(), 100), nil
		}
	case spec == "postgres":
		return func(sessionID string) (source.Source, error) {
			if cfg.DatabaseURL == "" {
				return nil, fmt.Errorf("postgres source requires DATABASE_URL")
			}
			return source.NewPostgresSource(cfg.DatabaseURL, cfg.ReplayTable, cfg.ReplayBatchSize)
		}
	case strings.HasPrefix(spec, "live:"):
		symbol := strings.TrimPrefix(spec, "live:")
		return func(sessionID string) (source.Source, error) {
			if symbol == "" {
				return nil, fmt.Errorf("live source requires a symbol, e.g. live:btcusdt")
			}
			return source.NewBinanceSource(symbol), nil
		}
	default:
		return func(sessionID string) (source.Source, error) {
			return nil, fmt.Errorf("unknown source spec %q", spec)
		}
	}
}
