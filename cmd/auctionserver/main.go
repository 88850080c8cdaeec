package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/expressrelay/auction-server/internal/auction"
	"github.com/expressrelay/auction-server/internal/chainadapter"
	"github.com/expressrelay/auction-server/internal/clock"
	"github.com/expressrelay/auction-server/internal/config"
	"github.com/expressrelay/auction-server/internal/event"
	"github.com/expressrelay/auction-server/internal/health"
	"github.com/expressrelay/auction-server/internal/index"
	"github.com/expressrelay/auction-server/internal/leader"
	"github.com/expressrelay/auction-server/internal/store"
	"github.com/expressrelay/auction-server/internal/submission"
	"github.com/expressrelay/auction-server/internal/supervisor"
	"github.com/expressrelay/auction-server/internal/telemetry"
	"github.com/expressrelay/auction-server/internal/tracker"

	// Register store drivers so they are available via store.Open.
	_ "github.com/expressrelay/auction-server/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()
	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	idx := index.New(logger)
	bus := event.NewBus()
	mgr := auction.NewManager(repos, idx, bus, logger, tp.TracerProvider, clk)

	if err := mgr.WarmAccessTokenCache(ctx); err != nil {
		return fmt.Errorf("warming access token cache: %w", err)
	}

	healthHandler := health.NewHandler(clk, health.Checker{Name: "database", Check: repos.Ping})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	sup := supervisor.New(logger)

	startLoops := func(ctx context.Context) {
		adapters := make(map[string]chainadapter.Adapter, len(cfg.Chains))
		for chainId, chainCfg := range cfg.Chains {
			adapter, adapterErr := chainadapter.New(ctx, chainCfg)
			if adapterErr != nil {
				logger.ErrorContext(ctx, "creating chain adapter failed, skipping chain",
					slog.String("chain_id", chainId), slog.Any("error", adapterErr))
				continue
			}
			adapters[chainId] = adapter

			submissionLoop := submission.New(chainId, chainCfg.ChainType, chainCfg.SubmissionInterval,
				idx, mgr, adapter, nil, logger, tp.TracerProvider)
			trackerLoop := tracker.New(chainId, chainCfg.PollInterval, idx, mgr, adapter, logger, tp.TracerProvider)

			sup.Spawn(ctx, fmt.Sprintf("submission:%s", chainId), submissionLoop.Run)
			sup.Spawn(ctx, fmt.Sprintf("tracker:%s", chainId), trackerLoop.Run)
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auction-server is running", slog.String("version", version), slog.Int("chains", len(adapters)))

		<-ctx.Done()

		healthHandler.SetReady(false)
		sup.Close()
		sup.Wait()
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")
		leaderCfg := leader.Config{
			Enabled:        cfg.LeaderElection.Enabled,
			LeaseName:      cfg.LeaderElection.LeaseName,
			LeaseNamespace: cfg.LeaderElection.LeaseNamespace,
			LeaseDuration:  cfg.LeaderElection.LeaseDuration,
			RenewDeadline:  cfg.LeaderElection.RenewDeadline,
			RetryPeriod:    cfg.LeaderElection.RetryPeriod,
		}
		if leaderErr := leader.Run(ctx, leaderCfg, logger, startLoops, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		startLoops(ctx)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
