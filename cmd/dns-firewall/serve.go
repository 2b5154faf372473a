package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dns-firewall/pkg/blocklist"
	"dns-firewall/pkg/cache"
	"dns-firewall/pkg/config"
	"dns-firewall/pkg/dns"
	"dns-firewall/pkg/feeds"
	"dns-firewall/pkg/forwarder"
	"dns-firewall/pkg/logging"
	"dns-firewall/pkg/ratelimit"
	"dns-firewall/pkg/reload"
	"dns-firewall/pkg/resolver"
	"dns-firewall/pkg/storage"
	"dns-firewall/pkg/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 5 * time.Second
	retentionEvery  = 24 * time.Hour
)

func newServeCmd(load loaderFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("DNS firewall starting",
		"version", version,
		"build_time", buildTime,
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return err
	}

	rules := blocklist.NewManager(cfg.Blocklist.Path, logger, metrics)
	if err := rules.Reload(ctx); err != nil {
		// Serve without blocking rather than not at all
		logger.Warn("Starting with an empty blocklist", "path", cfg.Blocklist.Path, "error", err)
	}

	var c cache.Interface
	if cfg.Cache.Enabled {
		sc, err := cache.NewSharded(&cfg.Cache, logger, metrics)
		if err != nil {
			return err
		}
		defer func() { _ = sc.Close() }()
		c = sc
	}

	fwd := forwarder.NewForwarder(&cfg.Upstream, logger.WithComponent("forwarder"))

	stor, err := storage.New(&cfg.Storage, metrics, logger)
	if err != nil {
		return err
	}
	queryLog := dns.NewQueryLogger(stor, logger, cfg.Storage.BufferSize, cfg.Storage.Workers)

	engine := dns.NewEngine(cfg, rules, c, fwd, logger)
	engine.SetMetrics(metrics)
	engine.SetTracer(telem.Tracer())
	engine.SetEventSink(dns.MultiSink{dns.NewLogSink(logger), queryLog})
	limiter := ratelimit.NewManager(&cfg.RateLimit, logger)
	defer limiter.Stop()
	if limiter != nil {
		engine.SetRateLimiter(limiter)
	}

	server := dns.NewServer(&cfg.Server, engine, logger)
	reloader := reload.New(&cfg.Blocklist, rules, logger.WithComponent("reload"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Start shuts down with a background context; give in-flight
		// queries a bounded grace period from here instead
		srvCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errc := make(chan error, 1)
		go func() { errc <- server.Start(srvCtx) }()

		select {
		case err := <-errc:
			return err
		case <-gctx.Done():
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}
		cancel()
		return <-errc
	})

	g.Go(func() error {
		return reloader.Run(gctx)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("Received SIGHUP, reloading blocklist")
				reloader.Trigger()
			}
		}
	})

	if cfg.Feeds.Enabled {
		res := resolver.New(fwd, logger)
		agg := feeds.New(&cfg.Feeds, res.NewHTTPClient(cfg.Feeds.FetchTimeout), logger, metrics)
		g.Go(func() error {
			if err := agg.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.Storage.Enabled && cfg.Storage.RetentionDays > 0 {
		g.Go(func() error {
			retention(gctx, stor, cfg.Storage.RetentionDays, logger)
			return nil
		})
	}

	select {
	case <-server.Ready():
		logger.Info("DNS firewall is running",
			"address", server.Addr().String(),
			"upstream", fwd.Upstream(),
			"rules", rules.Stats().Rules.Total,
		)
	case <-gctx.Done():
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := queryLog.Close(); cerr != nil {
		logger.Error("Error closing query logger", "error", cerr)
	}
	if cerr := stor.Close(); cerr != nil {
		logger.Error("Error closing storage", "error", cerr)
	}
	if terr := telem.Shutdown(shutdownCtx); terr != nil {
		logger.Error("Error during telemetry shutdown", "error", terr)
	}

	logger.Info("DNS firewall stopped")
	return err
}

// retention deletes query log rows older than days, once at start and then
// daily
func retention(ctx context.Context, stor storage.Storage, days int, logger *logging.Logger) {
	run := func() {
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := stor.Cleanup(ctx, cutoff)
		if err != nil {
			logger.Error("Query log cleanup failed", "error", err)
			return
		}
		logger.Info("Query log cleanup complete", "deleted", n, "retention_days", days)
	}

	run()
	ticker := time.NewTicker(retentionEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
