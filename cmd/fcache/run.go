package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	internal "github.com/ZanzyTHEbar/filecache/fcache"
	"github.com/ZanzyTHEbar/filecache/fcache/cache"
	"github.com/ZanzyTHEbar/filecache/fcache/common"
	"github.com/ZanzyTHEbar/filecache/fcache/config"
	"github.com/ZanzyTHEbar/filecache/fcache/monitor"
	"github.com/ZanzyTHEbar/filecache/fcache/watcher"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func loadConfig(cmd *cli.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, internal.GetLoggerWithLevel(cfg.LogLevel), nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var (
		registry  *prometheus.Registry
		collector *common.Collector
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		if collector, err = common.NewCollector(registry); err != nil {
			return err
		}
	}

	group := monitor.NewGroup(
		watcher.NewSubscriber(cfg.Watcher()),
		monitor.WithTickInterval(cfg.TickInterval),
		monitor.WithWriteInterval(cfg.WriteInterval),
		monitor.WithLogger(logger),
		monitor.WithHandler(commitChanges(logger)),
	)

	for _, mc := range cfg.Monitors {
		cc, err := mc.CacheConfig()
		if err != nil {
			return fmt.Errorf("monitor %s: %w", mc.RootDirectory, err)
		}
		c, err := cache.New(cc,
			cache.WithLogger(logger),
			cache.WithCollector(collector),
			cache.WithTickBudget(cfg.TickBudget),
		)
		if err != nil {
			return fmt.Errorf("monitor %s: %w", mc.RootDirectory, err)
		}
		if _, err := group.Add(c); err != nil {
			return err
		}
		logger.Info().
			Str("root", c.Root()).
			Str("cache_file", cc.CacheFilePath).
			Str("rules", cc.Rules.String()).
			Msg("monitor configured")
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return group.Run(ctx)
	})
	if registry != nil {
		eg.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Address, registry, logger)
		})
	}
	return eg.Wait()
}

// commitChanges logs every outstanding transaction and completes it
func commitChanges(logger zerolog.Logger) monitor.Handler {
	return func(c *cache.Cache) {
		for _, tx := range c.GetOutstandingChanges() {
			event := logger.Info().
				Str("root", c.Root()).
				Str("id", tx.ID.String()).
				Stringer("action", tx.Action).
				Str("path", tx.Path)
			if tx.MovedFrom != "" {
				event = event.Str("from", tx.MovedFrom)
			}
			if tx.Record.HasHash() {
				event = event.Str("hash", tx.Record.Hash.String())
			}
			event.Time("modified", tx.Record.ModTime()).Msg("change")

			if err := c.CompleteTransaction(tx); err != nil {
				logger.Warn().Err(err).Str("path", tx.Path).Msg("failed to complete transaction")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", addr).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// destroy deletes the cache file of every configured monitor
func destroy(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var errs []error
	for _, mc := range cfg.Monitors {
		cc, err := mc.CacheConfig()
		if err != nil {
			errs = append(errs, fmt.Errorf("monitor %s: %w", mc.RootDirectory, err))
			continue
		}
		c, err := cache.New(cc, cache.WithLogger(logger))
		if err != nil {
			errs = append(errs, fmt.Errorf("monitor %s: %w", mc.RootDirectory, err))
			continue
		}
		if err := c.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("monitor %s: %w", mc.RootDirectory, err))
			continue
		}
		logger.Info().Str("root", c.Root()).Str("cache_file", cc.CacheFilePath).Msg("cache destroyed")
	}
	return errors.Join(errs...)
}
