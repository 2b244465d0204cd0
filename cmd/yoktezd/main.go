// Package main wires together the document service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saidsurucu/yoktez-mcp/internal/api"
	"github.com/saidsurucu/yoktez-mcp/internal/browser"
	"github.com/saidsurucu/yoktez-mcp/internal/browser/headless"
	"github.com/saidsurucu/yoktez-mcp/internal/browser/playwright"
	"github.com/saidsurucu/yoktez-mcp/internal/cache"
	"github.com/saidsurucu/yoktez-mcp/internal/config"
	"github.com/saidsurucu/yoktez-mcp/internal/fetcher"
	collyfetcher "github.com/saidsurucu/yoktez-mcp/internal/fetcher/colly"
	"github.com/saidsurucu/yoktez-mcp/internal/logging"
	"github.com/saidsurucu/yoktez-mcp/internal/metrics"
)

const bytesPerMB = 1024 * 1024

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	if err := run(cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tiered := cache.New(cfg.CacheSettings(), logger.Named("cache"))

	pool, err := browser.NewPool(cfg.PoolConfig(), newLauncher(cfg, logger), logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("create browser pool: %w", err)
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("browser pool close error", zap.Error(err))
		}
	}()

	downloader := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Browser.UserAgent,
		Timeout:     cfg.Fetch.RequestTimeout,
		MaxBodySize: cfg.Fetch.MaxBodySizeMB * bytesPerMB,
		Headers:     requestHeaders(cfg),
	}, logger.Named("download"))

	docs, err := fetcher.New(fetcher.Config{
		RateLimitQPS:   cfg.Fetch.RateLimitQPS,
		RateLimitBurst: cfg.Fetch.RateLimitBurst,
		RequestTimeout: cfg.Fetch.RequestTimeout,
	}, pool, downloader, tiered, logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}

	if cfg.Browser.Warmup > 0 {
		go func() {
			created := pool.Warmup(ctx, cfg.Browser.Warmup)
			logger.Info("initial warmup finished", zap.Int("created", created))
		}()
	}

	apiServer := api.NewServer(pool, tiered, docs, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("engine", cfg.Browser.Engine),
			zap.Int("max_contexts", cfg.Browser.MaxContexts),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func newLauncher(cfg config.Config, logger *zap.Logger) browser.Launcher {
	if cfg.Browser.Engine == config.EnginePlaywright {
		return playwright.NewLauncher(playwright.Config{
			Headless:          cfg.Browser.Headless,
			Install:           cfg.Browser.InstallDriver,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
		}, logger.Named("playwright"))
	}
	return headless.NewLauncher(headless.Config{
		Headless:          cfg.Browser.Headless,
		NoSandbox:         cfg.Browser.NoSandbox,
		ExecPath:          cfg.Browser.ExecPath,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
	}, logger.Named("chromedp"))
}

func requestHeaders(cfg config.Config) http.Header {
	h := http.Header{}
	if cfg.Fetch.Referer != "" {
		h.Set("Referer", cfg.Fetch.Referer)
	}
	return h
}
