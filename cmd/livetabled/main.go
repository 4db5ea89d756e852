// Command livetabled is the server binary: it wires the config
// loader, a storage adapter, the change-capture and subscription
// layers, and the websocket session gateway into one running
// process, then serves until told to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/livetable/livetable/internal/cache"
	"github.com/livetable/livetable/internal/changefeed"
	"github.com/livetable/livetable/internal/config"
	"github.com/livetable/livetable/internal/logging"
	"github.com/livetable/livetable/internal/session"
	"github.com/livetable/livetable/internal/storage"
	"github.com/livetable/livetable/internal/storage/postgres"
	"github.com/livetable/livetable/internal/storage/sqlite"
	"github.com/livetable/livetable/internal/subscription"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML/env config file")
	flag.Parse()

	loader, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	cfg := loader.Current()

	log, err := logging.New(cfg.LogDevelopment, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := openAdapter(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open storage backend", zap.Error(err))
	}
	adapter = wrapCache(cfg, adapter, log)
	defer adapter.Close()

	capture := changefeed.New(adapter, log)
	subs := subscription.NewManager(capture, adapter, log)

	limits := session.Limits{
		MaxFrameBytes:   cfg.MaxFrameBytes,
		MaxFramesPerSec: cfg.MaxFramesPerSec,
		QueryTimeout:    cfg.QueryTimeout,
		SnapshotTimeout: cfg.SnapshotTimeout,
	}
	gateway := session.NewGateway(adapter, subs, log, limits)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeHTTP)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("backend", string(cfg.Backend)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func openAdapter(ctx context.Context, cfg config.Config, log *zap.Logger) (storage.Adapter, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return postgres.Open(ctx, postgres.Config{DSN: cfg.PostgresDSN, PoolSize: cfg.PostgresPool}, log)
	default:
		return sqlite.Open(cfg.SQLitePath, log)
	}
}

func wrapCache(cfg config.Config, adapter storage.Adapter, log *zap.Logger) storage.Adapter {
	opts := cache.Options{DefaultTTL: cfg.CacheTTL}

	var c cache.Cache
	switch cfg.CacheBackend {
	case config.CacheMemory:
		c = cache.NewMemoryCache(opts)
	case config.CacheRedis:
		rc, err := cache.NewRedisCache(cfg.CacheAddr, opts)
		if err != nil {
			log.Warn("cache: redis unavailable, continuing uncached", zap.Error(err))
			return adapter
		}
		c = rc
	case config.CacheBadger:
		bc, err := cache.NewBadgerCache(cfg.CacheAddr)
		if err != nil {
			log.Warn("cache: badger unavailable, continuing uncached", zap.Error(err))
			return adapter
		}
		c = bc
	default:
		return adapter
	}
	return cache.NewDecorator(adapter, c, opts, log)
}
