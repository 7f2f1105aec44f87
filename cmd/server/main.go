package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"codesync/server/internal/api"
	"codesync/server/internal/bus"
	"codesync/server/internal/config"
	"codesync/server/internal/router"
	"codesync/server/internal/sandbox"
	"codesync/server/internal/store"
)

const usage = `CodeSync sync server.

Usage:
  server [--env-file=<path>] [--port=<port>]
  server -h | --help

Options:
  -h --help          Show this screen.
  --env-file=<path>  Load environment from this file instead of .env.
  --port=<port>      Listen port, overrides PORT.
`

func main() {
	opts, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	envFile, _ := opts.String("--env-file")

	cfg, err := config.Load(envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if port, _ := opts.String("--port"); port != "" {
		cfg.Port = port
	}

	logger := newLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("backing store connection failed")
	}
	defer be.close()

	r := router.New(be.stores, be.bus, logger)
	if err := be.bus.Subscribe(ctx, r.HandleMessage); err != nil {
		logger.Fatal().Err(err).Msg("bus subscription failed")
	}

	executor := sandbox.New(sandbox.NodeConfig(cfg.SandboxCommand, cfg.SandboxTimeout), logger)
	handler := api.NewHandler(be.stores, be.checks, executor, logger)
	ws := router.NewWebsocketHandler(r, logger)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     api.NewRouter(logger, handler, ws, api.Options{AllowedOrigins: cfg.ClientURLs}),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("backend", cfg.StoreBackend).
			Msg("starting CodeSync server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	r.Shutdown(shutdownCtx)
	cancel()

	logger.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

// backend is the assembled set of stores and the bus for one process.
type backend struct {
	stores  store.Set
	bus     bus.Bus
	checks  map[string]store.Pinger
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	b := &backend{checks: make(map[string]store.Pinger)}

	if cfg.StoreBackend == config.BackendMemory {
		set, mem := store.MemorySet()
		b.stores = set
		b.bus = bus.NewMemoryHub().Attach()
		b.checks["memory"] = mem
		logger.Warn().Msg("using in-memory stores; state is local to this process")
		return b, nil
	}

	client, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rs := store.NewRedisStore(client, logger)
	rb := bus.NewRedisBus(client, logger)
	b.closers = append(b.closers, func() { rs.Close() }, func() { rb.Close() })
	b.bus = rb
	b.checks["redis"] = rs
	b.stores = store.Set{Documents: rs, Operations: rs, Sessions: rs, Chat: rs}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			b.close()
			return nil, err
		}
		b.stores.Documents, b.stores.Operations = pg, pg
		b.checks["postgres"] = pg
		logger.Info().Msg("connected to PostgreSQL")
	case config.BackendBolt:
		bs, err := store.OpenBoltStore(cfg.BoltPath, logger)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { bs.Close() })
		b.stores.Documents, b.stores.Operations = bs, bs
		b.checks["bolt"] = bs
		logger.Info().Str("path", cfg.BoltPath).Msg("opened bolt store")
	}
	return b, nil
}

// connectRedis retries the first ping with exponential backoff before giving up.
func connectRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.RedisURL != "" {
		var err error
		if opts, err = redis.ParseURL(cfg.RedisURL); err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
	} else {
		opts = &redis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	client := redis.NewClient(opts)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	err := backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("redis not reachable yet")
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("connected to Redis")
	return client, nil
}
