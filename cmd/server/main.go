package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-relay/internal/config"
	"github.com/example/roadside-relay/internal/coordinator"
	"github.com/example/roadside-relay/internal/eta"
	httpapi "github.com/example/roadside-relay/internal/http"
	"github.com/example/roadside-relay/internal/ingest"
	"github.com/example/roadside-relay/internal/logging"
	"github.com/example/roadside-relay/internal/relay"
	"github.com/example/roadside-relay/internal/requests"
	"github.com/example/roadside-relay/internal/rooms"
	"github.com/example/roadside-relay/internal/session"
	"github.com/example/roadside-relay/internal/storage"
)

const migrationFile = "001_create_participant_sessions.sql"

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()
	checks := map[string]httpapi.Check{}

	// env-driven wiring with in-memory fallbacks
	var statusStore coordinator.StatusStore
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		statusStore = coordinator.NewRedisStatusStore(rc, cfg.RedisStatusTTL)
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		closers = append(closers, rc.Close)
	} else {
		mem := coordinator.NewMemoryStatusStore(cfg.StatusTTL)
		statusStore = mem
		go pruneStatuses(ctx, mem, logger)
	}

	var lookup coordinator.RequestLookup
	if cfg.MongoURI != "" {
		client, ml, err := requests.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return err
		}
		lookup = ml
		checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		closers = append(closers, func() error { return client.Disconnect(context.Background()) })
	} else if cfg.VerifyCompletion {
		logger.Warn("VERIFY_COMPLETION set without MONGO_URI, completions are not verified")
	}

	var (
		locationSink relay.EventSink
		statusSink   coordinator.EventSink
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		locationSink, statusSink = kp, kp
		closers = append(closers, kp.Close)
	}

	sessions, err := openSessionStore(ctx, cfg, logger, checks, &closers)
	if err != nil {
		return err
	}

	reg := rooms.NewRegistry()
	coord := coordinator.New(reg, coordinator.Options{
		Store:            statusStore,
		Lookup:           lookup,
		Sink:             statusSink,
		VerifyCompletion: cfg.VerifyCompletion,
	}, logger)

	var router eta.Router
	if cfg.OSRMEndpoint != "" {
		router = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	api := httpapi.NewServer(httpapi.Options{
		Registry:    reg,
		Relay:       relay.New(reg, locationSink, logger),
		Coordinator: coord,
		Sessions:    sessions,
		ETA:         eta.NewEstimator(router, eta.NewCache(cfg.ETACacheTTL), cfg.ETASpeedMps, logger),
		Socket: httpapi.SocketConfig{
			PingPeriod:      cfg.WSPingPeriod,
			PongWait:        cfg.WSPongWait,
			WriteWait:       cfg.WSWriteWait,
			MaxMessageBytes: cfg.WSMaxMessageBytes,
			SendBuffer:      cfg.WSSendBuffer,
			AllowedOrigins:  cfg.WSAllowedOrigins,
		},
		Checks:             checks,
		ReplayLastLocation: cfg.ReplayLastLocation,
	}, logger)

	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTriggerTopic != "" {
		tr := ingest.NewTriggerReader(cfg.KafkaBrokers, cfg.KafkaTriggerTopic, cfg.KafkaGroup, coord, logger)
		go func() {
			if err := tr.Run(ctx); err != nil {
				logger.Error("trigger reader stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	srv.RegisterOnShutdown(api.CloseConnections)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("roadside-relay listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openSessionStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, checks map[string]httpapi.Check, closers *[]func() error) (session.Store, error) {
	switch {
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, ps.Close)
		checks["postgres"] = ps.Ping
		if cfg.RunMigrations {
			b, err := os.ReadFile(filepath.Join("migrations", migrationFile))
			if err != nil {
				return nil, fmt.Errorf("read migration: %w", err)
			}
			if err := ps.Migrate(ctx, string(b)); err != nil {
				return nil, err
			}
			logger.Info("migration applied", "file", migrationFile)
		}
		return ps, nil
	case cfg.SQLitePath != "":
		ss, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, ss.Close)
		checks["sqlite"] = ss.Ping
		return ss, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func pruneStatuses(ctx context.Context, store *coordinator.MemoryStatusStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Prune(); n > 0 {
				logger.Debug("pruned expired statuses", "count", n)
			}
		}
	}
}
