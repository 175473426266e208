package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/emergency-connect/internal/auth"
	"github.com/example/emergency-connect/internal/cache"
	"github.com/example/emergency-connect/internal/config"
	"github.com/example/emergency-connect/internal/coordinator"
	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/eta"
	"github.com/example/emergency-connect/internal/geo"
	httpapi "github.com/example/emergency-connect/internal/http"
	"github.com/example/emergency-connect/internal/ingest"
	"github.com/example/emergency-connect/internal/logging"
	"github.com/example/emergency-connect/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("emergency-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []func(context.Context) error
	deps := coordinator.Deps{Logger: logger}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, pg, logger); err != nil {
				return err
			}
		}
		deps.Store = pg
		checks = append(checks, pg.Ping)
		logger.Info("using postgres store")
	} else {
		deps.Store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		deps.Geo = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		if cfg.CacheBackend == config.CacheRedis {
			deps.Cache = cache.NewRedis(rc, "emergency")
		}
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	hub := dispatch.NewHub(dispatch.HubConfig{
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		SendBuffer:   cfg.WSSendBuffer,
	}, logger)
	events := dispatch.NewBroadcaster(logger)
	events.AddSink("websocket", hub)
	if cfg.WebhookURL != "" {
		events.AddSink("webhook", dispatch.NewWebhookSink(cfg.WebhookURL, cfg.WebhookKey))
	}
	if len(cfg.KafkaBrokers) > 0 {
		locations := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer locations.Close()
		deps.Locations = locations
		if cfg.KafkaEventsTopic != "" {
			evp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
			defer evp.Close()
			events.AddSink("kafka", evp)
		}
	}
	deps.Events = events

	estimator := &eta.Estimator{SpeedMps: cfg.AmbulanceSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}
	deps.ETA = estimator

	svc := coordinator.NewService(deps, coordinator.Config{
		RequestsTTL:      cfg.RequestsTTL,
		HospitalsTTL:     cfg.HospitalsTTL,
		BedsTTL:          cfg.BedsTTL,
		NearbyAmbulances: cfg.NearbyAmbulances,
	})
	ready := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var errs []error
		for _, check := range checks {
			errs = append(errs, check(ctx))
		}
		return errors.Join(errs...)
	}
	api := httpapi.NewServer(svc, auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer), hub, ready, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("emergency-connect listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func migrate(ctx context.Context, pg *storage.PostgresStore, logger *slog.Logger) error {
	name := "001_create_emergency.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return err
	}
	if _, err := pg.DB().ExecContext(ctx, string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", name)
	return nil
}
