package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/example/ride-booking/internal/backend"
	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/cache"
	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/events"
	httpapi "github.com/example/ride-booking/internal/http"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/session"
	"github.com/example/ride-booking/internal/storage"
	"github.com/example/ride-booking/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.NewLogger(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store cache.Store
	if cfg.RedisAddr != "" {
		rs := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CachePrefix)
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rs.Close()
		store = rs
	} else {
		store = cache.NewMemoryStore()
	}

	var flows storage.FlowStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, migrations.FS); err != nil {
				return err
			}
			log.Info("migrations applied")
		}
		flows = ps
	} else {
		flows = storage.NewMemoryStore()
	}

	locale, err := language.Parse(cfg.DisplayLocale)
	if err != nil {
		log.Warn("unknown display locale, using ru", zap.String("locale", cfg.DisplayLocale))
		locale = language.Russian
	}
	bcfg := booking.DefaultConfig()
	bcfg.CacheTTL = cfg.CacheTTL
	bcfg.MaxSeats = cfg.MaxSeatsPerRequest
	bcfg.Locale = locale
	if cfg.InstanceID != "" {
		bcfg.Source = cfg.InstanceID
	}

	reg := dispatch.NewWSRegistry(log)

	var pub events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		pub = kp
		sub := events.NewSubscriber(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, bcfg.Source, store, reg, log)
		go sub.Run(ctx)
	}

	client := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout, cfg.TokenRefreshSkew, log)
	svc := booking.NewService(client, store, flows, pub, reg, bcfg, log)

	api := httpapi.NewServer(svc, reg, log)
	if cfg.JWTSigningKey != "" {
		api.Verifier = session.HMACVerifier{Key: []byte(cfg.JWTSigningKey)}
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ride-booking listening", zap.String("addr", cfg.HTTPAddr), zap.String("instance", bcfg.Source))
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

	log.Info("shutting down")
	reg.Broadcast(dispatch.Notice{Type: "shutdown"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
