package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close", zap.Error(err))
			}
		}
	}()

	var store storage.RideStore
	var locations storage.LocationRepository
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			if err := applyMigrations(ctx, pg, cfg.MigrationsDir, logger); err != nil {
				return err
			}
		}
		store, locations = pg, pg
	} else {
		mem := storage.NewMemoryStore()
		store, locations = mem, mem
		logger.Warn("PG_DSN not set; using the in-memory store")
	}
	if cfg.RedisAddr != "" {
		rl := storage.NewRedisLocationStoreFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisIndexKey)
		if err := rl.Client().Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		closers = append(closers, rl.Client().Close)
		locations = rl
	}

	ws := dispatch.NewWSRegistry(logger)
	publishers := dispatch.Fanout{ws}
	notifiers := dispatch.Notifiers{&dispatch.LogNotifier{Logger: logger}}
	if cfg.FCMEndpoint != "" {
		notifiers = append(notifiers, dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey))
	}

	coord := &rides.Coordinator{
		Store:     store,
		Locations: locations,
		Matcher: &matcher.Service{
			Locations: locations,
			Ratings:   store,
			RadiusKm:  cfg.MatcherRadiusKm,
			TopN:      cfg.MatcherTopN,
			Logger:    logger.Named("matcher"),
		},
		Pricing:    pricing.NewEngine(models.GeoPoint{Lat: cfg.DistrictLat, Lon: cfg.DistrictLon}),
		ETA:        &eta.Estimator{SpeedKmh: eta.DefaultSpeedKmh, Cache: eta.NewCache(cfg.ETACacheTTL)},
		Notifier:   notifiers,
		Logger:     logger.Named("rides"),
		RequestTTL: cfg.RequestTTL,
		Currency:   cfg.StripeCurrency,
	}
	if len(cfg.KafkaBrokers) > 0 {
		locProducer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		events := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, locProducer.Close, events.Close)
		coord.LocationEvents = locProducer
		publishers = append(publishers, events)
	}
	coord.Publisher = publishers
	if cfg.StripeKey != "" {
		coord.Payments = payments.NewStripeClient(cfg.StripeKey)
	}
	closers = append(closers, func() error { coord.Wait(); return nil })

	go coord.Run(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, ws, logger.Named("http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", zap.String("addr", cfg.HTTPAddr))
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

// applyMigrations executes every .sql file in dir in name order.
func applyMigrations(ctx context.Context, pg *storage.PostgresStore, dir string, logger *zap.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		start := time.Now()
		if _, err := pg.DB().ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		logger.Info("migration applied", zap.String("file", filepath.Base(f)), zap.Duration("took", time.Since(start)))
	}
	return nil
}
