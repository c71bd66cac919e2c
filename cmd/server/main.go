package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sinhamajestic/3device-app/internal/config"
	"github.com/sinhamajestic/3device-app/internal/db"
	"github.com/sinhamajestic/3device-app/internal/health"
	"github.com/sinhamajestic/3device-app/internal/security"
	"github.com/sinhamajestic/3device-app/internal/server"
	sessionhandler "github.com/sinhamajestic/3device-app/internal/session/handler"
	"github.com/sinhamajestic/3device-app/internal/session/repository"
	"github.com/sinhamajestic/3device-app/internal/session/service"
	"github.com/sinhamajestic/3device-app/internal/telemetry"
	"github.com/sinhamajestic/3device-app/internal/telemetry/loki"
	telemetryotel "github.com/sinhamajestic/3device-app/internal/telemetry/otel"
	"github.com/sinhamajestic/3device-app/internal/telemetry/producer"
)

const (
	shutdownTimeout = 15 * time.Second
	requestTimeout  = 30 * time.Second
	healthInterval  = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer shutdown(logger, "telemetry providers", providers.Shutdown)

	events, closeEvents := newEventEmitter(cfg, providers, logger)
	defer closeEvents()

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer closeStore()

	ctrl, err := service.NewController(repo, cfg.MaxSessions, logger, events)
	if err != nil {
		return err
	}

	keys, closeKeys, err := newKeySource(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	defer closeKeys()
	verifier := security.NewVerifier(keys, cfg.Issuer(), cfg.Audience())

	checker := health.NewChecker(ctrl, logger)
	go checker.Run(ctx, healthInterval)

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewRouter(server.Deps{
			Sessions:       sessionhandler.New(ctrl, cfg.PhoneNumberClaim, logger),
			Verifier:       verifier,
			Health:         checker,
			AllowedOrigins: cfg.AllowedOrigins(),
			RequestTimeout: requestTimeout,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Int("max_sessions", cfg.MaxSessions).Msg("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	grpcSrv := server.NewGRPCServer(checker, logger)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		go func() {
			logger.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC health server listening")
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("http shutdown")
	}
	grpcSrv.GracefulStop()
	logger.Info().Msg("servers stopped")
	return err
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(cfg.Env, "development") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

// newEventEmitter fans session events out to OTel logs and, when configured, Kafka and Loki.
// Delivery is asynchronous so a slow sink never holds up a login.
func newEventEmitter(cfg *config.Config, providers *telemetryotel.Providers, logger zerolog.Logger) (telemetry.EventEmitter, func()) {
	sinks := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}

	kafkaProducer := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SessionEventsTopic)
	if kafkaProducer != nil {
		sinks = append(sinks, kafkaProducer)
		logger.Info().Str("topic", kafkaProducer.Topic()).Msg("session events to kafka")
	}
	if lokiEmitter := loki.NewEmitter(cfg.LokiURL, nil); lokiEmitter != nil {
		sinks = append(sinks, lokiEmitter)
		logger.Info().Str("url", cfg.LokiURL).Msg("session events to loki")
	}

	async := telemetry.NewAsyncEmitter(telemetry.Fanout(sinks...), logger)
	return async, func() {
		shutdown(logger, "event emitter", async.Close)
		if err := kafkaProducer.Close(); err != nil {
			logger.Warn().Err(err).Msg("kafka producer close")
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository.Repository, func(), error) {
	driver := cfg.Driver()
	logger.Info().Str("driver", driver).Msg("opening session store")

	switch driver {
	case config.StoragePostgres:
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresRepository(sqlDB, cfg.SessionLockTimeout), func() { _ = sqlDB.Close() }, nil

	case config.StorageSQLite:
		sqlDB, err := db.OpenSQLite(cfg.SQLitePath, cfg.SessionLockTimeout)
		if err != nil {
			return nil, nil, err
		}
		repo, err := repository.NewSQLiteRepository(ctx, sqlDB)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return repo, func() { _ = sqlDB.Close() }, nil

	case config.StorageMongo:
		client, err := db.OpenMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		repo, err := repository.NewMongoRepository(ctx, client.Database(cfg.MongoDatabase), cfg.SessionLockTimeout)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		return repo, closeFn, nil

	case config.StorageMemory:
		logger.Warn().Msg("in-memory session store: sessions are lost on restart and limits hold for this process only")
		return repository.NewMemoryRepository(cfg.SessionLockTimeout), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// newKeySource prefers the JWKS endpoint and falls back to a static PEM key.
func newKeySource(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (security.KeySource, func(), error) {
	if url := cfg.JWKSEndpoint(); url != "" {
		cache := security.NewJWKSCache(url, cfg.JWKSRefreshTTL, nil, logger)
		if err := cache.Start(ctx); err != nil {
			logger.Warn().Err(err).Str("url", url).Msg("initial JWKS fetch failed; will retry")
		}
		return cache, cache.Close, nil
	}
	key, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("JWT_PUBLIC_KEY: %w", err)
	}
	return security.NewStaticKey(key), func() {}, nil
}

func shutdown(logger zerolog.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("component", what).Msg("shutdown")
	}
}
