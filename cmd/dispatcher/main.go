package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_dispatch/internal/api"
	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/db"
	"github.com/austindbirch/harbor_dispatch/internal/dispatcher"
	"github.com/austindbirch/harbor_dispatch/internal/health"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/registry"
	"github.com/austindbirch/harbor_dispatch/internal/sender"
	"github.com/austindbirch/harbor_dispatch/internal/store"
	"github.com/austindbirch/harbor_dispatch/internal/sweeper"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
	"github.com/austindbirch/harbor_dispatch/internal/trigger"
)

const serviceName = "harbordispatch-dispatcher"

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	logger := logging.New(serviceName)

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Error("dispatcher service failed")
		shutdown()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.DB.MigrateOnBoot {
		changed, err := db.Migrate(ctx, cfg.DSN())
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Plain().WithField("changed", changed).Info("migrations applied")
	}

	// DB connect
	pool, err := db.ConnectWithRetry(ctx, cfg.DSN(), cfg.DB.ConnectRetries, logger)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	endpoints, closeRegistry, err := newRegistry(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	authenticator, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// DLQ producer and trigger publisher share one nsqd connection
	var (
		producer  *nsq.Producer
		publisher *trigger.Publisher
	)
	if cfg.NSQ.Enabled || cfg.NSQ.PublishDLQ {
		producer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer: %w", err)
		}
		defer producer.Stop()
		publisher = trigger.NewPublisher(producer, cfg.NSQ.TriggerTopic, cfg.NSQ.DLQTopic, logger)
	}

	opts := dispatcher.Options{
		Store:    store.NewPostgres(pool),
		Registry: endpoints,
		Sender:   sender.New(cfg.Dispatch.HTTPTimeout, cfg.Dispatch.UserAgent),
		Policy:   sender.URLPolicy{AllowInsecure: cfg.Dispatch.AllowInsecureTargets},
		Logger:   logger,

		SendTimeout:  cfg.Dispatch.HTTPTimeout,
		StoreTimeout: cfg.Dispatch.StoreTimeout,
	}
	if cfg.NSQ.PublishDLQ && publisher != nil {
		opts.DeadLetters = publisher
	}
	if opts.Policy.AllowInsecure {
		logger.Plain().Warn("outbound URL policy disabled")
	}
	disp := dispatcher.New(opts)

	// gRPC health
	checker := health.NewChecker(pool)
	go checker.Run(ctx, 10*time.Second)
	grpcSrv := health.NewGRPCServer(checker, authenticator.GRPCInterceptor())
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("dispatcher gRPC server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("dispatcher gRPC server failed")
		}
	}()

	// HTTP API
	router := api.NewRouter(api.Options{
		Dispatcher: disp,
		Auth:       authenticator,
		Health:     health.HTTPHandler(pool),
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:     logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// NSQ consumer
	var consumer *nsq.Consumer
	if cfg.NSQ.Enabled {
		consumer, err = startConsumer(cfg, disp, logger)
		if err != nil {
			return err
		}
		monitor := trigger.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, logger, cfg.NSQ.TriggerTopic, cfg.NSQ.DLQTopic)
		go monitor.Run(ctx, 15*time.Second)
	}

	// Periodic sweep
	var sw *sweeper.Sweeper
	if cfg.Sweep.Enabled {
		sw, err = sweeper.New(opts.Store, disp, cfg.Sweep, logger)
		if err != nil {
			return err
		}
		sw.Start(ctx)
	}

	logger.Plain().Info("dispatcher service started")

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Plain().WithError(err).Error("dispatcher HTTP server failed")
	}

	// Graceful stop
	logger.Plain().Info("Shutting down dispatcher service")
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	if sw != nil {
		sw.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Plain().Info("dispatcher service stopped")
	return err
}

// newRegistry resolves endpoints from Postgres, behind a Redis cache when REDIS_URL is set.
func newRegistry(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *logging.Logger) (registry.Registry, func(), error) {
	pg := registry.NewPostgres(pool)
	if cfg.Redis.URL == "" {
		return pg, func() {}, nil
	}
	client, err := registry.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis connect: %w", err)
	}
	return registry.NewCached(pg, client, cfg.Redis.EndpointTTL, logger), func() { _ = client.Close() }, nil
}

// newAuthenticator loads the JWT public key when one is configured.
func newAuthenticator(cfg config.Auth) (*auth.Authenticator, error) {
	if cfg.InternalSecret == "" && cfg.JWTPublicKeyPath == "" {
		return nil, errors.New("no caller authentication configured: set INTERNAL_SECRET or JWT_PUBLIC_KEY_PATH")
	}
	var validator *auth.JWTValidator
	if cfg.JWTPublicKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		validator, err = auth.NewJWTValidator(string(pemBytes), cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("jwt validator: %w", err)
		}
	}
	return auth.NewAuthenticator(cfg.InternalSecret, validator), nil
}

func nsqConsumerConfig(cfg config.NSQ) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.MaxInFlight
	conf.MaxAttempts = 0 // internal errors requeue until the delivery row settles
	return conf
}

func startConsumer(cfg config.Config, disp *dispatcher.Dispatcher, logger *logging.Logger) (*nsq.Consumer, error) {
	consumer, err := nsq.NewConsumer(cfg.NSQ.TriggerTopic, cfg.NSQ.DispatchChannel, nsqConsumerConfig(cfg.NSQ))
	if err != nil {
		return nil, fmt.Errorf("nsq consumer creation failed: %w", err)
	}
	consumer.AddConcurrentHandlers(
		trigger.NewHandler(disp, cfg.Dispatch.HTTPTimeout+5*time.Second, logger),
		max(cfg.NSQ.MaxInFlight, 1),
	)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		return nil, fmt.Errorf("connect to nsqd failed: %w", err)
	}
	if cfg.NSQ.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
			return nil, fmt.Errorf("connect to lookupd failed: %w", err)
		}
	}
	return consumer, nil
}
