package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/session_relay/internal/auth"
	"github.com/austindbirch/session_relay/internal/config"
	"github.com/austindbirch/session_relay/internal/db"
	"github.com/austindbirch/session_relay/internal/health"
	"github.com/austindbirch/session_relay/internal/logging"
	"github.com/austindbirch/session_relay/internal/metrics"
	"github.com/austindbirch/session_relay/internal/taskserver"
	"github.com/austindbirch/session_relay/internal/tracing"
)

const serviceName = "session-relay-taskserver"

// openStore returns the store selected by cfg.TaskServer.Store, the health
// checks it contributes and a function releasing it.
func openStore(ctx context.Context, cfg config.Config) (taskserver.Store, map[string]health.Pinger, func(), error) {
	switch cfg.TaskServer.Store {
	case "", "memory":
		return taskserver.NewMemoryStore(), nil, func() {}, nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return taskserver.NewPostgresStore(pool), map[string]health.Pinger{"postgres": pool}, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown TASK_STORE %q", cfg.TaskServer.Store)
	}
}

// loadValidator reads the token verification key; nil means auth is off.
func loadValidator(cfg config.Auth) (*auth.JWTValidator, error) {
	if cfg.PublicKeyFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key: %w", err)
	}
	return auth.NewJWTValidator(string(pem), cfg.Issuer, cfg.Audience)
}

func newHTTPServer(cfg config.TaskServer, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Port,
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func main() {
	cfg := config.FromEnv()
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(serviceName)
	ctx := context.Background()

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	store, checks, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("task store setup failed")
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	opts := []taskserver.Option{
		taskserver.WithLogger(logger),
		taskserver.WithGatherer(reg),
	}

	if cfg.NSQ.PublishSubmission {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer prod.Stop()
		opts = append(opts, taskserver.WithPublisher(prod, cfg.NSQ.SubmissionsTopic))
		if checks == nil {
			checks = map[string]health.Pinger{}
		}
		checks["nsqd"] = health.PingFunc(func(context.Context) error { return prod.Ping() })
	}
	opts = append(opts, taskserver.WithHealthChecks(checks))

	validator, err := loadValidator(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}
	if validator != nil {
		opts = append(opts, taskserver.WithValidator(validator))
	}

	srv := taskserver.NewServer(store, opts...)
	httpSrv := newHTTPServer(cfg.TaskServer, srv.Router())
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":    httpSrv.Addr,
			"store":   cfg.TaskServer.Store,
			"publish": cfg.NSQ.PublishSubmission,
			"auth":    validator != nil,
		}).Info("task server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("task server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down task server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("task server stopped")
}
