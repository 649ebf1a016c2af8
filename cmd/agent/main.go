package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/session_relay/internal/agent"
	"github.com/austindbirch/session_relay/internal/config"
	"github.com/austindbirch/session_relay/internal/health"
	"github.com/austindbirch/session_relay/internal/logging"
	"github.com/austindbirch/session_relay/internal/metrics"
	"github.com/austindbirch/session_relay/internal/trigger"
	"github.com/austindbirch/session_relay/internal/tracing"
)

const serviceName = "session-relay-agent"

// confirmerFor returns the confirmation source the agent starts with.
func confirmerFor(cfg config.Agent) trigger.Confirmer {
	if cfg.Autostart {
		return trigger.AutoConfirm
	}
	return &trigger.PromptConfirmer{In: os.Stdin, Out: os.Stderr}
}

// sideHandler serves /healthz and /metrics next to the loops.
func sideHandler(reg prometheus.Gatherer, loops health.Pinger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(map[string]health.Pinger{"loops": loops}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func main() {
	cfg := config.FromEnv()
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(serviceName)

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	a, err := agent.New(cfg.Agent, confirmerFor(cfg.Agent), agent.WithLogger(logger))
	if err != nil {
		logger.Plain().WithError(err).Fatal("agent setup failed")
	}

	httpSrv := &http.Server{Addr: cfg.Agent.HTTPPort, Handler: sideHandler(reg, health.PingFunc(a.Ping))}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("agent HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("agent HTTP server failed")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"queue_url": cfg.Agent.QueueURL,
		"fetcher":   cfg.Agent.Fetcher,
		"loops":     cfg.Agent.Loops,
	}).Info("agent starting")

	exitCode := 0
	if err := a.Start(ctx); err != nil {
		if !errors.Is(err, trigger.ErrDeclined) {
			logger.Plain().WithError(err).Error("trigger failed")
			exitCode = 1
		}
	} else if err := a.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Plain().WithError(err).Error("dispatch loops exited")
		exitCode = 1
	}

	logger.Plain().Info("shutting down agent")
	if err := a.Close(); err != nil {
		logger.Plain().WithError(err).Warn("fetcher close failed")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if exitCode != 0 {
		stop()
		shutdown()
		os.Exit(exitCode)
	}
}
