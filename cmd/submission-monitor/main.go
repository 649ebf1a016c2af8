package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/session_relay/internal/config"
	"github.com/austindbirch/session_relay/internal/logging"
	"github.com/austindbirch/session_relay/internal/taskserver"
	"github.com/austindbirch/session_relay/internal/tracing"
)

const serviceName = "session-relay-submission-monitor"

// NSQStats is the part of nsqd's /stats?format=json the monitor reads.
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

type monitor struct {
	topic   string
	channel string
	logger  *logging.Logger

	seen          *prometheus.CounterVec
	undecodable   prometheus.Counter
	responseBytes prometheus.Histogram
	lastSeen      prometheus.Gauge
	backlog       prometheus.Gauge
}

func newMonitor(topic, channel string, logger *logging.Logger) *monitor {
	return &monitor{
		topic:   topic,
		channel: channel,
		logger:  logger,
		seen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_relay_submissions_seen_total",
			Help: "Submissions read from the bus, by whether they matched a pending task",
		}, []string{"matched"}),
		undecodable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_relay_submissions_undecodable_total",
			Help: "Messages on the submissions topic that were not submission events",
		}),
		responseBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_relay_submission_response_bytes",
			Help:    "Size of the serialized response carried by each submission",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		lastSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_relay_submission_last_seen_timestamp_seconds",
			Help: "Unix time the last submission was received by the task server",
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_relay_submissions_backlog",
			Help: "Messages waiting on the monitor channel of the submissions topic",
		}),
	}
}

func (m *monitor) register(reg prometheus.Registerer) {
	reg.MustRegister(m.seen, m.undecodable, m.responseBytes, m.lastSeen, m.backlog)
}

// HandleMessage consumes one submission event. Bad payloads are counted and
// finished so they are not redelivered.
func (m *monitor) HandleMessage(msg *nsq.Message) error {
	var ev taskserver.SubmissionEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		m.undecodable.Inc()
		m.logger.Plain().WithError(err).Error("bad submission payload")
		return nil
	}

	ctx := tracing.ExtractTraceFromMap(context.Background(), ev.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "monitor.submission",
		attribute.String("request_url", ev.RequestURL),
		attribute.Bool("matched", ev.Matched),
	)
	defer span.End()

	m.seen.WithLabelValues(fmt.Sprint(ev.Matched)).Inc()
	m.responseBytes.Observe(float64(len(ev.Response)))
	if !ev.ReceivedAt.IsZero() {
		m.lastSeen.Set(float64(ev.ReceivedAt.Unix()))
	}

	entry := m.logger.WithContext(ctx).WithTask(ev.RequestURL).WithFields(map[string]any{
		"matched":        ev.Matched,
		"waiters":        ev.Waiters,
		"response_bytes": len(ev.Response),
		"attempts":       msg.Attempts,
	})
	if !ev.Matched {
		entry.Warn("submission for a task that was not pending")
		return nil
	}
	entry.Info("submission observed")
	return nil
}

// updateBacklog reads nsqd stats and sets the backlog gauge for the monitor channel.
func (m *monitor) updateBacklog(ctx context.Context, client *http.Client, nsqdHTTP string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nsqdHTTP+"/stats?format=json", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats: status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == m.channel {
				m.backlog.Set(float64(ch.Depth))
			}
		}
	}
	return nil
}

func (m *monitor) collectBacklog(ctx context.Context, nsqdHTTP string, interval time.Duration) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.updateBacklog(ctx, client, nsqdHTTP); err != nil {
				m.logger.Plain().WithError(err).Warn("backlog update failed")
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	cfg := config.FromEnv()
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	mon := newMonitor(cfg.NSQ.SubmissionsTopic, cfg.NSQ.MonitorChannel, logger)
	reg := prometheus.NewRegistry()
	mon.register(reg)

	interval, err := time.ParseDuration(getEnv("BACKLOG_POLL_INTERVAL", "15s"))
	if err != nil || interval <= 0 {
		interval = 15 * time.Second
	}
	go mon.collectBacklog(ctx, getEnv("NSQD_HTTP_ADDR", "http://localhost:4151"), interval)

	consumer, err := nsq.NewConsumer(cfg.NSQ.SubmissionsTopic, cfg.NSQ.MonitorChannel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(mon)
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("nsq lookupd connect failed")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if consumer.Stats().Connections == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "no nsqd connections")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	httpSrv := &http.Server{Addr: ":" + getEnv("PORT", "8084"), Handler: mux}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":    httpSrv.Addr,
			"topic":   cfg.NSQ.SubmissionsTopic,
			"channel": cfg.NSQ.MonitorChannel,
		}).Info("submission monitor starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("monitor HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down submission monitor")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
