package taskserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/session_relay/internal/auth"
	"github.com/austindbirch/session_relay/internal/health"
	"github.com/austindbirch/session_relay/internal/logging"
	"github.com/austindbirch/session_relay/internal/metrics"
	"github.com/austindbirch/session_relay/internal/task"
	"github.com/austindbirch/session_relay/internal/tracing"
)

const (
	DefaultSubmissionsTopic = "submissions"

	maxBodyBytes = 64 << 20
)

// Publisher forwards accepted submissions to a message bus; *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// SubmissionEvent is the message published for every accepted submission.
type SubmissionEvent struct {
	RequestURL   string            `json:"request_url"`
	Response     string            `json:"response"`
	Matched      bool              `json:"matched"`
	Waiters      int               `json:"waiters"`
	Subject      string            `json:"subject,omitempty"` // token subject of the submitting agent
	ReceivedAt   time.Time         `json:"received_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

type Option func(*Server)

func WithPublisher(p Publisher, topic string) Option {
	return func(s *Server) {
		s.publisher = p
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithValidator requires a valid bearer token on every /tasks route.
func WithValidator(v *auth.JWTValidator) Option {
	return func(s *Server) { s.validator = v }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthChecks adds named checks to /healthz.
func WithHealthChecks(checks map[string]health.Pinger) Option {
	return func(s *Server) { s.checks = checks }
}

type Server struct {
	store     Store
	waiters   *waiters
	publisher Publisher
	topic     string
	validator *auth.JWTValidator
	logger    *logging.Logger
	gatherer  prometheus.Gatherer
	checks    map[string]health.Pinger
}

func NewServer(store Store, opts ...Option) *Server {
	s := &Server{
		store:   store,
		waiters: newWaiters(),
		topic:   DefaultSubmissionsTopic,
		logger:  logging.New("session-relay-taskserver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Requester returns the blocking producer API bound to this server.
func (s *Server) Requester() *Requester {
	return &Requester{store: s.store, waiters: s.waiters}
}

// Router builds the HTTP API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(traceRequests)
	if s.validator != nil {
		r.Use(s.validator.HTTPMiddleware)
	}

	r.Get("/healthz", health.HTTPHandler(s.checks))
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	for _, p := range []string{"/tasks", "/tasks/"} {
		r.Get(p, s.handlePending)
		r.Post(p, s.handleEnqueue)
	}
	for _, p := range []string{"/tasks/submit", "/tasks/submit/"} {
		r.Post(p, s.handleSubmit)
	}
	return r
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	urls, err := s.store.Pending(r.Context())
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("list pending tasks failed")
		tracing.SetSpanError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "store unavailable"})
		return
	}
	if urls == nil {
		urls = []string{}
	}
	metrics.UpdatePendingTasks(len(urls))
	tracing.AddSpanEvent(r.Context(), "tasks.pending", attribute.Int("count", len(urls)))
	writeJSON(w, http.StatusOK, urls)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "url is required"})
		return
	}

	added, err := s.store.Add(r.Context(), req.URL)
	if err != nil {
		s.logger.WithContext(r.Context()).WithTask(req.URL).WithError(err).Error("enqueue failed")
		tracing.SetSpanError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "store unavailable"})
		return
	}
	if added {
		metrics.RecordTaskEnqueued()
	}
	s.logger.WithContext(r.Context()).WithTask(req.URL).WithField("added", added).Info("task enqueued")
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "added": added})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// Agents may send the JSON body without a Content-Type, so it is not checked.
	var sub task.Submission
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}
	if sub.RequestURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "request_url is required"})
		return
	}
	ctx := r.Context()
	log := s.logger.WithContext(ctx).WithTask(sub.RequestURL)
	subject, _ := auth.SubjectFromContext(ctx)
	if subject != "" {
		log = log.WithField("subject", subject)
	}

	matched, err := s.store.Remove(ctx, sub.RequestURL)
	if err != nil {
		log.WithError(err).Error("remove pending task failed")
		tracing.SetSpanError(ctx, err)
	}
	n := s.waiters.resolve(sub.RequestURL, sub.Response)
	metrics.RecordSubmissionAccepted(matched)
	tracing.AddSpanEvent(ctx, "tasks.submitted",
		attribute.Bool("matched", matched),
		attribute.Int("waiters", n),
	)

	if rec, ok := s.store.(SubmissionRecorder); ok {
		if err := rec.RecordSubmission(ctx, sub, matched); err != nil {
			log.WithError(err).Warn("record submission failed")
		}
	}

	if s.publisher != nil {
		s.publish(r, SubmissionEvent{
			RequestURL:   sub.RequestURL,
			Response:     sub.Response,
			Matched:      matched,
			Waiters:      n,
			Subject:      subject,
			ReceivedAt:   time.Now().UTC(),
			TraceHeaders: tracing.PropagateTraceToMap(ctx),
		})
	}

	log.WithFields(map[string]any{
		"matched":        matched,
		"waiters":        n,
		"response_bytes": len(sub.Response),
	}).Info("submission accepted")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) publish(r *http.Request, ev SubmissionEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		metrics.RecordSubmissionPublished("error")
		return
	}
	if err := s.publisher.Publish(s.topic, body); err != nil {
		metrics.RecordSubmissionPublished("error")
		s.logger.WithContext(r.Context()).WithTask(ev.RequestURL).WithError(err).Error("publish submission failed")
		tracing.SetSpanError(r.Context(), err)
		return
	}
	metrics.RecordSubmissionPublished("ok")
	tracing.AddSpanEvent(r.Context(), "nsq.published", attribute.String("topic", s.topic))
}

func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tracing.ExtractHTTP(r.Context(), r.Header)
		ctx, span := tracing.StartSpan(ctx, "taskserver "+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
