// Package dispatch runs the pull-fetch-submit cycle against the queue service.
//
// A Loop holds at most one task at a time. It polls for pending URLs, fetches
// the first one with the user's session, submits the result, and polls again.
// Transport failures are absorbed as task.SoftFailure values; only a malformed
// queue response or the end of its context stops it.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/session_relay/internal/fetch"
	"github.com/austindbirch/session_relay/internal/logging"
	"github.com/austindbirch/session_relay/internal/metrics"
	"github.com/austindbirch/session_relay/internal/task"
	"github.com/austindbirch/session_relay/internal/tracing"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePolling    Phase = "polling"
	PhaseFetching   Phase = "fetching"
	PhaseSubmitting Phase = "submitting"
	PhaseStopped    Phase = "stopped"
)

// DefaultPollFailureDelay is the pause after a poll that failed in transport.
// An unreachable queue service is retried immediately, like an empty poll.
const DefaultPollFailureDelay time.Duration = 0

var ErrAlreadyStarted = errors.New("dispatch loop already started")

// Queue is the part of the queue service a Loop talks to.
type Queue interface {
	Pending(ctx context.Context) ([]string, error)
	Submit(ctx context.Context, s task.Submission) *task.SoftFailure
}

// Transition is reported to the observer on every phase change.
type Transition struct {
	LoopID string
	From   Phase
	To     Phase
	Task   *task.Task // in-flight task after the change, nil while polling
}

// Snapshot is a point-in-time copy of a Loop's state.
type Snapshot struct {
	ID       string     `json:"id" yaml:"id"`
	Phase    Phase      `json:"phase" yaml:"phase"`
	InFlight *task.Task `json:"in_flight,omitempty" yaml:"in_flight,omitempty"`
	Cycles   int64      `json:"cycles" yaml:"cycles"`
}

type Option func(*Loop)

// WithPollInterval sets the wait after an empty poll. 0 re-polls immediately.
func WithPollInterval(d time.Duration) Option {
	return func(l *Loop) { l.pollInterval = d }
}

// WithPollFailureDelay sets the wait after a poll that failed in transport.
// 0 retries immediately.
func WithPollFailureDelay(d time.Duration) Option {
	return func(l *Loop) { l.failureDelay = d }
}

func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithObserver registers fn to be called synchronously on each phase change.
func WithObserver(fn func(Transition)) Option {
	return func(l *Loop) { l.observer = fn }
}

func WithID(id string) Option {
	return func(l *Loop) { l.id = id }
}

type Loop struct {
	queue        Queue
	fetcher      fetch.Fetcher
	pollInterval time.Duration
	failureDelay time.Duration
	logger       *logging.Logger
	observer     func(Transition)
	id           string

	mu       sync.Mutex
	started  bool
	phase    Phase
	inflight *task.Task
	cycles   int64
}

func New(q Queue, f fetch.Fetcher, opts ...Option) *Loop {
	l := &Loop{
		queue:        q,
		fetcher:      f,
		failureDelay: DefaultPollFailureDelay,
		logger:       logging.New("session-relay-agent"),
		phase:        PhaseIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.id == "" {
		l.id = uuid.NewString()
	}
	return l
}

func (l *Loop) ID() string { return l.id }

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{ID: l.id, Phase: l.phase, Cycles: l.cycles}
	if l.inflight != nil {
		t := *l.inflight
		s.InFlight = &t
	}
	return s
}

// Run drives the loop until ctx ends or the queue answers with something
// that is not a task list. A task in flight when ctx ends is abandoned
// without being submitted. Run may be called once per Loop.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.mu.Unlock()

	log := l.logger.WithContext(ctx).WithLoop(l.id)
	log.WithField("poll_interval", l.pollInterval.String()).Info("dispatch loop started")
	defer l.setPhase(PhaseStopped, nil)

	l.setPhase(PhasePolling, nil)
	for {
		if err := ctx.Err(); err != nil {
			log.Info("dispatch loop stopped")
			return err
		}

		next, pending, err := l.poll(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			log.Info("dispatch loop stopped")
			return ctx.Err()
		case err != nil:
			log.WithError(err).Error("dispatch loop halted on malformed queue response")
			return err
		case next == nil:
			if err := l.wait(ctx, l.pollInterval); err != nil {
				log.Info("dispatch loop stopped")
				return err
			}
			continue
		}

		l.cycle(ctx, *next, pending)
	}
}

// poll returns the first pending task, or nil when there is nothing to do.
// Only a *task.ProtocolError (or ctx ending) is returned as an error.
func (l *Loop) poll(ctx context.Context) (*task.Task, int, error) {
	urls, err := l.queue.Pending(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if task.IsProtocolError(err) {
			metrics.RecordPoll("protocol_error")
			return nil, 0, err
		}
		var sf *task.SoftFailure
		if !errors.As(err, &sf) {
			sf = task.NewSoftFailure(task.StagePoll, err, 0)
		}
		metrics.RecordPoll("soft_failure")
		l.softFailure(ctx, "", sf)
		if err := l.wait(ctx, l.failureDelay); err != nil {
			return nil, 0, err
		}
		return nil, 0, nil
	}

	if len(urls) == 0 {
		metrics.RecordPoll("empty")
		return nil, 0, nil
	}
	metrics.RecordPoll("task")
	if len(urls) > 1 {
		l.logger.WithContext(ctx).WithLoop(l.id).WithTask(urls[0]).
			WithField("discarded", len(urls)-1).Debug("acting on first pending task only")
	}
	return &task.Task{URL: urls[0]}, len(urls), nil
}

// cycle fetches t and submits the result. Failures at either step are
// absorbed; the cycle always ends back in PhasePolling unless ctx ended.
func (l *Loop) cycle(ctx context.Context, t task.Task, pending int) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "dispatch.cycle",
		attribute.String("loop_id", l.id),
		attribute.String("task_url", t.URL),
	)
	defer span.End()
	tracing.AddSpanEvent(ctx, "queue.poll", attribute.Int("pending", pending))

	l.setPhase(PhaseFetching, &t)
	tracing.AddSpanEvent(ctx, "fetch.start")
	res := l.fetcher.Fetch(ctx, t.URL)
	if ctx.Err() != nil {
		l.logger.WithContext(ctx).WithLoop(l.id).WithTask(t.URL).Info("task abandoned")
		return
	}
	if res.Failure != nil {
		metrics.RecordFetch("soft_failure")
		l.softFailure(ctx, t.URL, res.Failure)
	} else {
		metrics.RecordFetch("ok")
		span.SetAttributes(
			attribute.Int("http.status_code", res.Status),
			attribute.Int("fetch.bytes", len(res.Body)),
		)
	}

	l.setPhase(PhaseSubmitting, &t)
	tracing.AddSpanEvent(ctx, "queue.submit")
	sf := l.queue.Submit(ctx, task.NewSubmission(t, res))
	if ctx.Err() != nil {
		l.logger.WithContext(ctx).WithLoop(l.id).WithTask(t.URL).Info("task abandoned")
		return
	}
	if sf != nil {
		metrics.RecordSubmission("soft_failure", time.Since(start))
		l.softFailure(ctx, t.URL, sf)
	} else {
		metrics.RecordSubmission("ok", time.Since(start))
	}

	l.mu.Lock()
	l.cycles++
	l.mu.Unlock()

	l.logger.WithContext(ctx).WithLoop(l.id).WithTask(t.URL).WithFields(map[string]any{
		"status":     res.Status,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("task submitted")
	l.setPhase(PhasePolling, nil)
}

func (l *Loop) softFailure(ctx context.Context, url string, sf *task.SoftFailure) {
	metrics.RecordSoftFailure(string(sf.Stage), sf.Reason)
	tracing.AddSpanEvent(ctx, "soft_failure",
		attribute.String("stage", string(sf.Stage)),
		attribute.String("reason", sf.Reason),
	)
	entry := l.logger.WithContext(ctx).WithLoop(l.id).WithStage(string(sf.Stage)).
		WithField("reason", sf.Reason).WithError(sf.Err)
	if url != "" {
		entry = entry.WithTask(url)
	}
	if sf.Status != 0 {
		entry = entry.WithField("status", sf.Status)
	}
	entry.Warn("soft failure absorbed")
}

func (l *Loop) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Loop) setPhase(p Phase, t *task.Task) {
	l.mu.Lock()
	from := l.phase
	l.phase = p
	l.inflight = t
	l.mu.Unlock()

	if from == p {
		return
	}
	metrics.SetLoopPhase(l.id, string(p))
	if l.observer != nil {
		var cp *task.Task
		if t != nil {
			c := *t
			cp = &c
		}
		l.observer(Transition{LoopID: l.id, From: from, To: p, Task: cp})
	}
}
