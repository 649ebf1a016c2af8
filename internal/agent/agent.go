// Package agent assembles the fetcher, queue client and trigger surface into
// the set of dispatch loops one process runs.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/austindbirch/session_relay/internal/config"
	"github.com/austindbirch/session_relay/internal/dispatch"
	"github.com/austindbirch/session_relay/internal/fetch"
	"github.com/austindbirch/session_relay/internal/logging"
	"github.com/austindbirch/session_relay/internal/queue"
	"github.com/austindbirch/session_relay/internal/trigger"
)

// ErrNoLoops is reported by Ping when no loop is running.
var ErrNoLoops = errors.New("no dispatch loop running")

type Option func(*Agent)

// WithFetcher replaces the fetcher that would be built from the config.
func WithFetcher(f fetch.Fetcher) Option {
	return func(a *Agent) { a.fetcher = f }
}

// WithQueue replaces the queue client built from the config.
func WithQueue(q dispatch.Queue) Option {
	return func(a *Agent) { a.queue = q }
}

func WithLogger(l *logging.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithObserver is handed to every loop the agent starts.
func WithObserver(fn func(dispatch.Transition)) Option {
	return func(a *Agent) { a.observer = fn }
}

type Agent struct {
	cfg       config.Agent
	confirmer trigger.Confirmer
	fetcher   fetch.Fetcher
	closer    io.Closer
	queue     dispatch.Queue
	logger    *logging.Logger
	observer  func(dispatch.Transition)

	mu        sync.Mutex
	instances []*trigger.Instance
}

// New builds an agent for cfg. confirmer gates the first trigger; nil
// confirms automatically.
func New(cfg config.Agent, confirmer trigger.Confirmer, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:       cfg,
		confirmer: confirmer,
		logger:    logging.New("session-relay-agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfg.Loops < 1 {
		a.cfg.Loops = 1
	}
	if a.fetcher == nil {
		f, closer, err := fetch.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("build fetcher: %w", err)
		}
		a.fetcher, a.closer = f, closer
	}
	if a.queue == nil {
		a.queue = queue.New(cfg.QueueURL, queue.Options{
			Token:         cfg.QueueToken,
			SubmitTimeout: cfg.SubmitTimeout,
		})
	}
	return a, nil
}

func (a *Agent) newLoop(id string) *dispatch.Loop {
	opts := []dispatch.Option{
		dispatch.WithID(id),
		dispatch.WithPollInterval(a.cfg.PollInterval),
		dispatch.WithPollFailureDelay(a.cfg.PollFailureDelay),
		dispatch.WithLogger(a.logger),
	}
	if a.observer != nil {
		opts = append(opts, dispatch.WithObserver(a.observer))
	}
	return dispatch.New(a.queue, a.fetcher, opts...)
}

// Start triggers cfg.Loops loop instances under ctx. Confirmation is asked
// once; the remaining instances start without asking again.
func (a *Agent) Start(ctx context.Context) error {
	surface := &trigger.Surface{
		Confirmer: a.confirmer,
		NewLoop:   a.newLoop,
		Logger:    a.logger,
	}
	for i := 0; i < a.cfg.Loops; i++ {
		inst, err := surface.Trigger(ctx)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.instances = append(a.instances, inst)
		a.mu.Unlock()
		surface.Confirmer = trigger.AutoConfirm
	}
	if a.cfg.Loops > 1 {
		a.logger.WithContext(ctx).WithField("loops", a.cfg.Loops).Warn("several loops share one queue and may fetch the same task")
	}
	return nil
}

// Wait blocks until every started loop has returned or ctx ends. Loop
// errors other than cancellation are joined.
func (a *Agent) Wait(ctx context.Context) error {
	a.mu.Lock()
	insts := append([]*trigger.Instance(nil), a.instances...)
	a.mu.Unlock()

	var errs []error
	for _, inst := range insts {
		select {
		case <-inst.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := inst.Err(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("loop %s: %w", inst.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Snapshots reports the state of every started loop.
func (a *Agent) Snapshots() []dispatch.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]dispatch.Snapshot, 0, len(a.instances))
	for _, inst := range a.instances {
		out = append(out, inst.Loop.Snapshot())
	}
	return out
}

// Ping succeeds while at least one loop is still running.
func (a *Agent) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, inst := range a.instances {
		select {
		case <-inst.Done():
		default:
			return nil
		}
	}
	return ErrNoLoops
}

// Close stops every loop and releases the fetcher.
func (a *Agent) Close() error {
	a.mu.Lock()
	insts := append([]*trigger.Instance(nil), a.instances...)
	a.mu.Unlock()
	for _, inst := range insts {
		inst.Stop()
	}
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
