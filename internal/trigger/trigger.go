// Package trigger starts dispatch loops on user confirmation.
package trigger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/austindbirch/session_relay/internal/dispatch"
	"github.com/austindbirch/session_relay/internal/logging"
)

// Prompt is shown before a loop is started.
const Prompt = "Make sure the queue service is running. Every pending task will be fetched with your session and sent back to it. Start?"

var ErrDeclined = errors.New("trigger declined")

// Confirmer asks the user whether to start a loop.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to a Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) { return f(ctx, prompt) }

// AutoConfirm accepts without asking.
var AutoConfirm Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

// PromptConfirmer writes the prompt to Out and reads a y/N answer from In.
// Anything but y or yes declines. In is read by a single goroutine, so an
// answer typed after a cancelled Confirm goes to the next one.
type PromptConfirmer struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	lines chan answer
}

type answer struct {
	line string
	err  error
}

// readLines feeds p.lines until In is exhausted, then closes it.
func (p *PromptConfirmer) readLines() {
	defer close(p.lines)
	r := bufio.NewReader(p.In)
	for {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			if !errors.Is(err, io.EOF) {
				p.lines <- answer{err: err}
			}
			return
		}
		p.lines <- answer{line: line}
		if err != nil {
			return
		}
	}
}

func (p *PromptConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	p.once.Do(func() {
		p.lines = make(chan answer)
		go p.readLines()
	})

	if p.Out != nil {
		if _, err := fmt.Fprintf(p.Out, "%s [y/N]: ", prompt); err != nil {
			return false, err
		}
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a, ok := <-p.lines:
		if !ok {
			return false, nil
		}
		if a.err != nil {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// Surface is the user-facing start control. Each accepted trigger starts one
// independent loop; triggering again starts another that races the first.
type Surface struct {
	Confirmer Confirmer
	NewLoop   func(id string) *dispatch.Loop
	Logger    *logging.Logger
}

// Instance is one running loop started by Trigger.
type Instance struct {
	ID   string
	Loop *dispatch.Loop

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when the loop has returned.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Err returns the loop's exit error once Done is closed.
func (i *Instance) Err() error {
	select {
	case <-i.done:
		return i.err
	default:
		return nil
	}
}

// Stop cancels the loop and waits for it to return.
func (i *Instance) Stop() {
	i.cancel()
	<-i.done
}

// Trigger asks for confirmation and, if given, starts a loop under ctx.
func (s *Surface) Trigger(ctx context.Context) (*Instance, error) {
	if s.NewLoop == nil {
		return nil, errors.New("trigger surface has no loop factory")
	}
	confirmer := s.Confirmer
	if confirmer == nil {
		confirmer = AutoConfirm
	}
	logger := s.Logger
	if logger == nil {
		logger = logging.New("session-relay-trigger")
	}

	ok, err := confirmer.Confirm(ctx, Prompt)
	if err != nil {
		return nil, fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		logger.WithContext(ctx).Info("trigger declined")
		return nil, ErrDeclined
	}

	id := uuid.NewString()
	loop := s.NewLoop(id)
	if loop == nil {
		return nil, errors.New("loop factory returned nil")
	}

	runCtx, cancel := context.WithCancel(ctx)
	inst := &Instance{
		ID:     loop.ID(),
		Loop:   loop,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(inst.done)
		defer cancel()
		inst.err = loop.Run(runCtx)
		entry := logger.WithContext(ctx).WithLoop(inst.ID)
		if inst.err != nil && !errors.Is(inst.err, context.Canceled) {
			entry.WithError(inst.err).Error("dispatch loop exited")
			return
		}
		entry.Info("dispatch loop exited")
	}()

	logger.WithContext(ctx).WithLoop(inst.ID).Info("dispatch loop triggered")
	return inst, nil
}
