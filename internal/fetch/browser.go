package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/austindbirch/session_relay/internal/task"
)

// BrowserOptions configures a BrowserFetcher.
type BrowserOptions struct {
	// ProfileDir is the persistent user-data directory holding the logged-in session
	ProfileDir string

	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Channel selects an installed browser (chrome, msedge); empty uses bundled chromium
	Channel string

	// UserAgent overrides the profile's user agent when set
	UserAgent string

	// Timeout bounds each request; 0 disables the playwright default
	Timeout time.Duration
}

// browserResponse is the part of a playwright response the fetcher needs.
type browserResponse struct {
	status  int
	headers map[string]string
	body    []byte
}

// getFunc issues one GET inside the browser context.
type getFunc func(url string, timeout time.Duration) (browserResponse, error)

// BrowserFetcher sends requests through a real browser profile, so cookies and
// auth state of that profile ride along exactly as they would in a tab.
type BrowserFetcher struct {
	get getFunc

	mu      sync.Mutex
	closed  bool
	timeout time.Duration
	closeFn func() error
}

// NewBrowserFetcher starts playwright and opens the persistent profile.
func NewBrowserFetcher(opts BrowserOptions) (*BrowserFetcher, error) {
	if opts.ProfileDir == "" {
		return nil, errors.New("browser profile directory is required")
	}

	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
	}
	if opts.Channel != "" {
		launchOpts.Channel = playwright.String(opts.Channel)
	}
	if opts.UserAgent != "" {
		launchOpts.UserAgent = playwright.String(opts.UserAgent)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(opts.ProfileDir, launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to open browser profile %s: %w", opts.ProfileDir, err)
	}

	request := bctx.Request()
	get := func(url string, timeout time.Duration) (browserResponse, error) {
		getOpts := playwright.APIRequestContextGetOptions{
			FailOnStatusCode: playwright.Bool(false),
			Timeout:          playwright.Float(float64(timeout.Milliseconds())),
		}
		resp, err := request.Get(url, getOpts)
		if err != nil {
			return browserResponse{}, err
		}
		defer resp.Dispose()

		body, err := resp.Body()
		return browserResponse{
			status:  resp.Status(),
			headers: resp.Headers(),
			body:    body,
		}, err
	}

	return &BrowserFetcher{
		get:     get,
		timeout: opts.Timeout,
		closeFn: func() error {
			ctxErr := bctx.Close()
			if err := pw.Stop(); err != nil {
				return fmt.Errorf("failed to stop playwright: %w", err)
			}
			return ctxErr
		},
	}, nil
}

// Fetch runs the GET in the browser context. If ctx ends first the request is
// abandoned and a soft failure is returned.
func (f *BrowserFetcher) Fetch(ctx context.Context, url string) task.FetchResult {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return failed(url, errors.New("browser fetcher closed"), 0)
	}

	timeout := f.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout == 0 || left < timeout {
			timeout = left
		}
	}

	type outcome struct {
		resp browserResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := f.get(url, timeout)
		done <- outcome{resp, err}
	}()

	select {
	case <-ctx.Done():
		return failed(url, ctx.Err(), 0)
	case o := <-done:
		res := task.FetchResult{
			URL:         url,
			Body:        o.resp.body,
			Status:      o.resp.status,
			ContentType: o.resp.headers["content-type"],
		}
		if o.err != nil {
			res.Failure = task.NewSoftFailure(task.StageFetch, o.err, o.resp.status)
		}
		return res
	}
}

// Close shuts the browser profile and playwright down. Safe to call twice.
func (f *BrowserFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.closeFn == nil {
		return nil
	}
	return f.closeFn()
}
