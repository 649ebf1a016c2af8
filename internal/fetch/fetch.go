// Package fetch retrieves task URLs with the user's authenticated session.
//
// A Fetcher never returns an error: whatever the transport produced is handed
// back as a task.FetchResult, with Failure set when the request did not complete.
// Status codes are recorded but not judged here.
package fetch

import (
	"context"
	"fmt"
	"io"

	"github.com/austindbirch/session_relay/internal/config"
	"github.com/austindbirch/session_relay/internal/task"
)

// Fetcher performs one session-authenticated GET.
type Fetcher interface {
	Fetch(ctx context.Context, url string) task.FetchResult
}

// Func adapts a plain function to a Fetcher.
type Func func(ctx context.Context, url string) task.FetchResult

func (f Func) Fetch(ctx context.Context, url string) task.FetchResult { return f(ctx, url) }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the fetcher selected by cfg.Fetcher. The returned closer releases
// browser resources and must be called on shutdown.
func New(cfg config.Agent) (Fetcher, io.Closer, error) {
	switch cfg.Fetcher {
	case "", "http":
		f, err := NewHTTPFetcher(HTTPOptions{
			CookieFile: cfg.CookieFile,
			UserAgent:  cfg.UserAgent,
			Timeout:    cfg.FetchTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return f, nopCloser{}, nil
	case "browser":
		f, err := NewBrowserFetcher(BrowserOptions{
			ProfileDir: cfg.BrowserProfileDir,
			Headless:   cfg.BrowserHeadless,
			Channel:    cfg.BrowserChannel,
			UserAgent:  cfg.UserAgent,
			Timeout:    cfg.FetchTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("unknown fetcher %q", cfg.Fetcher)
	}
}

func failed(url string, err error, status int) task.FetchResult {
	return task.FetchResult{
		URL:     url,
		Status:  status,
		Failure: task.NewSoftFailure(task.StageFetch, err, status),
	}
}
