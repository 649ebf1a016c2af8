// Package queue is the agent side of the queue service contract:
//
//	GET  {base}/tasks/         -> ["url", ...]
//	POST {base}/tasks/submit/  <- {"request_url": "...", "response": "..."}
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/session_relay/internal/task"
	"github.com/austindbirch/session_relay/internal/tracing"
)

const (
	PendingPath = "/tasks/"
	SubmitPath  = "/tasks/submit/"
)

// Version is reported in the User-Agent header.
var Version = "dev"

type Options struct {
	Token         string        // bearer token, sent when non-empty
	PollTimeout   time.Duration // 0 waits on the transport
	SubmitTimeout time.Duration // 0 waits on the transport
	HTTPClient    *http.Client
}

type Client struct {
	base          string
	token         string
	pollTimeout   time.Duration
	submitTimeout time.Duration
	http          *http.Client
}

// New returns a client for the queue service at baseURL.
func New(baseURL string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		base:          strings.TrimRight(baseURL, "/"),
		token:         opts.Token,
		pollTimeout:   opts.PollTimeout,
		submitTimeout: opts.SubmitTimeout,
		http:          hc,
	}
}

// BaseURL returns the service address the client talks to.
func (c *Client) BaseURL() string { return c.base }

// Pending asks for the current list of task URLs, in server order.
// A transport failure comes back as *task.SoftFailure; a body that is not a
// JSON array of strings comes back as *task.ProtocolError.
func (c *Client) Pending(ctx context.Context) ([]string, error) {
	if c.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.pollTimeout)
		defer cancel()
	}

	endpoint := c.base + PendingPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, task.NewSoftFailure(task.StagePoll, err, 0)
	}
	req.Header.Set("Accept", "application/json")
	c.decorate(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, task.NewSoftFailure(task.StagePoll, err, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, task.NewSoftFailure(task.StagePoll, err, resp.StatusCode)
	}

	var urls []string
	if err := json.Unmarshal(body, &urls); err != nil {
		return nil, &task.ProtocolError{Endpoint: endpoint, Body: string(body), Err: err}
	}
	if urls == nil {
		return nil, &task.ProtocolError{Endpoint: endpoint, Body: string(body), Err: fmt.Errorf("expected a JSON array (status %d)", resp.StatusCode)}
	}
	return urls, nil
}

// Submit posts one submission. Any HTTP response counts as delivered; the
// status and body are drained and ignored.
func (c *Client) Submit(ctx context.Context, s task.Submission) *task.SoftFailure {
	if c.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.submitTimeout)
		defer cancel()
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return task.NewSoftFailure(task.StageSubmit, err, 0)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+SubmitPath, bytes.NewReader(payload))
	if err != nil {
		return task.NewSoftFailure(task.StageSubmit, err, 0)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return task.NewSoftFailure(task.StageSubmit, err, 0)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return nil
}

// Enqueue adds a URL to the pending list. Not used by the agent loop; the
// CLI uses it to feed a local task server.
func (c *Client) Enqueue(ctx context.Context, url string) error {
	payload, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+PendingPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("enqueue %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (c *Client) decorate(ctx context.Context, req *http.Request) {
	req.Header.Set("User-Agent", "session-relay-agent/"+Version)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	tracing.InjectHTTP(ctx, req.Header)
}
