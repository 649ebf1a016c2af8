package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/austindbirch/session_relay/internal/config"
	"github.com/austindbirch/session_relay/internal/task"
)

func TestHTTPFetcher_PassesThroughAnyStatus(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		contentType string
	}{
		{name: "json ok", status: http.StatusOK, body: `{"foo":1}`, contentType: "application/json"},
		{name: "html ok", status: http.StatusOK, body: "<html></html>", contentType: "text/html"},
		{name: "not found still completes", status: http.StatusNotFound, body: "missing", contentType: "text/plain"},
		{name: "server error still completes", status: http.StatusInternalServerError, body: "", contentType: "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f, err := NewHTTPFetcher(HTTPOptions{})
			if err != nil {
				t.Fatalf("NewHTTPFetcher() error: %v", err)
			}

			res := f.Fetch(context.Background(), srv.URL+"/x")
			if !res.OK() {
				t.Fatalf("Fetch() failure = %v, want none", res.Failure)
			}
			if res.Status != tt.status {
				t.Errorf("Status = %d, want %d", res.Status, tt.status)
			}
			if string(res.Body) != tt.body {
				t.Errorf("Body = %q, want %q", res.Body, tt.body)
			}
			if res.ContentType != tt.contentType {
				t.Errorf("ContentType = %q, want %q", res.ContentType, tt.contentType)
			}
			if res.URL != srv.URL+"/x" {
				t.Errorf("URL = %q, want %q", res.URL, srv.URL+"/x")
			}
		})
	}
}

func TestHTTPFetcher_SendsSessionCookiesAndHeaders(t *testing.T) {
	var gotCookie, gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			gotCookie = c.Value
		}
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	cookies := fmt.Sprintf("# Netscape HTTP Cookie File\n%s\tFALSE\t/\tFALSE\t0\tsession\tabc123\n", u.Hostname())
	path := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(path, []byte(cookies), 0o600); err != nil {
		t.Fatalf("write cookies: %v", err)
	}

	f, err := NewHTTPFetcher(HTTPOptions{CookieFile: path, UserAgent: "Mozilla/5.0 test"})
	if err != nil {
		t.Fatalf("NewHTTPFetcher() error: %v", err)
	}
	res := f.Fetch(context.Background(), srv.URL)
	if !res.OK() {
		t.Fatalf("Fetch() failure = %v", res.Failure)
	}

	if gotCookie != "abc123" {
		t.Errorf("session cookie = %q, want abc123", gotCookie)
	}
	if gotUA != "Mozilla/5.0 test" {
		t.Errorf("User-Agent = %q, want Mozilla/5.0 test", gotUA)
	}
	if gotAccept != "*/*" {
		t.Errorf("Accept = %q, want */*", gotAccept)
	}
}

func TestHTTPFetcher_TransportFailuresAreSoft(t *testing.T) {
	// A listener that is closed immediately gives a refused port.
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL
	srv.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	tests := []struct {
		name    string
		url     string
		timeout time.Duration
		reason  string
	}{
		{name: "malformed url", url: "http://[::1", reason: "network"},
		{name: "unsupported scheme", url: "notaurl", reason: "network"},
		{name: "connection refused", url: deadURL, reason: "connection_refused"},
		{name: "timeout", url: slow.URL, timeout: 50 * time.Millisecond, reason: "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewHTTPFetcher(HTTPOptions{Timeout: tt.timeout})
			if err != nil {
				t.Fatalf("NewHTTPFetcher() error: %v", err)
			}

			res := f.Fetch(context.Background(), tt.url)
			if res.OK() {
				t.Fatal("Fetch() OK, want soft failure")
			}
			if res.URL != tt.url {
				t.Errorf("URL = %q, want %q", res.URL, tt.url)
			}
			if len(res.Body) != 0 {
				t.Errorf("Body = %q, want empty", res.Body)
			}
			if res.Failure.Stage != task.StageFetch {
				t.Errorf("Stage = %q, want fetch", res.Failure.Stage)
			}
			if res.Failure.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q (err=%v)", res.Failure.Reason, tt.reason, res.Failure.Err)
			}
		})
	}
}

func TestLoadCookies(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour).Unix()
	past := now.Add(-time.Hour).Unix()

	input := strings.Join([]string{
		"# Netscape HTTP Cookie File",
		"",
		fmt.Sprintf(".artstation.com\tTRUE\t/\tTRUE\t%d\tsession\ts1", future),
		fmt.Sprintf("#HttpOnly_www.artstation.com\tFALSE\t/\tTRUE\t%d\tcsrf\tc1", future),
		fmt.Sprintf("www.artstation.com\tFALSE\t/\tTRUE\t%d\told\tgone", past),
		"www.artstation.com\tFALSE\t/\tFALSE\t0\tvisitor\tv1",
	}, "\n")

	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	n, err := LoadCookies(jar, strings.NewReader(input), now)
	if err != nil {
		t.Fatalf("LoadCookies() error: %v", err)
	}
	if n != 3 {
		t.Errorf("LoadCookies() loaded %d cookies, want 3", n)
	}

	names := func(raw string) map[string]string {
		u, _ := url.Parse(raw)
		m := map[string]string{}
		for _, c := range jar.Cookies(u) {
			m[c.Name] = c.Value
		}
		return m
	}

	secure := names("https://www.artstation.com/users/x/projects.json")
	if secure["session"] != "s1" || secure["csrf"] != "c1" || secure["visitor"] != "v1" {
		t.Errorf("cookies for https://www = %v", secure)
	}
	if _, ok := secure["old"]; ok {
		t.Error("expired cookie was loaded")
	}

	sub := names("https://cdn.artstation.com/")
	if sub["session"] != "s1" {
		t.Errorf("domain cookie not sent to subdomain: %v", sub)
	}
	if _, ok := sub["csrf"]; ok {
		t.Error("host-only cookie leaked to subdomain")
	}
}

func TestLoadCookies_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "too few fields", input: "example.com\tFALSE\t/\n"},
		{name: "bad expiry", input: "example.com\tFALSE\t/\tFALSE\tsoon\tname\tvalue\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jar, _ := cookiejar.New(nil)
			if _, err := LoadCookies(jar, strings.NewReader(tt.input), time.Now()); err == nil {
				t.Error("LoadCookies() error = nil, want error")
			}
		})
	}
}

func TestNewHTTPFetcher_MissingCookieFile(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPOptions{CookieFile: filepath.Join(t.TempDir(), "nope.txt")})
	if err == nil {
		t.Error("NewHTTPFetcher() error = nil, want error for missing cookie file")
	}
}

func TestBrowserFetcher_Fetch(t *testing.T) {
	tests := []struct {
		name       string
		get        getFunc
		wantOK     bool
		wantStatus int
		wantBody   string
		wantType   string
	}{
		{
			name: "passes response through",
			get: func(url string, _ time.Duration) (browserResponse, error) {
				return browserResponse{status: 200, headers: map[string]string{"content-type": "application/json"}, body: []byte(`{"a":1}`)}, nil
			},
			wantOK:     true,
			wantStatus: 200,
			wantBody:   `{"a":1}`,
			wantType:   "application/json",
		},
		{
			name: "error status is not a failure",
			get: func(url string, _ time.Duration) (browserResponse, error) {
				return browserResponse{status: 403, body: []byte("denied")}, nil
			},
			wantOK:     true,
			wantStatus: 403,
			wantBody:   "denied",
		},
		{
			name: "transport error is soft",
			get: func(url string, _ time.Duration) (browserResponse, error) {
				return browserResponse{}, errors.New("net::ERR_CONNECTION_REFUSED")
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &BrowserFetcher{get: tt.get}
			res := f.Fetch(context.Background(), "https://www.artstation.com/albums.json")

			if res.OK() != tt.wantOK {
				t.Fatalf("OK() = %v, want %v (failure=%v)", res.OK(), tt.wantOK, res.Failure)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", res.Status, tt.wantStatus)
			}
			if string(res.Body) != tt.wantBody {
				t.Errorf("Body = %q, want %q", res.Body, tt.wantBody)
			}
			if res.ContentType != tt.wantType {
				t.Errorf("ContentType = %q, want %q", res.ContentType, tt.wantType)
			}
		})
	}
}

func TestBrowserFetcher_ContextCancelAbandonsRequest(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	f := &BrowserFetcher{get: func(url string, _ time.Duration) (browserResponse, error) {
		<-release
		return browserResponse{status: 200}, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.Fetch(ctx, "https://example.com/")
	if res.OK() {
		t.Fatal("Fetch() OK after cancel, want soft failure")
	}
	if !errors.Is(res.Failure, context.Canceled) {
		t.Errorf("Failure = %v, want context.Canceled", res.Failure)
	}
}

func TestBrowserFetcher_TimeoutFromDeadline(t *testing.T) {
	var got time.Duration
	f := &BrowserFetcher{
		timeout: time.Minute,
		get: func(url string, timeout time.Duration) (browserResponse, error) {
			got = timeout
			return browserResponse{status: 200}, nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.Fetch(ctx, "https://example.com/")

	if got <= 0 || got > 5*time.Second {
		t.Errorf("request timeout = %v, want (0, 5s]", got)
	}
}

func TestBrowserFetcher_Close(t *testing.T) {
	calls := 0
	f := &BrowserFetcher{
		get:     func(string, time.Duration) (browserResponse, error) { return browserResponse{}, nil },
		closeFn: func() error { calls++; return nil },
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("closeFn called %d times, want 1", calls)
	}
	if res := f.Fetch(context.Background(), "https://example.com/"); res.OK() {
		t.Error("Fetch() after Close() OK, want soft failure")
	}
}

func TestNewBrowserFetcher_RequiresProfile(t *testing.T) {
	if _, err := NewBrowserFetcher(BrowserOptions{}); err == nil {
		t.Error("NewBrowserFetcher() error = nil, want error without profile dir")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Agent
		wantErr bool
	}{
		{name: "default is http", cfg: config.Agent{}},
		{name: "explicit http", cfg: config.Agent{Fetcher: "http"}},
		{name: "unknown fetcher", cfg: config.Agent{Fetcher: "curl"}, wantErr: true},
		{name: "browser without profile", cfg: config.Agent{Fetcher: "browser"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, closer, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if _, ok := f.(*HTTPFetcher); !ok {
				t.Errorf("New() fetcher = %T, want *HTTPFetcher", f)
			}
			if err := closer.Close(); err != nil {
				t.Errorf("Close() error: %v", err)
			}
		})
	}
}

func TestFunc(t *testing.T) {
	var f Fetcher = Func(func(ctx context.Context, url string) task.FetchResult {
		return task.FetchResult{URL: url, Body: []byte("x")}
	})
	if got := f.Fetch(context.Background(), "http://x/a"); got.URL != "http://x/a" || string(got.Body) != "x" {
		t.Errorf("Func.Fetch() = %+v", got)
	}
}
