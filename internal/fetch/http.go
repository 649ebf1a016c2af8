package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/austindbirch/session_relay/internal/task"
)

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	CookieFile string        // Netscape cookies.txt exported from the user's browser
	UserAgent  string        // should match the browser the cookies came from
	Header     http.Header   // extra headers sent with every request
	Timeout    time.Duration // 0 leaves timing to the transport
	Transport  http.RoundTripper
}

// HTTPFetcher replays the user's browser session from an exported cookie jar.
type HTTPFetcher struct {
	client  *http.Client
	header  http.Header
	timeout time.Duration
}

// NewHTTPFetcher creates a fetcher whose jar is seeded from opts.CookieFile.
func NewHTTPFetcher(opts HTTPOptions) (*HTTPFetcher, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	if opts.CookieFile != "" {
		f, err := os.Open(opts.CookieFile)
		if err != nil {
			return nil, fmt.Errorf("open cookie file: %w", err)
		}
		defer f.Close()
		if _, err := LoadCookies(jar, f, time.Now()); err != nil {
			return nil, fmt.Errorf("load cookie file %s: %w", opts.CookieFile, err)
		}
	}

	header := http.Header{}
	for k, vs := range opts.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "*/*")
	}
	if opts.UserAgent != "" {
		header.Set("User-Agent", opts.UserAgent)
	}

	return &HTTPFetcher{
		client:  &http.Client{Jar: jar, Transport: opts.Transport},
		header:  header,
		timeout: opts.Timeout,
	}, nil
}

// Fetch issues the GET and returns whatever came back.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) task.FetchResult {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return failed(rawURL, err, 0)
	}
	for k, vs := range f.header {
		req.Header[k] = append([]string(nil), vs...)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return failed(rawURL, err, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	res := task.FetchResult{
		URL:         rawURL,
		Body:        body,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if err != nil {
		// Keep the partial body; the caller submits whatever arrived.
		res.Failure = task.NewSoftFailure(task.StageFetch, err, resp.StatusCode)
	}
	return res
}

// LoadCookies parses a Netscape cookies.txt stream into jar and returns how
// many cookies were loaded. Expired cookies are skipped; expiry 0 is a session cookie.
func LoadCookies(jar http.CookieJar, r io.Reader, now time.Time) (int, error) {
	byOrigin := make(map[string][]*http.Cookie)
	var origins []string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		httpOnly := false
		if strings.HasPrefix(line, "#HttpOnly_") {
			line = strings.TrimPrefix(line, "#HttpOnly_")
			httpOnly = true
		}
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) != 7 {
			return 0, fmt.Errorf("line %d: want 7 tab-separated fields, got %d", lineNo, len(parts))
		}
		domain, includeSub, path, secure, expiry, name, value := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], parts[6]

		exp, err := strconv.ParseInt(expiry, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("line %d: bad expiry %q", lineNo, expiry)
		}
		c := &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     path,
			Secure:   strings.EqualFold(secure, "TRUE"),
			HttpOnly: httpOnly,
		}
		if exp > 0 {
			c.Expires = time.Unix(exp, 0)
			if c.Expires.Before(now) {
				continue
			}
		}

		host := strings.TrimPrefix(domain, ".")
		if strings.EqualFold(includeSub, "TRUE") {
			c.Domain = host
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		origin := scheme + "://" + host
		if _, ok := byOrigin[origin]; !ok {
			origins = append(origins, origin)
		}
		byOrigin[origin] = append(byOrigin[origin], c)
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, origin := range origins {
		u, err := url.Parse(origin + "/")
		if err != nil {
			return n, fmt.Errorf("cookie origin %q: %w", origin, err)
		}
		jar.SetCookies(u, byOrigin[origin])
		n += len(byOrigin[origin])
	}
	return n, nil
}
