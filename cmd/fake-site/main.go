// fake-site stands in for the session-gated site during local runs: it
// answers only requests carrying the expected session cookie and can be made
// flaky to exercise the agent's pass-through of error statuses.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type site struct {
	cookieName  string
	cookieValue string
	failFirstN  int64
	reqCount    atomic.Int64
}

func newSite(cookieName, cookieValue string, failFirstN int) *site {
	return &site{cookieName: cookieName, cookieValue: cookieValue, failFirstN: int64(failFirstN)}
}

func (s *site) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/api/", s.handleAPI)
	mux.HandleFunc("/page/", s.handlePage)
	return mux
}

// authorized reports whether r carries the session cookie, when one is required.
func (s *site) authorized(r *http.Request) bool {
	if s.cookieName == "" {
		return true
	}
	c, err := r.Cookie(s.cookieName)
	return err == nil && c.Value == s.cookieValue
}

// gate applies the session check and the first-N failures; it reports whether
// the handler should go on.
func (s *site) gate(w http.ResponseWriter, r *http.Request) bool {
	n := s.reqCount.Add(1)
	if !s.authorized(r) {
		log.Printf("fake-site 401 %s (no session)", r.URL.Path)
		http.Error(w, `{"error":"login required"}`, http.StatusUnauthorized)
		return false
	}
	// Simulate flakiness: first N requests -> 500
	if n <= s.failFirstN {
		log.Printf("FAILING (%d/%d) %s", n, s.failFirstN, r.URL.Path)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return false
	}
	return true
}

func (s *site) handleAPI(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    id,
		"query": r.URL.Query(),
		"ua":    r.UserAgent(),
	})
	log.Printf("fake-site OK %s", r.URL.Path)
}

func (s *site) handlePage(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>" + strings.TrimPrefix(r.URL.Path, "/page/") + "</h1></body></html>"))
	log.Printf("fake-site OK %s", r.URL.Path)
}

func main() {
	failFirstN := 0
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	s := newSite(os.Getenv("SESSION_COOKIE_NAME"), os.Getenv("SESSION_COOKIE_VALUE"), failFirstN)

	addr := ":8081"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}
	log.Printf("fake-site listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, s.routes()))
}
