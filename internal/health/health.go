package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is anything the health endpoint can probe, e.g. a *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HTTPHandler returns an HTTP handler that runs every check and reports 503 if any fails
func HTTPHandler(checks map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		for _, name := range names {
			p := checks[name]
			if p == nil {
				continue
			}
			if st.Checks == nil {
				st.Checks = make(map[string]string, len(names))
			}
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				st.Checks[name] = err.Error()
				if st.OK {
					st.OK = false
					st.Message = name + " check failed"
				}
				continue
			}
			st.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
