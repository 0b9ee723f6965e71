package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool, the postgres store and a redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

const checkTimeout = 1 * time.Second

// Evaluate runs every check with a short timeout. Nil pingers are skipped.
func Evaluate(ctx context.Context, checks ...Check) Status {
	st := Status{OK: true, Message: "ok"}
	for _, c := range checks {
		if c.Pinger == nil {
			continue
		}
		if st.Checks == nil {
			st.Checks = make(map[string]bool, len(checks))
		}
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Pinger.Ping(cctx)
		cancel()
		st.Checks[c.Name] = err == nil
		if err != nil && st.OK {
			st.OK = false
			st.Message = c.Name + " ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
