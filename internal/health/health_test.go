package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             []Check
		expectedStatusCode int
		expectedOK         bool
		expectedMessage    string
		expectedChecks     map[string]bool
	}{
		{
			name:               "no checks",
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
		},
		{
			name:               "nil pinger skipped",
			checks:             []Check{{Name: "redis"}},
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
		},
		{
			name:               "healthy database",
			checks:             []Check{{Name: "database", Pinger: PingFunc(ok)}},
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
			expectedChecks:     map[string]bool{"database": true},
		},
		{
			name: "database down",
			checks: []Check{
				{Name: "database", Pinger: PingFunc(failing)},
				{Name: "redis", Pinger: PingFunc(ok)},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "database ping failed",
			expectedChecks:     map[string]bool{"database": false, "redis": true},
		},
		{
			name: "first failure names the message",
			checks: []Check{
				{Name: "database", Pinger: PingFunc(ok)},
				{Name: "redis", Pinger: PingFunc(failing)},
				{Name: "nsq", Pinger: PingFunc(failing)},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "redis ping failed",
			expectedChecks:     map[string]bool{"database": true, "redis": false, "nsq": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			w := httptest.NewRecorder()

			HTTPHandler(tt.checks...)(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var st Status
			if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
				t.Fatalf("response JSON parse error: %v", err)
			}
			if st.OK != tt.expectedOK {
				t.Errorf("OK = %v, want %v", st.OK, tt.expectedOK)
			}
			if st.Message != tt.expectedMessage {
				t.Errorf("Message = %q, want %q", st.Message, tt.expectedMessage)
			}
			if len(st.Checks) != len(tt.expectedChecks) {
				t.Fatalf("Checks = %v, want %v", st.Checks, tt.expectedChecks)
			}
			for k, v := range tt.expectedChecks {
				if st.Checks[k] != v {
					t.Errorf("Checks[%s] = %v, want %v", k, st.Checks[k], v)
				}
			}
		})
	}
}

func TestEvaluateTimesOutSlowChecks(t *testing.T) {
	slow := PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	st := Evaluate(context.Background(), Check{Name: "database", Pinger: slow})
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Evaluate took %v, want about %v", elapsed, checkTimeout)
	}
	if st.OK {
		t.Error("slow check should fail")
	}
}
