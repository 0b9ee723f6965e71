package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"testing"
)

func TestReasonBucket(t *testing.T) {
	tests := []struct {
		reason string
		status int
		want   string
	}{
		{"timeout", 0, "timeout"},
		{"status_429", 429, "http_429"},
		{"status_503", 503, "http_5xx"},
		{"status_404", 404, "http_4xx"},
		{"status_302", 302, "other"},
		{"dial tcp 127.0.0.1:1: connect: connection refused", 0, "connection_refused"},
		{"dial tcp: lookup nope.invalid: no such host", 0, "dns_error"},
		{"tls: handshake timeout", 0, "timeout"},
		{"EOF", 0, "network"},
		{"", 0, "other"},
	}
	for _, tt := range tests {
		if got := ReasonBucket(tt.reason, tt.status); got != tt.want {
			t.Errorf("ReasonBucket(%q, %d) = %q, want %q", tt.reason, tt.status, got, tt.want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTimeout(t *testing.T) {
	if !isTimeout(context.DeadlineExceeded) {
		t.Error("DeadlineExceeded should be a timeout")
	}
	if !isTimeout(&url.Error{Op: "Post", URL: "https://x", Err: timeoutErr{}}) {
		t.Error("wrapped net.Error timeout should be a timeout")
	}
	if isTimeout(errors.New("connection reset")) {
		t.Error("plain error is not a timeout")
	}
}

func TestTransportReasonDropsURL(t *testing.T) {
	err := &url.Error{Op: "Post", URL: "https://hook.example.com/?token=abc", Err: errors.New("connection reset by peer")}
	got := transportReason(err)
	if got != "connection reset by peer" {
		t.Errorf("transportReason() = %q", got)
	}
	if got := transportReason(fmt.Errorf("wrapped: %w", errors.New("boom"))); got != "wrapped: boom" {
		t.Errorf("transportReason() = %q", got)
	}
}

func TestReadTruncated(t *testing.T) {
	long := strings.Repeat("a", 1500)
	if got := readTruncated(strings.NewReader(long), 1000); len(got) != 1000 {
		t.Errorf("len = %d, want 1000", len(got))
	}
	if got := readTruncated(strings.NewReader("ok\x00done"), 1000); got != "okdone" {
		t.Errorf("NUL bytes not stripped: %q", got)
	}
	// "é" is two bytes; cutting after the first leaves an invalid sequence
	if got := readTruncated(strings.NewReader("aé"), 2); got != "a" {
		t.Errorf("invalid UTF-8 tail not dropped: %q", got)
	}
}

func TestNewReport(t *testing.T) {
	r := newReport([]Outcome{
		{Status: StatusDelivered, Delivered: true},
		{Status: StatusPending, Reason: "timeout"},
		{Status: StatusPending, Reason: "status_500"},
		{Status: StatusFailed, Reason: "status_500"},
		{Status: StatusDelivered, Err: ErrStaleAttempt},
	})
	if r.Deliveries != 5 || r.Delivered != 1 || r.Retrying != 2 || r.Failed != 1 {
		t.Errorf("report = %+v", r)
	}
	if !errors.Is(r.Errors(), ErrStaleAttempt) {
		t.Errorf("Errors() = %v", r.Errors())
	}
	if (Report{}).Errors() != nil {
		t.Error("empty report has no errors")
	}
}

func TestClampLimit(t *testing.T) {
	tests := map[int]int{-1: 50, 0: 50, 1: 1, 50: 50, 200: 200, 201: 200, 10000: 200}
	for in, want := range tests {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
