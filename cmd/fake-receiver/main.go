// Command fake-receiver is a webhook endpoint for local testing. It verifies
// signatures, can fail its first N requests and deduplicates by delivery id.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/austindbirch/inbox_hooks/internal/config"
	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/logging"
	"github.com/austindbirch/inbox_hooks/internal/signing"
)

type receiver struct {
	cfg      config.FakeReceiver
	log      *logging.Logger
	now      func() time.Time
	reqCount atomic.Int64

	mu   sync.Mutex
	seen map[string]int
}

func newReceiver(cfg config.FakeReceiver, log *logging.Logger) *receiver {
	return &receiver{cfg: cfg, log: log, now: time.Now, seen: make(map[string]int)}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	deliveryID := r.Header.Get(delivery.HeaderDelivery)
	log := rc.log.WithContext(r.Context()).WithDelivery(deliveryID)

	if rc.cfg.Secret != "" {
		err := signing.Verify(rc.cfg.Secret, b, r.Header.Get(delivery.HeaderTimestamp), r.Header.Get(delivery.HeaderSignature), rc.now(), rc.cfg.SigningLeeway)
		if err != nil {
			log.WithError(err).Warn("failed to verify signature")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelay > 0 {
		select {
		case <-time.After(rc.cfg.ResponseDelay):
		case <-r.Context().Done():
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(rc.cfg.FailFirstN) {
		log.WithFields(map[string]any{"request": n, "fail_first_n": rc.cfg.FailFirstN}).Info("failing request on purpose")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	var payload delivery.Payload
	if err := json.Unmarshal(b, &payload); err != nil {
		log.WithError(err).Warn("body is not a message.created payload")
	}

	if deliveryID != "" {
		rc.mu.Lock()
		rc.seen[deliveryID]++
		count := rc.seen[deliveryID]
		rc.mu.Unlock()
		if count > 1 {
			log.WithField("times", count).Info("duplicate delivery acknowledged")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`duplicate`))
			return
		}
	}

	log.WithFields(map[string]any{
		"attempt":    payload.Attempt,
		"message_id": payload.Message.ID,
		"body":       truncate(string(b), 160),
	}).Info("webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	cfgFile := flag.String("config", "", "YAML config file")
	flag.Parse()

	log := logging.New("fake-receiver")
	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Plain().WithError(err).Fatal("failed to load config")
	}
	logging.SetLevel(cfg.App.LogLevel)

	rc := newReceiver(cfg.FakeReceiver, log)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Addr,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		log.Plain().WithField("addr", srv.Addr).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Plain().WithError(err).Fatal("fake-receiver failed")
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
