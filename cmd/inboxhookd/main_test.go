package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/inbox_hooks/internal/config"
	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/logging"
	"github.com/austindbirch/inbox_hooks/internal/store/memory"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("OADM_STORE", "memory")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "sweep", "migrate"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestSummarize(t *testing.T) {
	sum, err := summarize(delivery.Report{Deliveries: 3, Delivered: 1, Retrying: 1, Failed: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, sweepSummary{Processed: 3, Delivered: 1, Retrying: 1, Failed: 1}, sum)

	sum, err = summarize(delivery.Report{}, delivery.ErrSweepInProgress)
	require.NoError(t, err)
	assert.True(t, sum.Skipped)

	_, err = summarize(delivery.Report{}, errors.New("db down"))
	assert.Error(t, err)
}

func TestNewAppWithMemoryStore(t *testing.T) {
	cfg := memoryConfig(t)
	a, err := newApp(context.Background(), cfg, logging.New("test"))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memory.Store{}, a.store)
	assert.Nil(t, a.reconciler.Locker)
	assert.Nil(t, a.executor.Notifier)
	assert.Equal(t, 5*time.Second, a.executor.Config.Timeout)
	assert.Equal(t, 5, a.executor.Config.Schedule.MaxAttempts())

	users, err := a.users()
	require.NoError(t, err)
	assert.True(t, users.TrustProxy)
}

func TestNewAppRejectsUnreachableRedis(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Redis.URL = "redis://127.0.0.1:1/0"
	_, err := newApp(context.Background(), cfg, logging.New("test"))
	assert.Error(t, err)
}

func TestServerEndToEnd(t *testing.T) {
	var hits atomic.Int32
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "oadm-inbox-webhook/1.0", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	cfg := memoryConfig(t)
	a, err := newApp(context.Background(), cfg, logging.New("test"))
	require.NoError(t, err)
	defer a.Close()
	users, err := a.users()
	require.NoError(t, err)
	h := a.server(users, nil).Router()

	body, _ := json.Marshal(map[string]string{"url": receiver.URL + "/hook"})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", bytes.NewReader(body))
	req.Header.Set("X-User-Id", "bob")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"fromName":"alice","toUserId":"bob","toName":"bob","text":"hello"}`))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"delivered":1`)
	assert.EqualValues(t, 1, hits.Load())

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSweepCommandWithMemoryStore(t *testing.T) {
	t.Setenv("OADM_STORE", "memory")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"sweep", "--limit", "5"})
	require.NoError(t, root.Execute())

	var sum sweepSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &sum))
	assert.Equal(t, sweepSummary{}, sum)
}
