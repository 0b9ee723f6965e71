package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statsJSON = `{
  "topics": [
    {"topic_name": "message_created", "depth": 4, "channels": [
      {"channel_name": "webhook_dispatch", "depth": 7, "in_flight_count": 3},
      {"channel_name": "audit", "depth": 100, "in_flight_count": 0}
    ]},
    {"topic_name": "webhook_deliveries_dlq", "depth": 2, "channels": [
      {"channel_name": "ops", "depth": 5, "in_flight_count": 1}
    ]},
    {"topic_name": "unrelated", "depth": 99, "channels": []}
  ]
}`

func statsServer(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestFetchStatsAndBacklog(t *testing.T) {
	addr := statsServer(t, http.StatusOK, statsJSON)

	stats, err := FetchStats(context.Background(), http.DefaultClient, addr)
	require.NoError(t, err)
	require.Len(t, stats.Topics, 3)

	assert.Equal(t, int64(11), stats.Backlog(DefaultEventsTopic, DefaultChannel))
	assert.Equal(t, int64(4), stats.Backlog(DefaultEventsTopic, "missing"))
	assert.Equal(t, int64(0), stats.Backlog("nope", DefaultChannel))
}

func TestFetchStatsErrors(t *testing.T) {
	_, err := FetchStats(context.Background(), http.DefaultClient, statsServer(t, http.StatusInternalServerError, ""))
	assert.ErrorContains(t, err, "returned 500")

	_, err = FetchStats(context.Background(), http.DefaultClient, statsServer(t, http.StatusOK, "{"))
	assert.ErrorContains(t, err, "decode")
}

func TestBacklogMonitorPoll(t *testing.T) {
	addr := statsServer(t, http.StatusOK, statsJSON)
	m := NewBacklogMonitor(nil, addr, DefaultEventsTopic, DefaultChannel, DefaultDeadLetterTopic, nil)
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	require.NoError(t, m.Poll(context.Background()))

	assert.Equal(t, 11.0, testutil.ToFloat64(m.backlog))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.dlqDepth))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.channelDepth.WithLabelValues(DefaultEventsTopic, DefaultChannel)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.inFlight.WithLabelValues(DefaultEventsTopic, DefaultChannel)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight.WithLabelValues(DefaultDeadLetterTopic, "ops")))
	// unrelated topics are not exported
	assert.Equal(t, 3, testutil.CollectAndCount(m.channelDepth))
	assert.Equal(t, 3, testutil.CollectAndCount(m.inFlight))
}

func TestBacklogMonitorRunStopsOnCancel(t *testing.T) {
	m := NewBacklogMonitor(nil, "127.0.0.1:1", DefaultEventsTopic, DefaultChannel, DefaultDeadLetterTopic, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Hour)
		close(done)
	}()
	<-done
}
