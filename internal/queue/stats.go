package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/inbox_hooks/internal/logging"
)

// NsqdStats is the part of nsqd's /stats?format=json response the monitor reads.
type NsqdStats struct {
	Topics []TopicStats `json:"topics"`
}

type TopicStats struct {
	TopicName string         `json:"topic_name"`
	Depth     int64          `json:"depth"`
	Channels  []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	ChannelName   string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
}

// FetchStats reads topic and channel counters from nsqd's HTTP API.
func FetchStats(ctx context.Context, client *http.Client, nsqdHTTPAddr string) (NsqdStats, error) {
	var stats NsqdStats
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+nsqdHTTPAddr+"/stats?format=json", nil)
	if err != nil {
		return stats, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return stats, fmt.Errorf("failed to get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("nsq stats returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("failed to decode nsq stats: %w", err)
	}
	return stats, nil
}

// Backlog is the number of events on the topic not yet taken by the
// channel: topic depth plus the channel's own depth.
func (s NsqdStats) Backlog(topic, channel string) int64 {
	for _, t := range s.Topics {
		if t.TopicName != topic {
			continue
		}
		backlog := t.Depth
		for _, c := range t.Channels {
			if c.ChannelName == channel {
				backlog += c.Depth
			}
		}
		return backlog
	}
	return 0
}

// BacklogMonitor polls nsqd and exports fan-out and dead-letter queue depth.
type BacklogMonitor struct {
	client   *http.Client
	addr     string
	topic    string
	channel  string
	dlqTopic string
	log      *logging.Logger

	backlog      prometheus.Gauge
	dlqDepth     prometheus.Gauge
	channelDepth *prometheus.GaugeVec
	inFlight     *prometheus.GaugeVec
}

func NewBacklogMonitor(client *http.Client, nsqdHTTPAddr, topic, channel, dlqTopic string, log *logging.Logger) *BacklogMonitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logging.Default()
	}
	return &BacklogMonitor{
		client:   client,
		addr:     nsqdHTTPAddr,
		topic:    topic,
		channel:  channel,
		dlqTopic: dlqTopic,
		log:      log,
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inboxhooks_queue_backlog",
			Help: "message.created events waiting for the webhook dispatch channel.",
		}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inboxhooks_dlq_depth",
			Help: "Terminal delivery failures waiting on the dead-letter topic.",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inboxhooks_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		}, []string{"topic", "channel"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inboxhooks_nsq_channel_inflight",
			Help: "In-flight messages of NSQ channels by topic and channel.",
		}, []string{"topic", "channel"}),
	}
}

func (m *BacklogMonitor) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.backlog, m.dlqDepth, m.channelDepth, m.inFlight)
}

// Poll takes one stats snapshot and updates the gauges.
func (m *BacklogMonitor) Poll(ctx context.Context) error {
	stats, err := FetchStats(ctx, m.client, m.addr)
	if err != nil {
		return err
	}
	m.backlog.Set(float64(stats.Backlog(m.topic, m.channel)))

	var dlq int64
	for _, t := range stats.Topics {
		switch t.TopicName {
		case m.dlqTopic:
			dlq = t.Depth
			for _, c := range t.Channels {
				dlq += c.Depth
			}
		case m.topic:
		default:
			continue
		}
		for _, c := range t.Channels {
			m.channelDepth.WithLabelValues(t.TopicName, c.ChannelName).Set(float64(c.Depth))
			m.inFlight.WithLabelValues(t.TopicName, c.ChannelName).Set(float64(c.InFlightCount))
		}
	}
	m.dlqDepth.Set(float64(dlq))
	return nil
}

// Run polls every interval until ctx is done. Poll errors are logged and
// the previous gauge values are kept.
func (m *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.Poll(ctx); err != nil {
			m.log.WithContext(ctx).WithError(err).WithField("nsqd", m.addr).Warn("failed to poll nsq stats")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
