// Package queue connects the delivery engine to NSQ: message.created events
// come in on one topic and terminal failures go out on another.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/logging"
	"github.com/austindbirch/inbox_hooks/internal/tracing"
)

const (
	DefaultEventsTopic     = "message_created"
	DefaultChannel         = "webhook_dispatch"
	DefaultDeadLetterTopic = "webhook_deliveries_dlq"
)

var errInvalidEvent = errors.New("invalid event")

// MessageCreated is the envelope published by the messaging service after a
// message row is committed.
type MessageCreated struct {
	Type         string            `json:"type"`
	Message      delivery.Message  `json:"message"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// NewMessageCreated builds an envelope carrying ctx's trace context.
func NewMessageCreated(ctx context.Context, m delivery.Message) MessageCreated {
	return MessageCreated{
		Type:         delivery.EventMessageCreated,
		Message:      m,
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
}

func (e MessageCreated) validate() error {
	if e.Type != "" && e.Type != delivery.EventMessageCreated {
		return fmt.Errorf("%w: unsupported type %q", errInvalidEvent, e.Type)
	}
	if e.Message.ID == "" || e.Message.ToUserID == "" {
		return fmt.Errorf("%w: message id and recipient are required", errInvalidEvent)
	}
	return nil
}

// Dispatcher is the fan-out entry point the consumer feeds.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg delivery.Message, recipientID string) (delivery.Report, error)
}

// Handler turns NSQ messages into dispatches. Undecodable payloads are
// finished without retry; store failures are requeued by NSQ.
type Handler struct {
	dispatcher Dispatcher
	logger     *logging.Logger
}

func NewHandler(d Dispatcher, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{dispatcher: d, logger: logger}
}

// HandleMessage implements nsq.Handler.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	var ev MessageCreated
	if err := json.Unmarshal(m.Body, &ev); err != nil {
		h.logger.Plain().WithError(err).Error("bad event payload")
		return nil
	}
	if err := ev.validate(); err != nil {
		h.logger.Plain().WithError(err).Error("bad event payload")
		return nil
	}

	ctx := tracing.ExtractHeaders(context.Background(), ev.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "queue.message_created",
		attribute.String("message.id", ev.Message.ID),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	report, err := h.dispatcher.Dispatch(ctx, ev.Message, ev.Message.ToUserID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithMessage(ev.Message.ID).WithError(err).
			WithField("nsq_attempts", m.Attempts).Warn("fan-out failed, requeueing")
		return err
	}
	h.logger.WithContext(ctx).WithMessage(ev.Message.ID).WithField("deliveries", report.Deliveries).Debug("event dispatched")
	return nil
}

// ConsumerConfig names the NSQ endpoints and topology.
type ConsumerConfig struct {
	Topic          string
	Channel        string
	NsqdTCPAddr    string
	LookupHTTPAddr string
	MaxInFlight    int
	// Concurrency is the number of handler goroutines.
	Concurrency int
}

// Consumer wraps an nsq.Consumer feeding a Handler.
type Consumer struct {
	c *nsq.Consumer
}

// StartConsumer subscribes and connects. Either address may be empty.
func StartConsumer(cfg ConsumerConfig, h nsq.Handler) (*Consumer, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultEventsTopic
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	conf.DefaultRequeueDelay = 5 * time.Second

	c, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer creation failed: %w", err)
	}
	c.SetLogger(nil, nsq.LogLevelError)
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	c.AddConcurrentHandlers(h, concurrency)

	if cfg.NsqdTCPAddr != "" {
		if err := c.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
			c.Stop()
			return nil, fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if cfg.LookupHTTPAddr != "" {
		if err := c.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			c.Stop()
			return nil, fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return &Consumer{c: c}, nil
}

// Stop drains in-flight messages and waits for the consumer to exit.
func (c *Consumer) Stop() {
	c.c.Stop()
	<-c.c.StopChan
}

// Publisher is the subset of *nsq.Producer used here.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// DeadLetterPublisher implements delivery.FailureNotifier over NSQ.
type DeadLetterPublisher struct {
	pub   Publisher
	topic string
}

func NewDeadLetterPublisher(pub Publisher, topic string) *DeadLetterPublisher {
	if topic == "" {
		topic = DefaultDeadLetterTopic
	}
	return &DeadLetterPublisher{pub: pub, topic: topic}
}

func (p *DeadLetterPublisher) NotifyFailed(ctx context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.pub.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", p.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", p.topic))
	return nil
}

// EventPublisher publishes message.created envelopes, used by the HTTP event
// trigger when the engine runs behind the queue.
type EventPublisher struct {
	pub   Publisher
	topic string
}

func NewEventPublisher(pub Publisher, topic string) *EventPublisher {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	return &EventPublisher{pub: pub, topic: topic}
}

func (p *EventPublisher) PublishMessageCreated(ctx context.Context, m delivery.Message) error {
	b, err := json.Marshal(NewMessageCreated(ctx, m))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.pub.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish event to %s: %w", p.topic, err)
	}
	return nil
}

// NewProducer creates an NSQ producer for addr and verifies it answers.
func NewProducer(addr string) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer creation failed: %w", err)
	}
	p.SetLogger(nil, nsq.LogLevelError)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("nsqd ping %s: %w", addr, err)
	}
	return p, nil
}
