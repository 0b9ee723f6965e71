package delivery

import "time"

const DeadLetterType = "delivery.failed"

// DeadLetter announces a delivery that exhausted its retry schedule. It is a
// notification for downstream tooling; the engine never re-processes it.
type DeadLetter struct {
	Type       string         `json:"type"`    // "delivery.failed"
	Version    string         `json:"version"` // schema version
	At         string         `json:"at"`      // RFC3339 time the delivery failed
	Reason     string         `json:"reason"`
	Attempt    int            `json:"attempt"`
	HTTPStatus int            `json:"http_status,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Delivery   DeadLetterInfo `json:"delivery"`
}

// DeadLetterInfo identifies the failed delivery.
type DeadLetterInfo struct {
	DeliveryID string `json:"delivery_id"`
	WebhookID  string `json:"webhook_id"`
	UserID     string `json:"user_id"`
	MessageID  string `json:"message_id"`
	URL        string `json:"url"`
	// TraceHeaders carries the W3C trace context of the final attempt.
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(info DeadLetterInfo, attempt, httpStatus int, lastErr, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:       DeadLetterType,
		Version:    "v1",
		At:         at.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Delivery:   info,
	}
}
