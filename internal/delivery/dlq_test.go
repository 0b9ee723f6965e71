package delivery

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewDeadLetter(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	info := DeadLetterInfo{
		DeliveryID:   "del-1",
		WebhookID:    "wh-1",
		UserID:       "user-1",
		MessageID:    "msg-1",
		URL:          "https://example.com/hook",
		TraceHeaders: map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}

	dl := NewDeadLetter(info, 5, 503, "status_503", "max attempts reached (5)", at)

	if dl.Type != DeadLetterType || dl.Version != "v1" {
		t.Errorf("Type/Version = %q/%q", dl.Type, dl.Version)
	}
	if dl.At != "2024-01-01T11:00:00Z" {
		t.Errorf("At = %q, want UTC RFC3339", dl.At)
	}
	if dl.Attempt != 5 || dl.HTTPStatus != 503 || dl.LastError != "status_503" {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.Delivery.DeliveryID != "del-1" || dl.Delivery.TraceHeaders["traceparent"] == "" {
		t.Errorf("Delivery = %+v", dl.Delivery)
	}
}

func TestDeadLetterJSON(t *testing.T) {
	dl := NewDeadLetter(DeadLetterInfo{DeliveryID: "del-1"}, 5, 0, "timeout", "max attempts reached (5)", time.Unix(0, 0))
	b, err := json.Marshal(dl)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := got["http_status"]; ok {
		t.Error("http_status should be omitted when no response was received")
	}
	if got["type"] != "delivery.failed" {
		t.Errorf("type = %v", got["type"])
	}
}
