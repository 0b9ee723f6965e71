package delivery

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPayloadEncode(t *testing.T) {
	m := Message{
		ID:        "msg-1",
		FromName:  "alice",
		ToUserID:  "user-2",
		ToName:    "bob",
		Text:      "hi <bob> & co",
		CreatedAt: time.Date(2024, 5, 1, 12, 30, 45, 123456789, time.FixedZone("CEST", 2*3600)),
	}

	body, err := NewPayload("del-1", 2, m).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["type"] != "message.created" || got["deliveryId"] != "del-1" || got["attempt"] != float64(2) {
		t.Errorf("envelope = %v", got)
	}
	msg := got["message"].(map[string]any)
	want := map[string]any{
		"id":        "msg-1",
		"fromName":  "alice",
		"toName":    "bob",
		"text":      "hi <bob> & co",
		"createdAt": "2024-05-01T10:30:45.123Z",
	}
	if len(msg) != len(want) {
		t.Errorf("message has %d keys, want %d: %v", len(msg), len(want), msg)
	}
	for k, v := range want {
		if msg[k] != v {
			t.Errorf("message[%s] = %v, want %v", k, msg[k], v)
		}
	}
}
