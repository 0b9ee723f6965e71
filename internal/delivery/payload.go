package delivery

import "encoding/json"

// EventMessageCreated is the only event type delivered today.
const EventMessageCreated = "message.created"

// createdAtLayout renders millisecond precision UTC timestamps ("2024-05-01T10:00:00.000Z").
const createdAtLayout = "2006-01-02T15:04:05.000Z07:00"

// Payload is the JSON body of an outbound webhook request.
type Payload struct {
	Type       string          `json:"type"`
	DeliveryID string          `json:"deliveryId"`
	Attempt    int             `json:"attempt"`
	Message    MessageSnapshot `json:"message"`
}

// MessageSnapshot is the subset of a message exposed to receivers.
type MessageSnapshot struct {
	ID        string `json:"id"`
	FromName  string `json:"fromName"`
	ToName    string `json:"toName"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// NewPayload builds the body for one attempt.
func NewPayload(deliveryID string, attempt int, m Message) Payload {
	return Payload{
		Type:       EventMessageCreated,
		DeliveryID: deliveryID,
		Attempt:    attempt,
		Message: MessageSnapshot{
			ID:        m.ID,
			FromName:  m.FromName,
			ToName:    m.ToName,
			Text:      m.Text,
			CreatedAt: m.CreatedAt.UTC().Format(createdAtLayout),
		},
	}
}

// Encode serializes the payload once; the same bytes are signed and sent.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}
