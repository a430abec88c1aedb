package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event keys shared by every backend.
const (
	KeyAction   = "action"
	KeyUnitKind = "unit_kind"
	KeyUnitID   = "unit_id"
	KeyBlockID  = "block_id"
	KeyPageID   = "page_id"
	KeyActor    = "actor"
	KeyEditing  = "editing"
	KeyRoom     = "room"
	KeyTheme    = "theme"
)

// Event is a flat key/value hint telling room members that something changed.
type Event map[string]string

// Message is an event bound to its room topic.
type Message struct {
	Topic  string `json:"topic"`
	Event  Event  `json:"event"`
	Origin string `json:"origin,omitempty"`
}

func (m Message) marshal() ([]byte, error) {
	value, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return value, nil
}

func unmarshalMessage(payload []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return Message{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if message.Topic == "" {
		return Message{}, fmt.Errorf("unmarshal event: topic missing")
	}
	return message, nil
}

// Publisher delivers events to a transport keyed by room topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
	Close() error
}
