// Package bus carries the normalized message shape and the event-emitter
// contract shared by all kbot components. Channel adapters (Discord,
// Telegram, ...) produce normalized messages; the orchestrator and stores
// announce their state changes as named events on per-component emitters.
package bus

import "time"

// Sender identifies the author of an inbound message.
type Sender struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	DisplayName string `json:"display_name,omitempty"`
}

// Message is the platform-agnostic shape every adapter normalizes into.
// ID is the platform's stable message identifier and is the sole key for
// intake idempotence.
type Message struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	Text      string            `json:"text"`
	Sender    Sender            `json:"sender"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MessageHandler handles an inbound normalized message from a channel.
type MessageHandler func(Message)
