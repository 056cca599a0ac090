package model

import (
	"time"
)

// EventKind is the type of a normalized inbound event.
type EventKind string

const (
	EventText     EventKind = "text"
	EventAudio    EventKind = "audio"
	EventImage    EventKind = "image"
	EventPostback EventKind = "postback"
)

// InboundEvent is a channel message normalized to a common shape. Lang is a
// caller-forced reply language and is only set by the web widget.
type InboundEvent struct {
	Channel           Channel   `json:"channel"`
	RoutingID         string    `json:"routing_id"`
	ExternalContactID string    `json:"external_contact_id"`
	Kind              EventKind `json:"kind"`
	Text              string    `json:"text,omitempty"`
	MediaID           string    `json:"media_id,omitempty"`
	Lang              string    `json:"lang,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// WebhookHealth holds diagnostic counters for one channel.
type WebhookHealth struct {
	Channel           Channel   `json:"channel"`
	TotalReceived     int64     `json:"total_received"`
	LastEventAt       time.Time `json:"last_event_at,omitempty"`
	LastPreview       string    `json:"last_preview,omitempty"`
	LastSignatureKind string    `json:"last_signature_kind,omitempty"`
}
