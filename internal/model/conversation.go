// Package model defines data structures for the sales funnel.
package model

import (
	"strings"
	"time"
)

// Channel identifies an external messaging surface.
type Channel string

const (
	ChannelWeb       Channel = "web"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelMessenger Channel = "messenger"
	ChannelInstagram Channel = "instagram"
)

// ParseChannel maps a path segment to a known channel.
func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelWeb, ChannelWhatsApp, ChannelMessenger, ChannelInstagram:
		return c, true
	}
	return "", false
}

// ConversationKey renders the store key for a (channel, contact) pair.
func ConversationKey(channel Channel, externalID string) string {
	return string(channel) + ":" + externalID
}

// SplitConversationKey is the inverse of ConversationKey.
func SplitConversationKey(key string) (Channel, string, bool) {
	ch, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return "", "", false
	}
	c, known := ParseChannel(ch)
	return c, id, known
}

// PendingMedia is an image reference held until the next text turn.
type PendingMedia struct {
	MediaID   string    `json:"media_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Conversation is the durable per-contact message history.
type Conversation struct {
	Channel           Channel        `json:"channel"`
	ExternalContactID string         `json:"external_contact_id"`
	TenantID          string         `json:"tenant_id,omitempty"`
	RoutingID         string         `json:"routing_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Language          string         `json:"language,omitempty"`
	ForcedLanguage    string         `json:"forced_language,omitempty"`
	Messages          []Message      `json:"messages"`
	PendingMedia      []PendingMedia `json:"pending_media"`
	FollowUpSentAt    *time.Time     `json:"follow_up_sent_at,omitempty"`
	LeadCapturedAt    *time.Time     `json:"lead_captured_at,omitempty"`
}

// Key returns the store key of the conversation.
func (c *Conversation) Key() string {
	return ConversationKey(c.Channel, c.ExternalContactID)
}

// Lang returns the forced language if set, otherwise the detected one.
func (c *Conversation) Lang() string {
	if c.ForcedLanguage != "" {
		return c.ForcedLanguage
	}
	return c.Language
}

// UserTurns counts user messages in the log.
func (c *Conversation) UserTurns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// HasAssistantMessage reports whether the assistant has replied at least once.
// Voice placeholders are not replies.
func (c *Conversation) HasAssistantMessage() bool {
	for _, m := range c.Messages {
		if m.Role == RoleAssistant && m.Kind != KindVoicePlaceholder {
			return true
		}
	}
	return false
}

// LastMessage returns the most recent message with the given role.
func (c *Conversation) LastMessage(role Role) (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == role {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// RecentUserTexts returns up to n latest user texts, oldest first.
func (c *Conversation) RecentUserTexts(n int) []string {
	var out []string
	for i := len(c.Messages) - 1; i >= 0 && len(out) < n; i-- {
		if c.Messages[i].Role == RoleUser {
			out = append(out, c.Messages[i].Text)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Hydrate defaults missing optional fields so partial records are safe to read.
func (c *Conversation) Hydrate(channel Channel, externalID string) {
	if c.Channel == "" {
		c.Channel = channel
	}
	if c.ExternalContactID == "" {
		c.ExternalContactID = externalID
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.PendingMedia == nil {
		c.PendingMedia = []PendingMedia{}
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = append([]Message{}, c.Messages...)
	out.PendingMedia = append([]PendingMedia{}, c.PendingMedia...)
	if c.FollowUpSentAt != nil {
		t := *c.FollowUpSentAt
		out.FollowUpSentAt = &t
	}
	if c.LeadCapturedAt != nil {
		t := *c.LeadCapturedAt
		out.LeadCapturedAt = &t
	}
	return &out
}

// ConversationPatch is a partial update. Nil fields are left untouched.
type ConversationPatch struct {
	TenantID       *string
	RoutingID      *string
	Language       *string
	ForcedLanguage *string
	PendingMedia   *[]PendingMedia
	FollowUpSentAt *time.Time
	LeadCapturedAt *time.Time
	// Append adds a message in the same write as the other fields. Stores
	// stamp a zero Timestamp and trim the log to the history limit.
	Append *Message
}

// ApplyTo merges the patch into c. FollowUpSentAt and LeadCapturedAt are
// write-once and never overwrite an existing value.
func (p ConversationPatch) ApplyTo(c *Conversation) {
	if p.TenantID != nil {
		c.TenantID = *p.TenantID
	}
	if p.RoutingID != nil {
		c.RoutingID = *p.RoutingID
	}
	if p.Language != nil {
		c.Language = *p.Language
	}
	if p.ForcedLanguage != nil {
		c.ForcedLanguage = *p.ForcedLanguage
	}
	if p.PendingMedia != nil {
		c.PendingMedia = append([]PendingMedia{}, (*p.PendingMedia)...)
	}
	if p.FollowUpSentAt != nil && c.FollowUpSentAt == nil {
		t := *p.FollowUpSentAt
		c.FollowUpSentAt = &t
	}
	if p.LeadCapturedAt != nil && c.LeadCapturedAt == nil {
		t := *p.LeadCapturedAt
		c.LeadCapturedAt = &t
	}
	if p.Append != nil {
		c.Messages = append(c.Messages, *p.Append)
	}
}
