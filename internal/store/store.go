// Package store persists per-contact conversation state.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/capitalize-ai/sales-funnel/internal/config"
	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// ConversationStore is the only way conversation records are mutated.
type ConversationStore interface {
	// Get returns the conversation, creating an empty one on first read.
	Get(ctx context.Context, channel model.Channel, id string) (*model.Conversation, error)
	// AppendMessage adds a message and trims the log to the history limit.
	AppendMessage(ctx context.Context, channel model.Channel, id string, role model.Role, text string) (*model.Conversation, error)
	// Patch applies a partial update.
	Patch(ctx context.Context, channel model.Channel, id string, patch model.ConversationPatch) (*model.Conversation, error)
	// ListAll returns every conversation keyed by model.ConversationKey.
	ListAll(ctx context.Context) (map[string]*model.Conversation, error)
}

// Snapshotter writes a whole record. Mirrors implement it so a layered store
// can copy the authoritative result.
type Snapshotter interface {
	Put(ctx context.Context, conv *model.Conversation) error
}

// Options tune store behaviour.
type Options struct {
	HistoryLimit     int
	MaxConversations int
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit == 0 {
		o.HistoryLimit = config.DefaultHistoryLimit
	}
	o.HistoryLimit = config.ClampHistoryLimit(o.HistoryLimit)
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func newConversation(channel model.Channel, id string, now time.Time) *model.Conversation {
	c := &model.Conversation{
		Channel:           channel,
		ExternalContactID: id,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	c.Hydrate(channel, id)
	return c
}

func appendMessage(c *model.Conversation, msg model.Message, now time.Time, limit int) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	c.Messages = append(c.Messages, msg)
	trimHistory(c, limit)
	c.UpdatedAt = now
}

func applyPatch(c *model.Conversation, p model.ConversationPatch, now time.Time, limit int) {
	if p.Append != nil && p.Append.Timestamp.IsZero() {
		msg := *p.Append
		msg.Timestamp = now
		p.Append = &msg
	}
	p.ApplyTo(c)
	trimHistory(c, limit)
	c.UpdatedAt = now
}

func trimHistory(c *model.Conversation, limit int) {
	if over := len(c.Messages) - limit; over > 0 {
		c.Messages = append([]model.Message{}, c.Messages[over:]...)
	}
}

// evictions returns the keys to drop so at most limit records remain. keep is
// never evicted. Order is least-recently-updated first with ties broken by key.
func evictions(updated map[string]time.Time, keep string, limit int) []string {
	if limit <= 0 || len(updated) <= limit {
		return nil
	}
	keys := make([]string, 0, len(updated))
	for k := range updated {
		if k != keep {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := updated[keys[i]], updated[keys[j]]
		if !a.Equal(b) {
			return a.Before(b)
		}
		return keys[i] < keys[j]
	})
	n := len(updated) - limit
	if n > len(keys) {
		n = len(keys)
	}
	return keys[:n]
}
