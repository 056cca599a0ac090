package store

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// Memory is an in-process store used by tests and as the last-resort backend.
type Memory struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
	opts  Options
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts Options) *Memory {
	return &Memory{
		convs: make(map[string]*model.Conversation),
		opts:  opts.withDefaults(),
	}
}

// Get implements ConversationStore.
func (m *Memory) Get(_ context.Context, channel model.Channel, id string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(channel, id).Clone(), nil
}

// AppendMessage implements ConversationStore.
func (m *Memory) AppendMessage(_ context.Context, channel model.Channel, id string, role model.Role, text string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.load(channel, id)
	appendMessage(c, model.Message{Role: role, Text: text}, m.opts.Now(), m.opts.HistoryLimit)
	return c.Clone(), nil
}

// Patch implements ConversationStore.
func (m *Memory) Patch(_ context.Context, channel model.Channel, id string, patch model.ConversationPatch) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.load(channel, id)
	applyPatch(c, patch, m.opts.Now(), m.opts.HistoryLimit)
	return c.Clone(), nil
}

// ListAll implements ConversationStore.
func (m *Memory) ListAll(_ context.Context) (map[string]*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*model.Conversation, len(m.convs))
	for k, c := range m.convs {
		out[k] = c.Clone()
	}
	return out, nil
}

// Put implements Snapshotter.
func (m *Memory) Put(_ context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[conv.Key()] = conv.Clone()
	m.prune(conv.Key())
	return nil
}

// load must be called with m.mu held.
func (m *Memory) load(channel model.Channel, id string) *model.Conversation {
	key := model.ConversationKey(channel, id)
	c, ok := m.convs[key]
	if !ok {
		c = newConversation(channel, id, m.opts.Now())
		m.convs[key] = c
		m.prune(key)
	}
	return c
}

// prune must be called with m.mu held.
func (m *Memory) prune(keep string) {
	if m.opts.MaxConversations <= 0 || len(m.convs) <= m.opts.MaxConversations {
		return
	}
	updated := make(map[string]time.Time, len(m.convs))
	for k, c := range m.convs {
		updated[k] = c.UpdatedAt
	}
	for _, k := range evictions(updated, keep, m.opts.MaxConversations) {
		delete(m.convs, k)
	}
}
