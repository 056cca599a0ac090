// Package lead captures qualified contacts and deduplicates them.
package lead

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// Store persists leads.
type Store interface {
	Create(ctx context.Context, lead *model.Lead) error
	// FindRecent returns the newest lead for (contact, source) created at or
	// after since, or nil when there is none.
	FindRecent(ctx context.Context, contact, source string, since time.Time) (*model.Lead, error)
	// List returns the newest leads first. An empty tenantID lists all.
	List(ctx context.Context, tenantID string, limit int) ([]model.Lead, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	leads []model.Lead
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, lead *model.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := *lead
	l.Messages = append(model.StringList(nil), lead.Messages...)
	m.leads = append(m.leads, l)
	return nil
}

// FindRecent implements Store.
func (m *MemoryStore) FindRecent(_ context.Context, contact, source string, since time.Time) (*model.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *model.Lead
	for i := range m.leads {
		l := &m.leads[i]
		if l.Contact != contact || l.Source != source || l.CreatedAt.Before(since) {
			continue
		}
		if found == nil || l.CreatedAt.After(found.CreatedAt) {
			found = l
		}
	}
	if found == nil {
		return nil, nil
	}
	out := *found
	return &out, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, tenantID string, limit int) ([]model.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Lead, 0, len(m.leads))
	for _, l := range m.leads {
		if tenantID == "" || l.TenantID == tenantID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
