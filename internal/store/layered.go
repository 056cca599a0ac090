package store

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

// Mirror is a local store that can also accept full snapshots.
type Mirror interface {
	ConversationStore
	Snapshotter
}

// Layered treats the external store as authoritative and copies every result
// into a local mirror. When the external store fails, the mirror serves reads
// and writes until it recovers.
type Layered struct {
	primary ConversationStore
	mirror  Mirror
	log     *logger.Logger
}

// NewLayered combines an external primary with a local mirror.
func NewLayered(primary ConversationStore, mirror Mirror, log *logger.Logger) *Layered {
	return &Layered{primary: primary, mirror: mirror, log: log.Named("store")}
}

// Get implements ConversationStore.
func (l *Layered) Get(ctx context.Context, channel model.Channel, id string) (*model.Conversation, error) {
	return l.do(ctx, "get", func(s ConversationStore) (*model.Conversation, error) {
		return s.Get(ctx, channel, id)
	})
}

// AppendMessage implements ConversationStore.
func (l *Layered) AppendMessage(ctx context.Context, channel model.Channel, id string, role model.Role, text string) (*model.Conversation, error) {
	return l.do(ctx, "append", func(s ConversationStore) (*model.Conversation, error) {
		return s.AppendMessage(ctx, channel, id, role, text)
	})
}

// Patch implements ConversationStore.
func (l *Layered) Patch(ctx context.Context, channel model.Channel, id string, patch model.ConversationPatch) (*model.Conversation, error) {
	return l.do(ctx, "patch", func(s ConversationStore) (*model.Conversation, error) {
		return s.Patch(ctx, channel, id, patch)
	})
}

// ListAll implements ConversationStore.
func (l *Layered) ListAll(ctx context.Context) (map[string]*model.Conversation, error) {
	all, err := l.primary.ListAll(ctx)
	if err == nil {
		return all, nil
	}
	l.log.Warn("primary store list failed, reading mirror", zap.Error(err))
	return l.mirror.ListAll(ctx)
}

func (l *Layered) do(ctx context.Context, op string, call func(ConversationStore) (*model.Conversation, error)) (*model.Conversation, error) {
	conv, err := call(l.primary)
	if err == nil {
		if perr := l.mirror.Put(ctx, conv); perr != nil {
			l.log.Warn("mirror write failed", zap.String("op", op), zap.Error(perr))
		}
		return conv, nil
	}
	if !errors.Is(err, model.ErrStorageUnavailable) {
		return nil, err
	}
	l.log.Warn("primary store unavailable, using mirror", zap.String("op", op), zap.Error(err))
	return call(l.mirror)
}
