package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// KeyValue is the subset of jetstream.KeyValue the KV store needs.
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

const kvMaxAttempts = 4

// KV stores conversations in a JetStream key-value bucket. Writes use the
// entry revision for optimistic concurrency and retry on conflict.
type KV struct {
	kv   KeyValue
	opts Options
}

// NewKV wraps a bucket handle.
func NewKV(kv KeyValue, opts Options) *KV {
	return &KV{kv: kv, opts: opts.withDefaults()}
}

// kvKey encodes the contact id, since bucket keys only allow a narrow alphabet.
func kvKey(channel model.Channel, id string) string {
	return "conv." + string(channel) + "." + base64.RawURLEncoding.EncodeToString([]byte(id))
}

func parseKVKey(key string) (model.Channel, string, bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[0] != "conv" {
		return "", "", false
	}
	ch, ok := model.ParseChannel(parts[1])
	if !ok {
		return "", "", false
	}
	id, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(id) == 0 {
		return "", "", false
	}
	return ch, string(id), true
}

// Get implements ConversationStore.
func (s *KV) Get(ctx context.Context, channel model.Channel, id string) (*model.Conversation, error) {
	return s.mutate(ctx, channel, id, nil)
}

// AppendMessage implements ConversationStore.
func (s *KV) AppendMessage(ctx context.Context, channel model.Channel, id string, role model.Role, text string) (*model.Conversation, error) {
	return s.mutate(ctx, channel, id, func(c *model.Conversation, now time.Time) {
		appendMessage(c, model.Message{Role: role, Text: text}, now, s.opts.HistoryLimit)
	})
}

// Patch implements ConversationStore.
func (s *KV) Patch(ctx context.Context, channel model.Channel, id string, patch model.ConversationPatch) (*model.Conversation, error) {
	return s.mutate(ctx, channel, id, func(c *model.Conversation, now time.Time) {
		applyPatch(c, patch, now, s.opts.HistoryLimit)
	})
}

// ListAll implements ConversationStore.
func (s *KV) ListAll(ctx context.Context) (map[string]*model.Conversation, error) {
	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return map[string]*model.Conversation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w: %v", model.ErrStorageUnavailable, err)
	}

	out := make(map[string]*model.Conversation, len(keys))
	for _, key := range keys {
		ch, id, ok := parseKVKey(key)
		if !ok {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		if c, found := decode(entry.Value(), ch, id); found {
			out[c.Key()] = c
		}
	}
	return out, nil
}

// Put implements Snapshotter. It overwrites whatever revision is current.
func (s *KV) Put(ctx context.Context, conv *model.Conversation) error {
	_, err := s.mutate(ctx, conv.Channel, conv.ExternalContactID, func(c *model.Conversation, _ time.Time) {
		*c = *conv.Clone()
	})
	return err
}

func (s *KV) mutate(ctx context.Context, channel model.Channel, id string, fn func(*model.Conversation, time.Time)) (*model.Conversation, error) {
	key := kvKey(channel, id)
	var lastErr error
	for attempt := 0; attempt < kvMaxAttempts; attempt++ {
		var revision uint64
		entry, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
		case err != nil:
			return nil, fmt.Errorf("kv get %s: %w: %v", key, model.ErrStorageUnavailable, err)
		default:
			revision = entry.Revision()
		}

		now := s.opts.Now()
		var conv *model.Conversation
		found := false
		if entry != nil {
			conv, found = decode(entry.Value(), channel, id)
		}
		if !found {
			conv = newConversation(channel, id, now)
		}
		if fn == nil && found {
			return conv, nil
		}
		if fn != nil {
			fn(conv, now)
		}

		data, err := json.Marshal(conv)
		if err != nil {
			return nil, fmt.Errorf("encode conversation: %w", err)
		}
		// Create also reuses keys left behind as delete markers by prune.
		if entry == nil {
			_, err = s.kv.Create(ctx, key, data)
		} else {
			_, err = s.kv.Update(ctx, key, data, revision)
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if entry == nil {
			s.prune(ctx, key)
		}
		return conv, nil
	}
	return nil, fmt.Errorf("kv update %s: %w: %v", key, model.ErrStorageUnavailable, lastErr)
}

// prune drops least-recently-updated records beyond MaxConversations, never
// the one at keep. It is best effort: concurrent creates may leave the bucket
// briefly over the limit.
func (s *KV) prune(ctx context.Context, keep string) {
	limit := s.opts.MaxConversations
	if limit <= 0 {
		return
	}
	keys, err := s.kv.Keys(ctx)
	if err != nil || len(keys) <= limit {
		return
	}
	updated := make(map[string]time.Time, len(keys))
	for _, key := range keys {
		if _, _, ok := parseKVKey(key); !ok {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var head struct {
			UpdatedAt time.Time `json:"updated_at"`
		}
		_ = json.Unmarshal(entry.Value(), &head)
		updated[key] = head.UpdatedAt
	}
	for _, key := range evictions(updated, keep, limit) {
		_ = s.kv.Delete(ctx, key)
	}
}
