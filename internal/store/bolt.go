package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

var conversationsBucket = []byte("conversations")

// OpenBolt opens (creating if needed) a bbolt file and its parent directory.
func OpenBolt(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// Bolt keeps conversations as JSON values in a single bbolt bucket. Every
// mutation runs in one write transaction so records never tear.
type Bolt struct {
	db   *bolt.DB
	opts Options
}

// NewBolt wraps an open database and ensures the bucket exists.
func NewBolt(db *bolt.DB, opts Options) (*Bolt, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("init conversations bucket: %w", err)
	}
	return &Bolt{db: db, opts: opts.withDefaults()}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Get implements ConversationStore.
func (b *Bolt) Get(ctx context.Context, channel model.Channel, id string) (*model.Conversation, error) {
	return b.mutate(ctx, channel, id, nil)
}

// AppendMessage implements ConversationStore.
func (b *Bolt) AppendMessage(ctx context.Context, channel model.Channel, id string, role model.Role, text string) (*model.Conversation, error) {
	return b.mutate(ctx, channel, id, func(c *model.Conversation, now time.Time) {
		appendMessage(c, model.Message{Role: role, Text: text}, now, b.opts.HistoryLimit)
	})
}

// Patch implements ConversationStore.
func (b *Bolt) Patch(ctx context.Context, channel model.Channel, id string, patch model.ConversationPatch) (*model.Conversation, error) {
	return b.mutate(ctx, channel, id, func(c *model.Conversation, now time.Time) {
		applyPatch(c, patch, now, b.opts.HistoryLimit)
	})
}

// ListAll implements ConversationStore. Malformed records are skipped.
func (b *Bolt) ListAll(_ context.Context) (map[string]*model.Conversation, error) {
	out := make(map[string]*model.Conversation)
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(conversationsBucket)
		return bkt.ForEach(func(k, v []byte) error {
			ch, id, ok := model.SplitConversationKey(string(k))
			if !ok {
				return nil
			}
			var c model.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			c.Hydrate(ch, id)
			out[string(k)] = &c
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w: %v", model.ErrStorageUnavailable, err)
	}
	return out, nil
}

// Put implements Snapshotter.
func (b *Bolt) Put(_ context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(conversationsBucket)
		if err := bkt.Put([]byte(conv.Key()), data); err != nil {
			return err
		}
		return b.prune(bkt, conv.Key())
	})
	if err != nil {
		return fmt.Errorf("put conversation: %w: %v", model.ErrStorageUnavailable, err)
	}
	return nil
}

// mutate loads or creates the record, applies fn, and writes it back. A nil
// fn only writes when the record did not exist yet.
func (b *Bolt) mutate(_ context.Context, channel model.Channel, id string, fn func(*model.Conversation, time.Time)) (*model.Conversation, error) {
	key := []byte(model.ConversationKey(channel, id))
	var out *model.Conversation
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(conversationsBucket)
		now := b.opts.Now()

		conv, found := decode(bkt.Get(key), channel, id)
		if !found {
			conv = newConversation(channel, id, now)
		}
		if fn == nil && found {
			out = conv
			return nil
		}
		if fn != nil {
			fn(conv, now)
		}

		data, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		if err := bkt.Put(key, data); err != nil {
			return err
		}
		out = conv
		if !found {
			return b.prune(bkt, string(key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w: %v", key, model.ErrStorageUnavailable, err)
	}
	return out, nil
}

// prune drops least-recently-updated records beyond MaxConversations, never
// the record at keep.
func (b *Bolt) prune(bkt *bolt.Bucket, keep string) error {
	limit := b.opts.MaxConversations
	if limit <= 0 {
		return nil
	}
	updated := make(map[string]time.Time)
	_ = bkt.ForEach(func(k, v []byte) error {
		var head struct {
			UpdatedAt time.Time `json:"updated_at"`
		}
		_ = json.Unmarshal(v, &head)
		updated[string(k)] = head.UpdatedAt
		return nil
	})
	for _, k := range evictions(updated, keep, limit) {
		if err := bkt.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

// decode parses a stored record. A malformed record reads as absent.
func decode(raw []byte, channel model.Channel, id string) (*model.Conversation, bool) {
	if raw == nil {
		return nil, false
	}
	var c model.Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false
	}
	c.Hydrate(channel, id)
	return &c, true
}
