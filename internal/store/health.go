package store

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

var healthBucket = []byte("webhook_health")

const previewRunes = 120

// HealthTracker counts webhook deliveries per channel. Counters live in
// memory and are written through to bbolt when a database is given; losing
// them is harmless.
type HealthTracker struct {
	mu    sync.Mutex
	stats map[model.Channel]*model.WebhookHealth
	db    *bolt.DB
	log   *logger.Logger
	now   func() time.Time
}

// NewHealthTracker loads persisted counters from db, which may be nil.
func NewHealthTracker(db *bolt.DB, log *logger.Logger) *HealthTracker {
	h := &HealthTracker{
		stats: make(map[model.Channel]*model.WebhookHealth),
		db:    db,
		log:   log.Named("health"),
		now:   func() time.Time { return time.Now().UTC() },
	}
	if db == nil {
		return h
	}
	err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(healthBucket)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			var wh model.WebhookHealth
			if json.Unmarshal(v, &wh) == nil {
				h.stats[model.Channel(k)] = &wh
			}
			return nil
		})
	})
	if err != nil {
		h.log.Warn("webhook health load failed", zap.Error(err))
	}
	return h
}

// Record notes one accepted delivery.
func (h *HealthTracker) Record(channel model.Channel, preview string, kind string) {
	h.mu.Lock()
	wh, ok := h.stats[channel]
	if !ok {
		wh = &model.WebhookHealth{Channel: channel}
		h.stats[channel] = wh
	}
	wh.TotalReceived++
	wh.LastEventAt = h.now()
	wh.LastPreview = truncateRunes(preview, previewRunes)
	wh.LastSignatureKind = kind
	snapshot := *wh
	h.mu.Unlock()

	if h.db == nil {
		return
	}
	data, _ := json.Marshal(snapshot)
	err := h.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(healthBucket)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(channel), data)
	})
	if err != nil {
		h.log.Warn("webhook health persist failed", zap.String("channel", string(channel)), zap.Error(err))
	}
}

// Snapshot returns counters for every channel seen, sorted by channel.
func (h *HealthTracker) Snapshot() []model.WebhookHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.WebhookHealth, 0, len(h.stats))
	for _, wh := range h.stats {
		out = append(out, *wh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
