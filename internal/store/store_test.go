package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

// fakeClock advances one second per call so ordering is deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func openTestBolt(t *testing.T, opts Options) *Bolt {
	t.Helper()
	db, err := OpenBolt(filepath.Join(t.TempDir(), "state", "conversations.bolt"))
	require.NoError(t, err)
	s, err := NewBolt(db, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backends returns a fresh instance of every store implementation.
func backends(t *testing.T, opts Options) map[string]ConversationStore {
	return map[string]ConversationStore{
		"memory": NewMemory(opts),
		"bolt":   openTestBolt(t, opts),
		"kv":     NewKV(newFakeKV(), opts),
	}
}

func TestGetIsIdempotentOnMissingKey(t *testing.T) {
	for name, s := range backends(t, Options{Now: newClock().Now}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := s.Get(ctx, model.ChannelWhatsApp, "380501112233")
			require.NoError(t, err)
			second, err := s.Get(ctx, model.ChannelWhatsApp, "380501112233")
			require.NoError(t, err)

			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("Get not idempotent (-first +second):\n%s", diff)
			}
			assert.Empty(t, first.Messages)
			assert.NotNil(t, first.PendingMedia)
			assert.Nil(t, first.FollowUpSentAt)
		})
	}
}

func TestAppendTrimsToHistoryLimit(t *testing.T) {
	for name, s := range backends(t, Options{HistoryLimit: 6, Now: newClock().Now}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var conv *model.Conversation
			var err error
			for i := 0; i < 10; i++ {
				conv, err = s.AppendMessage(ctx, model.ChannelWeb, "s1", model.RoleUser, fmt.Sprintf("m%d", i))
				require.NoError(t, err)
			}
			require.Len(t, conv.Messages, 6)
			assert.Equal(t, "m4", conv.Messages[0].Text)
			assert.Equal(t, "m9", conv.Messages[5].Text)
		})
	}
}

func TestPatchMarksAreWriteOnce(t *testing.T) {
	for name, s := range backends(t, Options{Now: newClock().Now}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
			later := first.Add(time.Hour)
			lang := "en"

			_, err := s.Patch(ctx, model.ChannelMessenger, "p1", model.ConversationPatch{FollowUpSentAt: &first, Language: &lang})
			require.NoError(t, err)
			conv, err := s.Patch(ctx, model.ChannelMessenger, "p1", model.ConversationPatch{FollowUpSentAt: &later})
			require.NoError(t, err)

			require.NotNil(t, conv.FollowUpSentAt)
			assert.True(t, conv.FollowUpSentAt.Equal(first))
			assert.Equal(t, "en", conv.Language)
		})
	}
}

func TestListAllKeysByConversationKey(t *testing.T) {
	for name, s := range backends(t, Options{Now: newClock().Now}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.AppendMessage(ctx, model.ChannelWhatsApp, "1", model.RoleUser, "hi")
			require.NoError(t, err)
			_, err = s.AppendMessage(ctx, model.ChannelInstagram, "ig:odd/id", model.RoleUser, "hey")
			require.NoError(t, err)

			all, err := s.ListAll(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.Contains(t, all, "whatsapp:1")
			assert.Contains(t, all, "instagram:ig:odd/id")
		})
	}
}

func TestPruneDropsLeastRecentlyUpdated(t *testing.T) {
	for name, s := range backends(t, Options{MaxConversations: 2, Now: newClock().Now}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b"} {
				_, err := s.AppendMessage(ctx, model.ChannelWeb, id, model.RoleUser, "x")
				require.NoError(t, err)
			}
			// Touch "a" so "b" becomes the oldest.
			_, err := s.AppendMessage(ctx, model.ChannelWeb, "a", model.RoleUser, "y")
			require.NoError(t, err)
			_, err = s.AppendMessage(ctx, model.ChannelWeb, "c", model.RoleUser, "z")
			require.NoError(t, err)

			all, err := s.ListAll(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.Contains(t, all, "web:a")
			assert.Contains(t, all, "web:c")
		})
	}
}

func TestPruneKeepsNewRecordOnTimestampTie(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	frozen := func() time.Time { return at }
	for name, s := range backends(t, Options{MaxConversations: 2, Now: frozen}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// "z" sorts after every older key, so only the exclusion saves it.
			for _, id := range []string{"a", "b", "z"} {
				conv, err := s.AppendMessage(ctx, model.ChannelWeb, id, model.RoleUser, "x")
				require.NoError(t, err)
				require.Len(t, conv.Messages, 1)
			}

			all, err := s.ListAll(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.Contains(t, all, "web:z")
			assert.Contains(t, all, "web:b")
		})
	}
}

func TestEvictionsBreakTiesByKey(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	updated := map[string]time.Time{
		"web:c": at,
		"web:a": at,
		"web:b": at,
		"web:d": at.Add(time.Minute),
	}
	assert.Equal(t, []string{"web:a", "web:c"}, evictions(updated, "web:b", 2))
	assert.Nil(t, evictions(updated, "", 4))
	assert.Nil(t, evictions(updated, "", 0))
}

func TestKVRecreatesPrunedKey(t *testing.T) {
	kv := newFakeKV()
	s := NewKV(kv, Options{MaxConversations: 1, Now: newClock().Now})
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, model.ChannelWeb, "a", model.RoleUser, "x")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, model.ChannelWeb, "b", model.RoleUser, "y")
	require.NoError(t, err)
	_, err = kv.Get(ctx, kvKey(model.ChannelWeb, "a"))
	require.ErrorIs(t, err, jetstream.ErrKeyNotFound)

	conv, err := s.AppendMessage(ctx, model.ChannelWeb, "a", model.RoleUser, "again")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "again", conv.Messages[0].Text)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "web:a")
}

func TestPatchAppendsInSameWrite(t *testing.T) {
	for name, s := range backends(t, Options{HistoryLimit: 6, Now: newClock().Now}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 6; i++ {
				_, err := s.AppendMessage(ctx, model.ChannelWeb, "s1", model.RoleUser, fmt.Sprintf("m%d", i))
				require.NoError(t, err)
			}
			sent := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
			conv, err := s.Patch(ctx, model.ChannelWeb, "s1", model.ConversationPatch{
				FollowUpSentAt: &sent,
				Append:         &model.Message{Role: model.RoleAssistant, Text: "still there?", Kind: model.KindNudge},
			})
			require.NoError(t, err)

			require.Len(t, conv.Messages, 6)
			last := conv.Messages[5]
			assert.Equal(t, model.KindNudge, last.Kind)
			assert.False(t, last.Timestamp.IsZero())
			assert.Equal(t, "m1", conv.Messages[0].Text)
			require.NotNil(t, conv.FollowUpSentAt)

			reloaded, err := s.Get(ctx, model.ChannelWeb, "s1")
			require.NoError(t, err)
			assert.Equal(t, model.KindNudge, reloaded.Messages[5].Kind)
		})
	}
}

func TestBoltSurvivesReopenAndMalformedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.bolt")
	ctx := context.Background()

	db, err := OpenBolt(path)
	require.NoError(t, err)
	s, err := NewBolt(db, Options{})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, model.ChannelWhatsApp, "1", model.RoleUser, "hello")
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put([]byte("whatsapp:2"), []byte("{broken"))
	}))
	require.NoError(t, s.Close())

	db, err = OpenBolt(path)
	require.NoError(t, err)
	s, err = NewBolt(db, Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	conv, err := s.Get(ctx, model.ChannelWhatsApp, "1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Text)

	broken, err := s.Get(ctx, model.ChannelWhatsApp, "2")
	require.NoError(t, err)
	assert.Empty(t, broken.Messages)
}

func TestKVRetriesOnRevisionConflict(t *testing.T) {
	kv := newFakeKV()
	kv.conflicts = 2
	s := NewKV(kv, Options{})

	conv, err := s.AppendMessage(context.Background(), model.ChannelWeb, "s1", model.RoleUser, "hi")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 1)
	assert.Equal(t, 3, kv.updates)
}

func TestKVKeyRoundTrip(t *testing.T) {
	key := kvKey(model.ChannelInstagram, "user:with.dots")
	ch, id, ok := parseKVKey(key)
	require.True(t, ok)
	assert.Equal(t, model.ChannelInstagram, ch)
	assert.Equal(t, "user:with.dots", id)

	_, _, ok = parseKVKey("other.key")
	assert.False(t, ok)
}

func TestLayeredFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	mirror := NewMemory(Options{})
	l := NewLayered(NewKV(kv, Options{}), mirror, logger.NewNop())

	_, err := l.AppendMessage(ctx, model.ChannelWeb, "s1", model.RoleUser, "first")
	require.NoError(t, err)
	mirrored, err := mirror.Get(ctx, model.ChannelWeb, "s1")
	require.NoError(t, err)
	assert.Len(t, mirrored.Messages, 1)

	kv.down = true
	conv, err := l.AppendMessage(ctx, model.ChannelWeb, "s1", model.RoleAssistant, "second")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)
}

func TestHealthTrackerPersists(t *testing.T) {
	db, err := OpenBolt(filepath.Join(t.TempDir(), "health.bolt"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	h := NewHealthTracker(db, logger.NewNop())
	h.Record(model.ChannelWhatsApp, "hello there", "primary")
	h.Record(model.ChannelWhatsApp, "second", "secondary")
	h.Record(model.ChannelMessenger, "hi", "primary")

	reloaded := NewHealthTracker(db, logger.NewNop()).Snapshot()
	require.Len(t, reloaded, 2)
	assert.Equal(t, model.ChannelMessenger, reloaded[0].Channel)
	assert.Equal(t, int64(2), reloaded[1].TotalReceived)
	assert.Equal(t, "second", reloaded[1].LastPreview)
	assert.Equal(t, "secondary", reloaded[1].LastSignatureKind)
}

// fakeKV is an in-memory KeyValue with revision checks.
type fakeKV struct {
	mu        sync.Mutex
	data      map[string][]byte
	revs      map[string]uint64
	conflicts int
	updates   int
	down      bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string][]byte{}, revs: map[string]uint64{}}
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, fmt.Errorf("nats: connection closed")
	}
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeEntry{key: key, value: v, rev: f.revs[key]}, nil
}

func (f *fakeKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	if _, ok := f.data[key]; ok {
		f.mu.Unlock()
		return 0, jetstream.ErrKeyExists
	}
	// A deleted key keeps its revision, like a JetStream delete marker.
	rev := f.revs[key]
	f.mu.Unlock()
	return f.Update(ctx, key, value, rev)
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("nats: connection closed")
	}
	delete(f.data, key)
	f.revs[key]++
	return nil
}

func (f *fakeKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.down {
		return 0, fmt.Errorf("nats: connection closed")
	}
	if f.conflicts > 0 {
		f.conflicts--
		return 0, fmt.Errorf("wrong last sequence")
	}
	if f.revs[key] != revision {
		return 0, fmt.Errorf("wrong last sequence: %d", f.revs[key])
	}
	f.revs[key]++
	f.data[key] = append([]byte(nil), value...)
	return f.revs[key], nil
}

func (f *fakeKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

type fakeEntry struct {
	key   string
	value []byte
	rev   uint64
}

func (e *fakeEntry) Bucket() string                  { return "conversations" }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return e.rev }
func (e *fakeEntry) Created() time.Time              { return time.Time{} }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }
