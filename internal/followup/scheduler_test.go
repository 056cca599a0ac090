package followup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/internal/store"
	"github.com/capitalize-ai/sales-funnel/internal/tenant"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeSender) SendText(_ context.Context, _ *model.ChannelConnection, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("graph api: 500")
	}
	f.sent = append(f.sent, to+"|"+text)
	return nil
}

func (f *fakeSender) Supports(ch model.Channel) bool { return ch != model.ChannelWeb }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	clk    *clock
	store  *store.Memory
	sender *fakeSender
	sched  *SchedulerHandle
}

// newFixture seeds one WhatsApp conversation whose assistant replied at t0,
// then moves the clock 30 minutes forward.
func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemory(store.Options{Now: clk.Now})
	ctx := context.Background()

	lang, routing := "en", "pn-1"
	_, err := st.Patch(ctx, model.ChannelWhatsApp, "380501112233", model.ConversationPatch{Language: &lang, RoutingID: &routing})
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, model.ChannelWhatsApp, "380501112233", model.RoleUser, "how much is the starter package")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, model.ChannelWhatsApp, "380501112233", model.RoleAssistant, "Starter costs $99.")
	require.NoError(t, err)

	dir := tenant.NewDirectory("default", nil)
	dir.AddConnection(model.ChannelConnection{Channel: model.ChannelWhatsApp, RoutingID: routing, Status: model.ConnectionConnected})

	sender := &fakeSender{}
	sched := New(st, sender, dir, Options{Interval: interval, Now: clk.Now}, logger.NewNop())
	clk.Advance(30 * time.Minute)
	return &fixture{clk: clk, store: st, sender: sender, sched: sched}
}

func TestTickNudgesExactlyOnce(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	first := f.sched.Tick(ctx)
	assert.Equal(t, 1, first.Sent)
	for i := 0; i < 3; i++ {
		f.clk.Advance(time.Minute)
		r := f.sched.Tick(ctx)
		assert.Zero(t, r.Sent)
		assert.Equal(t, 1, r.Skipped[ReasonAlreadyNudged])
	}
	require.Equal(t, 1, f.sender.count())
	assert.True(t, strings.HasPrefix(f.sender.sent[0], "380501112233|"))
	assert.Contains(t, f.sender.sent[0], "how much is the starter package")

	conv, err := f.store.Get(ctx, model.ChannelWhatsApp, "380501112233")
	require.NoError(t, err)
	require.NotNil(t, conv.FollowUpSentAt)
	last, _ := conv.LastMessage(model.RoleAssistant)
	assert.Contains(t, last.Text, "Just checking in")
}

func TestSendFailureLeavesConversationEligible(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	f.sender.fail = true

	r := f.sched.Tick(ctx)
	assert.Equal(t, 1, r.Failed)
	conv, err := f.store.Get(ctx, model.ChannelWhatsApp, "380501112233")
	require.NoError(t, err)
	assert.Nil(t, conv.FollowUpSentAt)
	assert.Len(t, conv.Messages, 2)

	f.sender.fail = false
	r = f.sched.Tick(ctx)
	assert.Equal(t, 1, r.Sent)
}

// markFailingStore rejects every patch that records a follow-up.
type markFailingStore struct {
	store.ConversationStore
}

func (m markFailingStore) Patch(ctx context.Context, ch model.Channel, id string, p model.ConversationPatch) (*model.Conversation, error) {
	if p.FollowUpSentAt != nil {
		return nil, model.ErrStorageUnavailable
	}
	return m.ConversationStore.Patch(ctx, ch, id, p)
}

func TestFailedMarkDoesNotRepeatNudge(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	sched := New(markFailingStore{f.store}, f.sender, f.sched.dir, Options{Now: f.clk.Now}, logger.NewNop())

	first := sched.Tick(ctx)
	assert.Equal(t, 1, first.Sent)
	f.clk.Advance(25 * time.Minute)
	second := sched.Tick(ctx)
	assert.Zero(t, second.Sent)
	assert.Equal(t, 1, second.Skipped[ReasonAlreadyNudged])
	assert.Equal(t, 1, f.sender.count())
}

func TestReloadSkipsConversationThatGotAReply(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	stale := &staleListStore{Memory: f.store}
	_, err := stale.ListAll(ctx)
	require.NoError(t, err)
	sched := New(stale, f.sender, f.sched.dir, Options{Now: f.clk.Now}, logger.NewNop())

	_, err = f.store.AppendMessage(ctx, model.ChannelWhatsApp, "380501112233", model.RoleUser, "one more thing")
	require.NoError(t, err)

	r := sched.Tick(ctx)
	assert.Zero(t, r.Sent)
	assert.Equal(t, 1, r.Skipped[ReasonAwaitingReply])
	assert.Zero(t, f.sender.count())
}

// staleListStore serves ListAll from the first scan, as a slow listing would.
type staleListStore struct {
	*store.Memory
	once     sync.Once
	snapshot map[string]*model.Conversation
}

func (s *staleListStore) ListAll(ctx context.Context) (map[string]*model.Conversation, error) {
	var err error
	s.once.Do(func() { s.snapshot, err = s.Memory.ListAll(ctx) })
	return s.snapshot, err
}

func TestSkipsChannelsWithoutSenderOrConnection(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	_, err := f.store.AppendMessage(ctx, model.ChannelWeb, "sess", model.RoleUser, "hello")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, model.ChannelWeb, "sess", model.RoleAssistant, "hi")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, model.ChannelMessenger, "psid", model.RoleUser, "hello")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, model.ChannelMessenger, "psid", model.RoleAssistant, "hi")
	require.NoError(t, err)
	f.clk.Advance(25 * time.Minute)

	r := f.sched.Tick(ctx)
	assert.Equal(t, 3, r.Scanned)
	assert.Equal(t, 1, r.Skipped[ReasonNoSender])
	assert.Equal(t, 1, r.Skipped[ReasonNoConnection])
}

func TestStartOnlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, f.sched.Start(ctx))
	assert.False(t, f.sched.Start(ctx))
	assert.Eventually(t, func() bool { return f.sender.count() == 1 }, time.Second, 5*time.Millisecond)
	f.sched.Stop()
	assert.Equal(t, 1, f.sender.count())
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	marked := now.Add(-time.Hour)
	msg := func(role model.Role, ago time.Duration) model.Message {
		return model.Message{Role: role, Text: "x", Timestamp: now.Add(-ago)}
	}

	tests := []struct {
		name   string
		conv   model.Conversation
		state  State
		reason string
	}{
		{
			name:   "lead captured",
			conv:   model.Conversation{LeadCapturedAt: &marked, Messages: []model.Message{msg(model.RoleUser, 30*time.Minute), msg(model.RoleAssistant, 25*time.Minute)}},
			state:  StateNudged,
			reason: ReasonLeadCaptured,
		},
		{
			name:   "already nudged",
			conv:   model.Conversation{FollowUpSentAt: &marked},
			state:  StateNudged,
			reason: ReasonAlreadyNudged,
		},
		{
			name:   "nudge already in history",
			conv:   model.Conversation{Messages: []model.Message{msg(model.RoleUser, 40*time.Minute), {Role: model.RoleAssistant, Text: "x", Kind: model.KindNudge, Timestamp: now.Add(-30 * time.Minute)}}},
			state:  StateNudged,
			reason: ReasonAlreadyNudged,
		},
		{
			name:   "no user message",
			conv:   model.Conversation{Messages: []model.Message{msg(model.RoleAssistant, 30*time.Minute)}},
			state:  StateNone,
			reason: ReasonNoUserMessage,
		},
		{
			name:   "user spoke last",
			conv:   model.Conversation{Messages: []model.Message{msg(model.RoleAssistant, 40*time.Minute), msg(model.RoleUser, 30*time.Minute)}},
			state:  StateNone,
			reason: ReasonAwaitingReply,
		},
		{
			name:   "outside outer bound",
			conv:   model.Conversation{Messages: []model.Message{msg(model.RoleUser, 24*time.Hour), msg(model.RoleAssistant, 24*time.Hour-time.Minute)}},
			state:  StateNone,
			reason: ReasonTooStale,
		},
		{
			name:   "recent reply",
			conv:   model.Conversation{Messages: []model.Message{msg(model.RoleUser, 10*time.Minute), msg(model.RoleAssistant, 5*time.Minute)}},
			state:  StateNone,
			reason: ReasonNotStalled,
		},
		{
			name:   "past max delay",
			conv:   model.Conversation{Messages: []model.Message{msg(model.RoleUser, 2*time.Hour), msg(model.RoleAssistant, 2*time.Hour)}},
			state:  StateNone,
			reason: ReasonTooLate,
		},
		{
			name:  "stalled",
			conv:  model.Conversation{Messages: []model.Message{msg(model.RoleUser, 30*time.Minute), msg(model.RoleAssistant, 25*time.Minute)}},
			state: StateStalled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, reason := Evaluate(&tt.conv, now, Options{})
			assert.Equal(t, tt.state, state)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestQuoteTruncatesLongText(t *testing.T) {
	long := strings.Repeat("я", 200)
	q := quote(long)
	assert.Equal(t, quoteRunes, len([]rune(q)))
	assert.True(t, strings.HasSuffix(q, "…"))
	assert.Equal(t, "short", quote("short"))
}
