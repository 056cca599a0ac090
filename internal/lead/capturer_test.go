package lead

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/internal/store"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

type recordingNotifier struct {
	mu    sync.Mutex
	leads []*model.Lead
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, l *model.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads = append(r.leads, l)
	return r.err
}

type fixture struct {
	convs    *store.Memory
	leads    *MemoryStore
	notifier *recordingNotifier
	cap      *Capturer
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		convs:    store.NewMemory(store.Options{}),
		leads:    NewMemoryStore(),
		notifier: &recordingNotifier{},
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	c, err := NewCapturer(f.leads, f.convs, f.notifier, Options{
		DedupWindow:  24 * time.Hour,
		MinUserTurns: 2,
		Now:          func() time.Time { return f.now },
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	f.cap = c
	return f
}

func (f *fixture) say(t *testing.T, ch model.Channel, id string, texts ...string) *model.Conversation {
	t.Helper()
	var conv *model.Conversation
	var err error
	for _, text := range texts {
		conv, err = f.convs.AppendMessage(context.Background(), ch, id, model.RoleUser, text)
		require.NoError(t, err)
	}
	return conv
}

func TestCaptureWhatsAppLeadOnce(t *testing.T) {
	f := newFixture(t)
	conv := f.say(t, model.ChannelWhatsApp, "380501112233", "hi", "ready to start with BUSINESS")

	lead, err := f.cap.MaybeCapture(context.Background(), conv, "ready to start with BUSINESS", model.StageAskContact, 80, model.IntentGeneral)
	require.NoError(t, err)
	require.NotNil(t, lead)
	assert.Equal(t, "+380501112233", lead.Contact)
	assert.Equal(t, "whatsapp_bot", lead.Source)
	assert.Equal(t, model.LeadStatusNew, lead.Status)
	require.Len(t, f.notifier.leads, 1)

	marked, err := f.convs.Get(context.Background(), model.ChannelWhatsApp, "380501112233")
	require.NoError(t, err)
	require.NotNil(t, marked.LeadCapturedAt)

	// Inside the window the same contact is idempotent.
	f.now = f.now.Add(23 * time.Hour)
	again, err := f.cap.MaybeCapture(context.Background(), conv, "ready to start with BUSINESS", model.StageAskContact, 85, model.IntentGeneral)
	require.NoError(t, err)
	assert.Nil(t, again)

	all, _ := f.leads.List(context.Background(), "", 0)
	assert.Len(t, all, 1)
}

func TestCaptureAfterWindowCreatesNewLead(t *testing.T) {
	f := newFixture(t)
	conv := f.say(t, model.ChannelWhatsApp, "380501112233", "hi", "let's start")

	_, err := f.cap.MaybeCapture(context.Background(), conv, "let's start", model.StageAskContact, 80, model.IntentGeneral)
	require.NoError(t, err)

	f.now = f.now.Add(25 * time.Hour)
	lead, err := f.cap.MaybeCapture(context.Background(), conv, "let's start", model.StageAskContact, 80, model.IntentGeneral)
	require.NoError(t, err)
	require.NotNil(t, lead)

	all, _ := f.leads.List(context.Background(), "", 0)
	assert.Len(t, all, 2)
}

func TestCaptureFromWrittenContact(t *testing.T) {
	f := newFixture(t)
	conv := f.say(t, model.ChannelMessenger, "PSID1", "tell me about PRO", "write me at Jane.Doe@Example.com")

	lead, err := f.cap.MaybeCapture(context.Background(), conv, "write me at Jane.Doe@Example.com", model.StageOffer, 50, model.IntentContactInterest)
	require.NoError(t, err)
	require.NotNil(t, lead)
	assert.Equal(t, "jane.doe@example.com", lead.Contact)
	assert.Equal(t, "jane.doe@example.com", lead.Email)
	assert.Equal(t, "messenger_bot", lead.Source)
}

func TestCapturePreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	single := f.say(t, model.ChannelWhatsApp, "380500000001", "ready to start")
	lead, err := f.cap.MaybeCapture(ctx, single, "ready to start", model.StageAskContact, 90, model.IntentGeneral)
	require.NoError(t, err)
	assert.Nil(t, lead, "too few user turns")

	support := f.say(t, model.ChannelWhatsApp, "380500000002", "hi", "bot is broken, call me")
	lead, err = f.cap.MaybeCapture(ctx, support, "bot is broken, call me", model.StageAskContact, 90, model.IntentSupport)
	require.NoError(t, err)
	assert.Nil(t, lead, "support intent")

	noContact := f.say(t, model.ChannelInstagram, "IG1", "hi", "I'm ready to start")
	lead, err = f.cap.MaybeCapture(ctx, noContact, "I'm ready to start", model.StageAskContact, 90, model.IntentGeneral)
	require.NoError(t, err)
	assert.Nil(t, lead, "no derivable contact")

	notReady := f.say(t, model.ChannelWhatsApp, "380500000003", "hi", "what do you do")
	lead, err = f.cap.MaybeCapture(ctx, notReady, "what do you do", model.StageDiscovery, 30, model.IntentGeneral)
	require.NoError(t, err)
	assert.Nil(t, lead, "not asked and no contact written")
}

func TestNotifierFailureKeepsLead(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("operator webhook down")
	conv := f.say(t, model.ChannelWhatsApp, "380501112233", "hi", "ready to start")

	lead, err := f.cap.MaybeCapture(context.Background(), conv, "ready to start", model.StageAskContact, 80, model.IntentGeneral)
	require.NoError(t, err)
	require.NotNil(t, lead)
	all, _ := f.leads.List(context.Background(), "", 0)
	assert.Len(t, all, 1)
}

func TestWebhookNotifier(t *testing.T) {
	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), &model.Lead{ID: "l1", Contact: "+380501112233", Channel: model.ChannelWhatsApp})
	require.NoError(t, err)
	assert.Contains(t, got.Text, "+380501112233")
	require.NotNil(t, got.Lead)
	assert.Equal(t, "l1", got.Lead.ID)

	assert.ErrorIs(t, NewWebhookNotifier("").Notify(context.Background(), &model.Lead{}), ErrNotConfigured)
}

type fakePublisher struct {
	subject string
	payload []byte
}

func (p *fakePublisher) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.subject = subject
	p.payload = payload
	return &jetstream.PubAck{Stream: "LEADS"}, nil
}

func TestNATSNotifierSubject(t *testing.T) {
	pub := &fakePublisher{}
	require.NoError(t, NewNATSNotifier(pub).Notify(context.Background(), &model.Lead{ID: "l1", TenantID: "acme"}))
	assert.Equal(t, "leads.acme.created", pub.subject)
	assert.Equal(t, "leads.default.created", Subject(""))

	var decoded model.Lead
	require.NoError(t, json.Unmarshal(pub.payload, &decoded))
	assert.Equal(t, "l1", decoded.ID)
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}
	err := MultiNotifier{bad, ok}.Notify(context.Background(), &model.Lead{ID: "x"})
	assert.Error(t, err)
	assert.Len(t, ok.leads, 1)
}

func TestMemoryStoreList(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, tenant := range []string{"a", "b", "a"} {
		require.NoError(t, s.Create(context.Background(), &model.Lead{ID: string(rune('1' + i)), TenantID: tenant, CreatedAt: base.Add(time.Duration(i) * time.Hour)}))
	}
	leads, err := s.List(context.Background(), "a", 0)
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, "3", leads[0].ID)

	leads, _ = s.List(context.Background(), "", 1)
	assert.Len(t, leads, 1)
}
