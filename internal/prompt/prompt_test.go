package prompt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sales-funnel/internal/catalog"
	"github.com/capitalize-ai/sales-funnel/internal/llm"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

// stubClient is a scripted llm.Client.
type stubClient struct {
	mu      sync.Mutex
	reply   string
	err     error
	delay   time.Duration
	vision  bool
	lastReq *llm.CompletionRequest
}

func (s *stubClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	s.lastReq = req
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, llm.ClassifyError(ctx.Err())
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.reply, Model: "stub"}, nil
}

func (s *stubClient) Name() string         { return "stub" }
func (s *stubClient) SupportsVision() bool { return s.vision }

type stubSource struct {
	client llm.Client
	err    error
}

func (s stubSource) For(string) (llm.Client, error) { return s.client, s.err }

func TestBuildSystemPromptListsEveryTier(t *testing.T) {
	cat := catalog.Default()
	p := BuildSystemPrompt(PromptInput{Lang: "en", Channel: model.ChannelWhatsApp, Stage: model.StageOffer, Score: 55}, cat)

	for _, name := range cat.TierNames() {
		assert.Contains(t, p, name)
	}
	assert.Contains(t, p, "English")
	assert.Contains(t, p, "900 characters")
	assert.Contains(t, p, "Do not ask for contact details yet.")
}

func TestBuildSystemPromptContactGate(t *testing.T) {
	p := BuildSystemPrompt(PromptInput{Lang: "uk", Channel: model.ChannelWeb, Stage: model.StageAskContact, Score: 80, ExtraRules: []string{"Mention the free trial."}}, nil)
	assert.Contains(t, p, "You may ask for a phone number or email once")
	assert.Contains(t, p, "Ukrainian")
	assert.Contains(t, p, "- Mention the free trial.")
	assert.NotContains(t, p, "characters and")
}

func TestCallCompletionSuccess(t *testing.T) {
	c := &stubClient{reply: "  Sure, here are our packages.  "}
	a := NewAssembler(stubSource{client: c}, 0, logger.NewNop())

	res := a.CallCompletion(context.Background(), CompletionInput{
		SystemPrompt: "sys",
		History:      []model.Message{{Role: model.RoleUser, Text: "hi"}, {Role: model.RoleAssistant, Text: "hello"}},
		UserText:     "prices?",
		Fallback:     "fallback",
	})
	require.False(t, res.Fallback)
	assert.Equal(t, "Sure, here are our packages.", res.Text)
	require.Len(t, c.lastReq.Messages, 3)
	assert.Equal(t, "prices?", c.lastReq.Messages[2].Content)
	assert.Equal(t, "sys", c.lastReq.System)
}

func TestCallCompletionFallbacks(t *testing.T) {
	cases := map[string]struct {
		source stubSource
		want   error
	}{
		"missing credential": {source: stubSource{err: model.ErrMissingCredential}, want: model.ErrMissingCredential},
		"http error":         {source: stubSource{client: &stubClient{err: &model.UpstreamHTTPError{Status: 500}}}, want: model.ErrUpstreamHTTP},
		"empty output":       {source: stubSource{client: &stubClient{reply: "   "}}, want: errEmptyCompletion},
		"timeout":            {source: stubSource{client: &stubClient{reply: "late", delay: time.Second}}, want: model.ErrUpstreamTimeout},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			a := NewAssembler(tc.source, 0, logger.NewNop())
			res := a.CallCompletion(context.Background(), CompletionInput{
				UserText: "hi",
				Timeout:  20 * time.Millisecond,
				Fallback: "Give me a moment, please.",
			})
			assert.True(t, res.Fallback)
			assert.Equal(t, "Give me a moment, please.", res.Text)
			assert.True(t, errors.Is(res.Err, tc.want), "got %v", res.Err)
		})
	}
}

func TestFallbackNeverEmpty(t *testing.T) {
	a := NewAssembler(stubSource{err: model.ErrMissingCredential}, 0, logger.NewNop())
	res := a.CallCompletion(context.Background(), CompletionInput{UserText: "hi"})
	assert.NotEmpty(t, strings.TrimSpace(res.Text))
}

func TestImagesCappedAndDroppedWithoutVision(t *testing.T) {
	imgs := make([]llm.Image, 5)
	vision := &stubClient{reply: "nice", vision: true}
	NewAssembler(stubSource{client: vision}, 3, logger.NewNop()).
		CallCompletion(context.Background(), CompletionInput{UserText: "see", Images: imgs})
	assert.Len(t, vision.lastReq.Messages[0].Images, 3)

	plain := &stubClient{reply: "nice"}
	NewAssembler(stubSource{client: plain}, 3, logger.NewNop()).
		CallCompletion(context.Background(), CompletionInput{UserText: "see", Images: imgs})
	assert.Empty(t, plain.lastReq.Messages[0].Images)
}
