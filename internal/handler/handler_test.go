package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sales-funnel/internal/catalog"
	"github.com/capitalize-ai/sales-funnel/internal/channel"
	"github.com/capitalize-ai/sales-funnel/internal/lead"
	"github.com/capitalize-ai/sales-funnel/internal/middleware"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/internal/prompt"
	"github.com/capitalize-ai/sales-funnel/internal/ratelimit"
	"github.com/capitalize-ai/sales-funnel/internal/service"
	"github.com/capitalize-ai/sales-funnel/internal/store"
	"github.com/capitalize-ai/sales-funnel/internal/tenant"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

const (
	appSecret   = "app-secret"
	verifyToken = "verify-me"
	jwtSecret   = "jwt-secret"
)

const whatsappText = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "WABA1", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "metadata": {"phone_number_id": "PN1"},
    "messages": [{"from": "380501112233", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "Hello, I sell flowers"}}]
  }}]}]
}`

type stubCompleter struct{}

func (stubCompleter) CallCompletion(context.Context, prompt.CompletionInput) prompt.CompletionResult {
	return prompt.CompletionResult{Text: "Tell me more about your shop."}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendText(_ context.Context, _ *model.ChannelConnection, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+"|"+text)
	return nil
}

func (f *fakeSender) Supports(ch model.Channel) bool { return ch != model.ChannelWeb }

type env struct {
	store    *store.Memory
	leads    *lead.MemoryStore
	sender   *fakeSender
	webhooks *WebhookHandler
	router   http.Handler
}

func newEnv(t *testing.T, webhookLimit int) *env {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory(store.Options{})
	dir := tenant.NewDirectory("default", nil)
	dir.AddConnection(model.ChannelConnection{Channel: model.ChannelWhatsApp, RoutingID: "PN1", Status: model.ConnectionConnected})
	dir.AddConnection(model.ChannelConnection{Channel: model.ChannelMessenger, RoutingID: "PAGE1", VerifyToken: "page-token", Status: model.ConnectionConnected})

	funnel := service.NewFunnel(service.Deps{Store: st, Directory: dir, Completer: stubCompleter{}}, service.Options{}, log)
	sender := &fakeSender{}
	health := store.NewHealthTracker(nil, log)
	settings := map[model.Channel]ChannelSettings{
		model.ChannelWhatsApp: {VerifyToken: verifyToken, Secrets: channel.Secrets{Primary: appSecret}},
	}
	webhooks := NewWebhookHandler(funnel, dir, sender, health, settings, log)
	leads := lead.NewMemoryStore()

	router := NewRouter(RouterConfig{
		Webhooks:          webhooks,
		Chat:              NewChatHandler(funnel, dir, log),
		Admin:             NewAdminHandler(leads, st, health, log),
		Health:            NewHealthHandler(nil),
		Limiter:           ratelimit.NewMemory(),
		WebhookRateLimit:  webhookLimit,
		WebhookRateWindow: time.Minute,
		ChatRateLimit:     100,
		ChatRateWindow:    time.Minute,
		JWTSecret:         jwtSecret,
		Logger:            log,
	})
	return &env{store: st, leads: leads, sender: sender, webhooks: webhooks, router: router}
}

func (e *env) post(body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(channel.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestDeliverRejectsBadSignatureWithoutState(t *testing.T) {
	e := newEnv(t, 100)
	wrong := channel.SignatureHeaderValue([]byte(whatsappText), "not-the-secret")

	rec := e.post(whatsappText, wrong)
	e.webhooks.Wait()

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid signature"}`, rec.Body.String())
	all, err := e.store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, e.sender.sent)
}

func TestDeliverRepliesInBackground(t *testing.T) {
	e := newEnv(t, 100)

	rec := e.post(whatsappText, channel.SignatureHeaderValue([]byte(whatsappText), appSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	e.webhooks.Wait()

	require.Len(t, e.sender.sent, 1)
	assert.Equal(t, "380501112233|"+catalog.Default().Intro("en"), e.sender.sent[0])

	conv, err := e.store.Get(context.Background(), model.ChannelWhatsApp, "380501112233")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)
	assert.Equal(t, "PN1", conv.RoutingID)
}

func TestDeliverEdgeCases(t *testing.T) {
	unknown := strings.ReplaceAll(whatsappText, "PN1", "PN9")
	canary := strings.ReplaceAll(whatsappText, "380501112233", "16315551181")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"entry": [`, http.StatusBadRequest},
		{"unknown routing id", unknown, http.StatusOK},
		{"platform test event", canary, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 100)
			rec := e.post(tt.body, channel.SignatureHeaderValue([]byte(tt.body), appSecret))
			e.webhooks.Wait()
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, e.sender.sent)
		})
	}
}

func TestHandshake(t *testing.T) {
	e := newEnv(t, 100)
	tests := []struct {
		name string
		path string
		want int
		body string
	}{
		{name: "hub form", path: "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", want: http.StatusOK, body: "42"},
		{name: "plain form", path: "/webhooks/whatsapp?mode=subscribe&verify_token=verify-me&challenge=abc", want: http.StatusOK, body: "abc"},
		{name: "connection token", path: "/webhooks/messenger?hub.mode=subscribe&hub.verify_token=page-token&hub.challenge=7", want: http.StatusOK, body: "7"},
		{name: "wrong token", path: "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", want: http.StatusForbidden},
		{name: "web is not a webhook", path: "/webhooks/web?hub.mode=subscribe", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
			if tt.want == http.StatusForbidden {
				assert.Contains(t, rec.Body.String(), "WHATSAPP_VERIFY_TOKEN")
			}
		})
	}
}

func TestWebhookRateLimit(t *testing.T) {
	e := newEnv(t, 1)
	sig := channel.SignatureHeaderValue([]byte(whatsappText), appSecret)

	first := e.post(whatsappText, sig)
	second := e.post(whatsappText, sig)
	e.webhooks.Wait()

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestChat(t *testing.T) {
	e := newEnv(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"session_id":"s-1","text":"hello","lang":"en"}`))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, catalog.Default().Intro("en"), resp.Reply)
	assert.NotEmpty(t, resp.Stage)

	bad := httptest.NewRecorder()
	e.router.ServeHTTP(bad, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"session_id":"","text":"hi"}`)))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestAdminEndpoints(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()
	_, err := e.store.AppendMessage(ctx, model.ChannelWhatsApp, "380501112233", model.RoleUser, "hi")
	require.NoError(t, err)
	require.NoError(t, e.leads.Create(ctx, &model.Lead{ID: "l1", TenantID: "default", Contact: "+380501112233", Source: "whatsapp_bot", CreatedAt: time.Now()}))

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{Scopes: []string{middleware.AdminScope}})
	signed, err := tok.SignedString([]byte(jwtSecret))
	require.NoError(t, err)

	get := func(path string, auth bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth {
			req.Header.Set("Authorization", "Bearer "+signed)
		}
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/admin/leads", false).Code)

	leads := get("/api/v1/admin/leads", true)
	require.Equal(t, http.StatusOK, leads.Code)
	assert.Contains(t, leads.Body.String(), `"l1"`)

	conv := get("/api/v1/admin/conversations/whatsapp:380501112233", true)
	require.Equal(t, http.StatusOK, conv.Code)
	assert.Contains(t, conv.Body.String(), `"hi"`)

	assert.Equal(t, http.StatusNotFound, get("/api/v1/admin/conversations/whatsapp:000", true).Code)
	assert.Equal(t, http.StatusBadRequest, get("/api/v1/admin/conversations/fax:1", true).Code)
	assert.Equal(t, http.StatusOK, get("/api/v1/admin/webhooks/health", true).Code)
}

func TestReadyReportsFailingChecks(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"nats": func(context.Context) error { return assert.AnError },
	})
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "nats")
}
