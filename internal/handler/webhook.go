package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/channel"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/internal/service"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
	"github.com/capitalize-ai/sales-funnel/pkg/metrics"
)

const processTimeout = 90 * time.Second

// Funnel handles one normalized event.
type Funnel interface {
	Handle(ctx context.Context, ev model.InboundEvent, conn *model.ChannelConnection) (service.Reply, error)
}

// Connections resolves channel connections.
type Connections interface {
	Resolve(ch model.Channel, routingID string) (*model.ChannelConnection, bool)
	VerifyTokens(ch model.Channel) []string
}

// HealthRecorder counts accepted deliveries.
type HealthRecorder interface {
	Record(ch model.Channel, preview string, kind string)
}

// ChannelSettings are the process-wide webhook credentials of one channel.
// Connection secrets override Secrets.Primary when set.
type ChannelSettings struct {
	VerifyToken string
	Secrets     channel.Secrets
}

// WebhookHandler serves the platform webhook endpoints. Deliveries are
// acknowledged once verified and parsed; replies are produced in background.
type WebhookHandler struct {
	funnel   Funnel
	conns    Connections
	sender   channel.Sender
	health   HealthRecorder
	settings map[model.Channel]ChannelSettings
	log      *logger.Logger

	wg sync.WaitGroup
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(funnel Funnel, conns Connections, sender channel.Sender, health HealthRecorder, settings map[model.Channel]ChannelSettings, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		funnel:   funnel,
		conns:    conns,
		sender:   sender,
		health:   health,
		settings: settings,
		log:      log.Named("webhook"),
	}
}

// Wait blocks until every background delivery has been processed.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

func webhookChannel(r *http.Request) (model.Channel, bool) {
	ch, ok := model.ParseChannel(chi.URLParam(r, "channel"))
	if !ok || ch == model.ChannelWeb {
		return "", false
	}
	return ch, true
}

func queryParam(r *http.Request, name string) string {
	q := r.URL.Query()
	if v := q.Get("hub." + name); v != "" {
		return v
	}
	return q.Get(name)
}

// Handshake handles GET /webhooks/{channel}
func (h *WebhookHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	ch, ok := webhookChannel(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	mode := queryParam(r, "mode")
	token := queryParam(r, "verify_token")
	challenge := queryParam(r, "challenge")

	if mode == "subscribe" && token != "" && h.tokenMatches(ch, token) {
		h.log.Info("webhook verified", zap.String("channel", string(ch)))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}

	h.log.Warn("webhook verification failed", zap.String("channel", string(ch)), zap.String("mode", mode))
	writeJSON(w, http.StatusForbidden, map[string]string{
		"error": "verification failed",
		"hint":  "check " + strings.ToUpper(string(ch)) + "_VERIFY_TOKEN matches the token configured on the platform",
	})
}

func (h *WebhookHandler) tokenMatches(ch model.Channel, token string) bool {
	if s := h.settings[ch]; s.VerifyToken != "" && s.VerifyToken == token {
		return true
	}
	for _, t := range h.conns.VerifyTokens(ch) {
		if t == token {
			return true
		}
	}
	return false
}

// Deliver handles POST /webhooks/{channel}
func (h *WebhookHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	ch, ok := webhookChannel(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	log := h.log.With(zap.String("channel", string(ch)))

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.reject(w, ch, "read_body", http.StatusBadRequest, "failed to read body")
		return
	}
	if !gjson.ValidBytes(raw) {
		h.reject(w, ch, "malformed", http.StatusBadRequest, "malformed payload")
		return
	}

	routingIDs := channel.RoutingIDs(ch, raw)
	var conn *model.ChannelConnection
	for _, id := range routingIDs {
		if c, found := h.conns.Resolve(ch, id); found {
			conn = c
			break
		}
	}

	secrets := h.settings[ch].Secrets
	if conn != nil && conn.AppSecret != "" {
		secrets.Primary = conn.AppSecret
	}
	result := channel.Verify(raw, r.Header.Get(channel.SignatureHeader), secrets)
	if !result.OK {
		log.Warn("webhook signature rejected",
			zap.Bool("secrets_configured", secrets.Configured()),
			zap.Error(model.ErrSignatureInvalid),
		)
		h.reject(w, ch, "signature", http.StatusForbidden, "Invalid signature")
		return
	}
	switch result.Kind {
	case channel.SecretBypass:
		log.Warn("WEBHOOK SIGNATURE CHECK BYPASSED, do not run this in production")
	case channel.SecretSecondary:
		log.Warn("webhook signed with the secondary app secret, the primary secret is probably misconfigured")
	}

	if conn == nil {
		log.Info("webhook for unknown routing id, skipping", zap.Strings("routing_ids", routingIDs))
		metrics.WebhookRejectedTotal.WithLabelValues(string(ch), "unknown_routing").Inc()
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "skipped": true})
		return
	}

	events, err := channel.Normalize(ch, raw)
	if err != nil {
		log.Warn("webhook payload rejected", zap.Error(err))
		h.reject(w, ch, "malformed", http.StatusBadRequest, "malformed payload")
		return
	}

	accepted := make([]model.InboundEvent, 0, len(events))
	for _, ev := range events {
		if channel.IsSyntheticTest(ev) {
			log.Debug("discarding platform test event", zap.String("routing_id", ev.RoutingID))
			continue
		}
		metrics.WebhookEventsTotal.WithLabelValues(string(ch), string(ev.Kind)).Inc()
		accepted = append(accepted, ev)
	}
	if len(accepted) > 0 && h.health != nil {
		h.health.Record(ch, accepted[0].Text, string(result.Kind))
	}

	if len(accepted) > 0 {
		ctx := context.WithoutCancel(r.Context())
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.process(ctx, accepted)
		}()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *WebhookHandler) reject(w http.ResponseWriter, ch model.Channel, reason string, status int, message string) {
	metrics.WebhookRejectedTotal.WithLabelValues(string(ch), reason).Inc()
	writeError(w, status, message)
}

// process handles the events of one delivery in order.
func (h *WebhookHandler) process(ctx context.Context, events []model.InboundEvent) {
	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	for _, ev := range events {
		log := h.log.With(
			zap.String("channel", string(ev.Channel)),
			zap.String("contact_id", ev.ExternalContactID),
			zap.String("kind", string(ev.Kind)),
		)
		conn, ok := h.conns.Resolve(ev.Channel, ev.RoutingID)
		if !ok {
			log.Info("event for unknown routing id, skipping", zap.String("routing_id", ev.RoutingID))
			continue
		}

		reply, err := h.funnel.Handle(ctx, ev, conn)
		if err != nil {
			log.Error("failed to handle event", zap.Error(err))
			continue
		}
		if reply.Text == "" {
			continue
		}
		if h.sender == nil || !h.sender.Supports(ev.Channel) {
			log.Warn("no sender for channel, reply dropped")
			continue
		}
		if err := h.sender.SendText(ctx, conn, ev.ExternalContactID, reply.Text); err != nil {
			log.Warn("failed to send reply", zap.Error(err))
			continue
		}
		log.Debug("reply sent", zap.String("stage", string(reply.Stage)), zap.Bool("fallback", reply.Fallback))
	}
}
