package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/middleware"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
	"github.com/capitalize-ai/sales-funnel/pkg/metrics"
)

// ChatHandler serves the web widget chat endpoint.
type ChatHandler struct {
	funnel Funnel
	conns  Connections
	log    *logger.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(funnel Funnel, conns Connections, log *logger.Logger) *ChatHandler {
	return &ChatHandler{funnel: funnel, conns: conns, log: log.Named("chat")}
}

// Chat handles POST /api/v1/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if err := middleware.ValidateSessionID(req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateChatText(strings.TrimSpace(req.Text)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// An unknown widget id falls back to the default tenant.
	var conn *model.ChannelConnection
	if req.Widget != "" {
		conn, _ = h.conns.Resolve(model.ChannelWeb, req.Widget)
	}

	ev := model.InboundEvent{
		Channel:           model.ChannelWeb,
		RoutingID:         req.Widget,
		ExternalContactID: req.SessionID,
		Kind:              model.EventText,
		Text:              req.Text,
		Lang:              req.Lang,
		Timestamp:         time.Now().UTC(),
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(model.ChannelWeb), string(ev.Kind)).Inc()

	reply, err := h.funnel.Handle(r.Context(), ev, conn)
	if err != nil {
		h.log.Error("chat turn failed", zap.String("session_id", req.SessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	writeJSON(w, http.StatusOK, model.ChatResponse{
		Reply: reply.Text,
		Stage: reply.Stage,
		Score: reply.Score,
	})
}
