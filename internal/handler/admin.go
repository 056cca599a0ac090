package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/middleware"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

// LeadLister reads captured leads.
type LeadLister interface {
	List(ctx context.Context, tenantID string, limit int) ([]model.Lead, error)
}

// ConversationLister reads stored conversations.
type ConversationLister interface {
	ListAll(ctx context.Context) (map[string]*model.Conversation, error)
}

// HealthSnapshotter reads webhook delivery counters.
type HealthSnapshotter interface {
	Snapshot() []model.WebhookHealth
}

// AdminHandler serves the operator endpoints. Tokens carrying a tenant id
// only see that tenant.
type AdminHandler struct {
	leads  LeadLister
	convs  ConversationLister
	health HealthSnapshotter
	log    *logger.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(leads LeadLister, convs ConversationLister, health HealthSnapshotter, log *logger.Logger) *AdminHandler {
	return &AdminHandler{leads: leads, convs: convs, health: health, log: log.Named("admin")}
}

// Leads handles GET /api/v1/admin/leads
func (h *AdminHandler) Leads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.URL.Query().Get("tenant")
	if scoped := middleware.GetTenantID(ctx); scoped != "" {
		tenantID = scoped
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	leads, err := h.leads.List(ctx, tenantID, limit)
	if err != nil {
		h.log.Error("failed to list leads", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list leads")
		return
	}
	if leads == nil {
		leads = []model.Lead{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leads": leads,
		"total": len(leads),
	})
}

// Conversation handles GET /api/v1/admin/conversations/{key}
func (h *AdminHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if err := middleware.ValidateConversationKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	all, err := h.convs.ListAll(ctx)
	if err != nil {
		h.log.Error("failed to read conversations", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	conv, ok := all[key]
	if scoped := middleware.GetTenantID(ctx); ok && scoped != "" && conv.TenantID != scoped {
		ok = false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// WebhookHealth handles GET /api/v1/admin/webhooks/health
func (h *AdminHandler) WebhookHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": h.health.Snapshot(),
	})
}
