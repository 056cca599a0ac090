package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/sales-funnel/internal/middleware"
	"github.com/capitalize-ai/sales-funnel/internal/ratelimit"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

// RouterConfig carries everything the route table mounts.
type RouterConfig struct {
	Webhooks *WebhookHandler
	Chat     *ChatHandler
	Admin    *AdminHandler
	Health   *HealthHandler

	Limiter           ratelimit.Limiter
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
	ChatRateLimit     int
	ChatRateWindow    time.Duration
	CORSOrigins       []string
	JWTSecret         string
	Logger            *logger.Logger
}

// NewRouter builds the HTTP route table.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/webhooks/{channel}", cfg.Webhooks.Handshake)
	r.With(middleware.WebhookRateLimit(cfg.Limiter, cfg.WebhookRateLimit, cfg.WebhookRateWindow, cfg.Logger)).
		Post("/webhooks/{channel}", cfg.Webhooks.Deliver)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.CORS(cfg.CORSOrigins))
			r.Use(middleware.ChatRateLimit(cfg.ChatRateLimit, cfg.ChatRateWindow))
			r.Post("/chat", cfg.Chat.Chat)
			r.Options("/chat", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RequireScope(middleware.AdminScope))
			r.Get("/leads", cfg.Admin.Leads)
			r.Get("/conversations/{key}", cfg.Admin.Conversation)
			r.Get("/webhooks/health", cfg.Admin.WebhookHealth)
		})
	})

	return r
}
