// Package config provides environment configuration for the funnel server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// History bounds for the conversation log.
const (
	MinHistoryLimit     = 6
	MaxHistoryLimit     = 80
	DefaultHistoryLimit = 24
)

// ChannelConfig holds per-channel webhook and send settings.
type ChannelConfig struct {
	VerifyToken        string
	AppSecret          string
	SecondaryAppSecret string
	AccessToken        string
	RoutingID          string
	BypassSignature    bool
}

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Channels
	Channels        map[model.Channel]ChannelConfig
	GraphAPIBase    string
	GraphAPIVersion string

	// Completion service
	LLMProvider               string
	OpenAIAPIKey              string
	AnthropicAPIKey           string
	CompletionModel           string
	WhatsAppFallbackModel     string
	CompletionTimeout         time.Duration
	WhatsAppCompletionTimeout time.Duration
	TranscriptionTimeout      time.Duration
	MaxImages                 int

	// Follow-up scheduler
	FollowUpEnabled      bool
	FollowUpStallAfter   time.Duration
	FollowUpMaxDelay     time.Duration
	FollowUpOuterBound   time.Duration
	FollowUpPollInterval time.Duration

	// Rate limiting
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
	ChatRateLimit     int
	ChatRateWindow    time.Duration

	// State
	HistoryLimit     int
	MaxConversations int
	StateFile        string
	StateBackend     string
	HealthFile       string

	// Leads
	LeadDedupWindow   time.Duration
	LeadMinUserTurns  int
	LeadNotifyWebhook string
	DatabaseURL       string

	// Tenants
	CatalogFile   string
	TenantsFile   string
	DefaultTenant string

	// NATS settings
	NATSURL   string
	NATSToken string

	// Redis
	RedisURL string

	// JWT settings
	JWTSecret string

	// Web widget origins allowed by CORS
	CORSOrigins []string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	bypass := getBoolEnv("WEBHOOK_SIGNATURE_BYPASS", false)

	cfg := &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),

		// Channels
		Channels: map[model.Channel]ChannelConfig{
			model.ChannelWhatsApp: {
				VerifyToken:        getEnv("WHATSAPP_VERIFY_TOKEN", ""),
				AppSecret:          getEnv("WHATSAPP_APP_SECRET", ""),
				SecondaryAppSecret: getEnv("WHATSAPP_SECONDARY_APP_SECRET", ""),
				AccessToken:        getEnv("WHATSAPP_ACCESS_TOKEN", ""),
				RoutingID:          getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
				BypassSignature:    getBoolEnv("WHATSAPP_SIGNATURE_BYPASS", bypass),
			},
			model.ChannelMessenger: {
				VerifyToken:        getEnv("MESSENGER_VERIFY_TOKEN", ""),
				AppSecret:          getEnv("MESSENGER_APP_SECRET", ""),
				SecondaryAppSecret: getEnv("MESSENGER_SECONDARY_APP_SECRET", ""),
				AccessToken:        getEnv("MESSENGER_PAGE_TOKEN", ""),
				RoutingID:          getEnv("MESSENGER_PAGE_ID", ""),
				BypassSignature:    getBoolEnv("MESSENGER_SIGNATURE_BYPASS", bypass),
			},
			model.ChannelInstagram: {
				VerifyToken:        getEnv("INSTAGRAM_VERIFY_TOKEN", ""),
				AppSecret:          getEnv("INSTAGRAM_APP_SECRET", ""),
				SecondaryAppSecret: getEnv("INSTAGRAM_SECONDARY_APP_SECRET", ""),
				AccessToken:        getEnv("INSTAGRAM_ACCESS_TOKEN", ""),
				RoutingID:          getEnv("INSTAGRAM_ACCOUNT_ID", ""),
				BypassSignature:    getBoolEnv("INSTAGRAM_SIGNATURE_BYPASS", bypass),
			},
		},
		GraphAPIBase:    getEnv("GRAPH_API_BASE", "https://graph.facebook.com"),
		GraphAPIVersion: getEnv("GRAPH_API_VERSION", "v19.0"),

		// Completion
		LLMProvider:               getEnv("LLM_PROVIDER", "openai"),
		OpenAIAPIKey:              getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:           getEnv("ANTHROPIC_API_KEY", ""),
		CompletionModel:           getEnv("COMPLETION_MODEL", "gpt-4o-mini"),
		WhatsAppFallbackModel:     getEnv("WHATSAPP_FALLBACK_MODEL", "gpt-4o-mini"),
		CompletionTimeout:         getDurationEnv("COMPLETION_TIMEOUT", 25*time.Second),
		WhatsAppCompletionTimeout: getDurationEnv("WHATSAPP_COMPLETION_TIMEOUT", 12*time.Second),
		TranscriptionTimeout:      getDurationEnv("TRANSCRIPTION_TIMEOUT", 8*time.Second),
		MaxImages:                 getIntEnv("MAX_IMAGES", 3),

		// Follow-up
		FollowUpEnabled:      getBoolEnv("FOLLOWUP_ENABLED", true),
		FollowUpStallAfter:   getDurationEnv("FOLLOWUP_STALL_AFTER", 20*time.Minute),
		FollowUpMaxDelay:     getDurationEnv("FOLLOWUP_MAX_DELAY", 90*time.Minute),
		FollowUpOuterBound:   getDurationEnv("FOLLOWUP_OUTER_BOUND", 23*time.Hour),
		FollowUpPollInterval: getDurationEnv("FOLLOWUP_POLL_INTERVAL", time.Minute),

		// Rate limiting
		WebhookRateLimit:  getIntEnv("WEBHOOK_RATE_LIMIT", 120),
		WebhookRateWindow: getDurationEnv("WEBHOOK_RATE_WINDOW", time.Minute),
		ChatRateLimit:     getIntEnv("CHAT_RATE_LIMIT", 30),
		ChatRateWindow:    getDurationEnv("CHAT_RATE_WINDOW", time.Minute),

		// State
		HistoryLimit:     ClampHistoryLimit(getIntEnv("HISTORY_LIMIT", DefaultHistoryLimit)),
		MaxConversations: getIntEnv("MAX_CONVERSATIONS", 5000),
		StateFile:        getEnv("STATE_FILE", "data/conversations.bolt"),
		StateBackend:     getEnv("STATE_BACKEND", "file"),
		HealthFile:       getEnv("HEALTH_FILE", "data/webhook_health.bolt"),

		// Leads
		LeadDedupWindow:   getDurationEnv("LEAD_DEDUP_WINDOW", 24*time.Hour),
		LeadMinUserTurns:  getIntEnv("LEAD_MIN_USER_TURNS", 2),
		LeadNotifyWebhook: getEnv("LEAD_NOTIFY_WEBHOOK", ""),
		DatabaseURL:       getEnv("DATABASE_URL", ""),

		// Tenants
		CatalogFile:   getEnv("CATALOG_FILE", ""),
		TenantsFile:   getEnv("TENANTS_FILE", ""),
		DefaultTenant: getEnv("DEFAULT_TENANT", "default"),

		// NATS
		NATSURL:   getEnv("NATS_URL", ""),
		NATSToken: getEnv("NATS_TOKEN", ""),

		// Redis
		RedisURL: getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// CORS
		CORSOrigins: getListEnv("CORS_ORIGINS"),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}

	if cfg.MaxImages < 0 {
		cfg.MaxImages = 0
	}
	if cfg.LeadMinUserTurns < 1 {
		cfg.LeadMinUserTurns = 1
	}
	return cfg
}

// ClampHistoryLimit bounds n to [MinHistoryLimit, MaxHistoryLimit].
func ClampHistoryLimit(n int) int {
	if n < MinHistoryLimit {
		return MinHistoryLimit
	}
	if n > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return n
}

// CompletionTimeoutFor returns the completion budget for a channel. WhatsApp
// gets the shorter budget to meet platform ack deadlines.
func (c *Config) CompletionTimeoutFor(channel model.Channel) time.Duration {
	if channel == model.ChannelWhatsApp {
		return c.WhatsAppCompletionTimeout
	}
	return c.CompletionTimeout
}

// ModelFor returns the completion model for a channel.
func (c *Config) ModelFor(channel model.Channel) string {
	if channel == model.ChannelWhatsApp && c.WhatsAppFallbackModel != "" {
		return c.WhatsAppFallbackModel
	}
	return c.CompletionModel
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
