package main

import (
	"context"
	"fmt"
	"net/http"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/catalog"
	"github.com/capitalize-ai/sales-funnel/internal/channel"
	"github.com/capitalize-ai/sales-funnel/internal/config"
	"github.com/capitalize-ai/sales-funnel/internal/followup"
	"github.com/capitalize-ai/sales-funnel/internal/handler"
	"github.com/capitalize-ai/sales-funnel/internal/lead"
	"github.com/capitalize-ai/sales-funnel/internal/llm"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	natsclient "github.com/capitalize-ai/sales-funnel/internal/nats"
	"github.com/capitalize-ai/sales-funnel/internal/prompt"
	"github.com/capitalize-ai/sales-funnel/internal/ratelimit"
	"github.com/capitalize-ai/sales-funnel/internal/service"
	"github.com/capitalize-ai/sales-funnel/internal/store"
	"github.com/capitalize-ai/sales-funnel/internal/tenant"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
)

// app holds the wired components and the resources to release on exit.
type app struct {
	router    http.Handler
	webhooks  *handler.WebhookHandler
	scheduler *followup.SchedulerHandle
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// build wires every component from cfg. On error the resources opened so far
// are released.
func build(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	dir, err := buildDirectory(cfg)
	if err != nil {
		return nil, err
	}

	checks := map[string]handler.Check{}
	storeOpts := store.Options{HistoryLimit: cfg.HistoryLimit, MaxConversations: cfg.MaxConversations}

	var nc *natsclient.Client
	if cfg.NATSURL != "" {
		nc, err = natsclient.Connect(natsclient.Config{URL: cfg.NATSURL, Token: cfg.NATSToken}, log)
		if err != nil {
			return nil, err
		}
		a.onClose(nc.Close)
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats disconnected")
			}
			return nil
		}
		if err := nc.EnsureLeadStream(ctx); err != nil {
			return nil, err
		}
	}

	convs, err := buildConversationStore(ctx, a, cfg, storeOpts, nc, log)
	if err != nil {
		return nil, err
	}

	var healthDB *bolt.DB
	if cfg.StateBackend != "memory" && cfg.HealthFile != "" {
		healthDB, err = store.OpenBolt(cfg.HealthFile)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = healthDB.Close() })
	}
	health := store.NewHealthTracker(healthDB, log)

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter: %w", err)
		}
		a.onClose(func() { _ = rl.Close() })
		checks["redis"] = func(context.Context) error { return rl.Ping() }
		limiter = rl
	} else {
		ml := ratelimit.NewMemory()
		a.onClose(ml.StartCleanup(cfg.WebhookRateWindow))
		limiter = ml
	}

	provider := llm.Provider(cfg.LLMProvider)
	defaultKey := cfg.OpenAIAPIKey
	if provider == llm.ProviderAnthropic {
		defaultKey = cfg.AnthropicAPIKey
	}
	assembler := prompt.NewAssembler(llm.NewRegistry(provider, defaultKey), cfg.MaxImages, log)

	var transcriber llm.Transcriber
	if cfg.OpenAIAPIKey != "" {
		oc, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcription client: %w", err)
		}
		transcriber = oc
	}

	graph := channel.NewGraphClient(cfg.GraphAPIBase, cfg.GraphAPIVersion)

	var leads lead.Store = lead.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := lead.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = pg.Close() })
		checks["postgres"] = pg.Ping
		leads = pg
	}

	var notifiers lead.MultiNotifier
	if nc != nil {
		notifiers = append(notifiers, lead.NewNATSNotifier(nc.JetStream()))
	}
	if cfg.LeadNotifyWebhook != "" {
		notifiers = append(notifiers, lead.NewWebhookNotifier(cfg.LeadNotifyWebhook))
	}
	var notifier lead.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}

	capturer, err := lead.NewCapturer(leads, convs, notifier, lead.Options{
		DedupWindow:  cfg.LeadDedupWindow,
		MinUserTurns: cfg.LeadMinUserTurns,
	}, log)
	if err != nil {
		return nil, err
	}
	a.onClose(capturer.Close)

	funnel := service.NewFunnel(service.Deps{
		Store:       convs,
		Directory:   dir,
		Completer:   assembler,
		Leads:       capturer,
		Media:       graph,
		Transcriber: transcriber,
	}, service.OptionsFromConfig(cfg), log)

	a.scheduler = followup.New(convs, graph, dir, followup.Options{
		Interval:   cfg.FollowUpPollInterval,
		StallAfter: cfg.FollowUpStallAfter,
		MaxDelay:   cfg.FollowUpMaxDelay,
		OuterBound: cfg.FollowUpOuterBound,
	}, log)

	settings := make(map[model.Channel]handler.ChannelSettings, len(cfg.Channels))
	for ch, cc := range cfg.Channels {
		settings[ch] = handler.ChannelSettings{
			VerifyToken: cc.VerifyToken,
			Secrets: channel.Secrets{
				Primary:   cc.AppSecret,
				Secondary: cc.SecondaryAppSecret,
				Bypass:    cc.BypassSignature,
			},
		}
		if cc.BypassSignature {
			log.Warn("webhook signature bypass enabled", zap.String("channel", string(ch)))
		}
	}

	a.webhooks = handler.NewWebhookHandler(funnel, dir, graph, health, settings, log)
	a.router = handler.NewRouter(handler.RouterConfig{
		Webhooks:          a.webhooks,
		Chat:              handler.NewChatHandler(funnel, dir, log),
		Admin:             handler.NewAdminHandler(leads, convs, health, log),
		Health:            handler.NewHealthHandler(checks),
		Limiter:           limiter,
		WebhookRateLimit:  cfg.WebhookRateLimit,
		WebhookRateWindow: cfg.WebhookRateWindow,
		ChatRateLimit:     cfg.ChatRateLimit,
		ChatRateWindow:    cfg.ChatRateWindow,
		CORSOrigins:       cfg.CORSOrigins,
		JWTSecret:         cfg.JWTSecret,
		Logger:            log,
	})
	return a, nil
}

func buildDirectory(cfg *config.Config) (*tenant.Directory, error) {
	var cat *catalog.Catalog
	if cfg.CatalogFile != "" {
		c, err := catalog.Load(cfg.CatalogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
		cat = c
	}

	dir := tenant.NewDirectory(cfg.DefaultTenant, cat)
	if cfg.TenantsFile != "" {
		if err := dir.LoadFile(cfg.TenantsFile); err != nil {
			return nil, fmt.Errorf("failed to load tenants: %w", err)
		}
	}

	// Single-tenant deployments configure their connections through env.
	for ch, cc := range cfg.Channels {
		if cc.RoutingID == "" {
			continue
		}
		dir.AddConnection(model.ChannelConnection{
			TenantID:    cfg.DefaultTenant,
			Channel:     ch,
			RoutingID:   cc.RoutingID,
			AccessToken: cc.AccessToken,
			AppSecret:   cc.AppSecret,
			VerifyToken: cc.VerifyToken,
			Status:      model.ConnectionConnected,
		})
	}
	return dir, nil
}

func buildConversationStore(ctx context.Context, a *app, cfg *config.Config, opts store.Options, nc *natsclient.Client, log *logger.Logger) (store.ConversationStore, error) {
	switch cfg.StateBackend {
	case "memory":
		return store.NewMemory(opts), nil
	case "nats":
		if nc == nil {
			return nil, fmt.Errorf("STATE_BACKEND=nats requires NATS_URL")
		}
		kv, err := nc.ConversationKV(ctx)
		if err != nil {
			return nil, err
		}
		mirror, err := openBoltStore(a, cfg.StateFile, opts)
		if err != nil {
			return nil, err
		}
		return store.NewLayered(store.NewKV(kv, opts), mirror, log), nil
	default:
		return openBoltStore(a, cfg.StateFile, opts)
	}
}

func openBoltStore(a *app, path string, opts store.Options) (*store.Bolt, error) {
	db, err := store.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = db.Close() })
	return store.NewBolt(db, opts)
}
