// Package service orchestrates one inbound turn of the sales funnel.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/catalog"
	"github.com/capitalize-ai/sales-funnel/internal/channel"
	"github.com/capitalize-ai/sales-funnel/internal/classifier"
	"github.com/capitalize-ai/sales-funnel/internal/config"
	"github.com/capitalize-ai/sales-funnel/internal/guardrail"
	"github.com/capitalize-ai/sales-funnel/internal/intent"
	"github.com/capitalize-ai/sales-funnel/internal/llm"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/internal/prompt"
	"github.com/capitalize-ai/sales-funnel/internal/store"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
	"github.com/capitalize-ai/sales-funnel/pkg/metrics"
	"github.com/capitalize-ai/sales-funnel/pkg/tracing"
)

const recentWindow = 6

// Directory supplies tenant settings and catalogs.
type Directory interface {
	Tenant(id string) model.TenantProfile
	Catalog(tenantID string) *catalog.Catalog
}

// Completer runs one bounded completion call.
type Completer interface {
	CallCompletion(ctx context.Context, in prompt.CompletionInput) prompt.CompletionResult
}

// LeadCapturer turns qualified turns into leads.
type LeadCapturer interface {
	MaybeCapture(ctx context.Context, conv *model.Conversation, latestUserText string, stage model.Stage, score int, in model.Intent) (*model.Lead, error)
}

// Options are the per-turn budgets and defaults.
type Options struct {
	DefaultTenant        string
	CompletionTimeout    time.Duration
	WhatsAppTimeout      time.Duration
	CompletionModel      string
	WhatsAppModel        string
	TranscriptionTimeout time.Duration
	MediaTTL             time.Duration
	MaxImages            int
	Now                  func() time.Time
}

// OptionsFromConfig maps the environment configuration to funnel options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultTenant:        cfg.DefaultTenant,
		CompletionTimeout:    cfg.CompletionTimeout,
		WhatsAppTimeout:      cfg.WhatsAppCompletionTimeout,
		CompletionModel:      cfg.CompletionModel,
		WhatsAppModel:        cfg.WhatsAppFallbackModel,
		TranscriptionTimeout: cfg.TranscriptionTimeout,
		MaxImages:            cfg.MaxImages,
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultTenant == "" {
		o.DefaultTenant = "default"
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = 25 * time.Second
	}
	if o.WhatsAppTimeout <= 0 {
		o.WhatsAppTimeout = 12 * time.Second
	}
	if o.TranscriptionTimeout <= 0 {
		o.TranscriptionTimeout = 8 * time.Second
	}
	if o.MediaTTL <= 0 {
		o.MediaTTL = 10 * time.Minute
	}
	if o.MaxImages <= 0 {
		o.MaxImages = prompt.DefaultMaxImages
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func (o Options) timeoutFor(ch model.Channel) time.Duration {
	if ch == model.ChannelWhatsApp {
		return o.WhatsAppTimeout
	}
	return o.CompletionTimeout
}

func (o Options) modelFor(ch model.Channel, profile model.TenantProfile) string {
	if profile.CompletionModel != "" {
		return profile.CompletionModel
	}
	if ch == model.ChannelWhatsApp && o.WhatsAppModel != "" {
		return o.WhatsAppModel
	}
	return o.CompletionModel
}

// Deps are the collaborators of a Funnel. Media and Transcriber may be nil.
type Deps struct {
	Store       store.ConversationStore
	Directory   Directory
	Completer   Completer
	Leads       LeadCapturer
	Media       channel.MediaFetcher
	Transcriber llm.Transcriber
}

// Reply is the outcome of one turn. An empty Text means nothing is sent.
type Reply struct {
	Text     string
	Stage    model.Stage
	Score    int
	Intent   model.Intent
	Fallback bool
	Buffered bool
	Degraded bool
	Flags    []string
	Lead     *model.Lead
}

// Funnel drives a conversation from inbound event to outbound reply.
type Funnel struct {
	deps   Deps
	opts   Options
	log    *logger.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	kits map[*catalog.Catalog]*kit
}

// kit holds the catalog-bound helpers of one tenant.
type kit struct {
	cat      *catalog.Catalog
	detector *intent.Detector
	guard    *guardrail.Pipeline
}

// NewFunnel wires a Funnel.
func NewFunnel(deps Deps, opts Options, log *logger.Logger) *Funnel {
	return &Funnel{
		deps:   deps,
		opts:   opts.withDefaults(),
		log:    log.Named("funnel"),
		tracer: tracing.Tracer("funnel"),
		kits:   make(map[*catalog.Catalog]*kit),
	}
}

func (f *Funnel) kitFor(tenantID string) *kit {
	cat := f.deps.Directory.Catalog(tenantID)
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.kits[cat]
	if !ok {
		k = &kit{
			cat:      cat,
			detector: intent.NewDetector(cat.TierNames()),
			guard:    guardrail.NewPipeline(cat, f.log),
		}
		f.kits[cat] = k
	}
	return k
}

// turn carries the state of one Handle call.
type turn struct {
	ev       model.InboundEvent
	conn     *model.ChannelConnection
	profile  model.TenantProfile
	kit      *kit
	conv     *model.Conversation
	degraded bool
	lang     string
	log      *logger.Logger
}

// Handle processes one normalized event. conn may be nil for the web widget.
func (f *Funnel) Handle(ctx context.Context, ev model.InboundEvent, conn *model.ChannelConnection) (Reply, error) {
	ctx, span := f.tracer.Start(ctx, "funnel.handle", trace.WithAttributes(
		attribute.String("channel", string(ev.Channel)),
		attribute.String("kind", string(ev.Kind)),
	))
	defer span.End()

	tenantID := f.opts.DefaultTenant
	if conn != nil && conn.TenantID != "" {
		tenantID = conn.TenantID
	}
	t := &turn{
		ev:      ev,
		conn:    conn,
		profile: f.deps.Directory.Tenant(tenantID),
		kit:     f.kitFor(tenantID),
		log:     f.log.WithConversation(tenantID, string(ev.Channel), ev.ExternalContactID),
	}

	if err := f.load(ctx, t, tenantID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load conversation")
		return Reply{}, err
	}

	var reply Reply
	switch ev.Kind {
	case model.EventAudio:
		text, ok := f.transcribe(ctx, t)
		if !ok {
			reply = f.voicePlaceholder(ctx, t)
			break
		}
		reply = f.respond(ctx, t, text, nil)
	case model.EventImage:
		if strings.TrimSpace(ev.Text) == "" {
			f.bufferImage(ctx, t)
			reply = Reply{Buffered: true}
			break
		}
		reply = f.respond(ctx, t, ev.Text, []string{ev.MediaID})
	default:
		if strings.TrimSpace(ev.Text) == "" {
			return Reply{}, nil
		}
		reply = f.respond(ctx, t, ev.Text, nil)
	}
	reply.Degraded = t.degraded

	span.SetAttributes(
		attribute.String("stage", string(reply.Stage)),
		attribute.Int("score", reply.Score),
		attribute.Bool("fallback", reply.Fallback),
	)
	return reply, nil
}

// load reads the conversation, falling back to a fresh in-memory record for
// this turn when storage is down.
func (f *Funnel) load(ctx context.Context, t *turn, tenantID string) error {
	ctx, span := f.tracer.Start(ctx, "funnel.load")
	defer span.End()

	conv, err := f.deps.Store.Get(ctx, t.ev.Channel, t.ev.ExternalContactID)
	switch {
	case errors.Is(err, model.ErrStorageUnavailable):
		t.log.Warn("conversation store unavailable, continuing without history", zap.Error(err))
		now := f.opts.Now()
		conv = &model.Conversation{CreatedAt: now, UpdatedAt: now}
		conv.Hydrate(t.ev.Channel, t.ev.ExternalContactID)
		t.degraded = true
	case err != nil:
		return fmt.Errorf("load conversation: %w", err)
	}
	t.conv = conv

	fallback := conv.Language
	if fallback == "" {
		fallback = t.profile.DefaultLanguage
	}
	forced := t.ev.Lang
	if forced == "" {
		forced = conv.ForcedLanguage
	}
	t.lang = intent.ResolveLanguage(forced, t.ev.Text, fallback)

	var patch model.ConversationPatch
	dirty := false
	if conv.TenantID != tenantID {
		patch.TenantID = &tenantID
		dirty = true
	}
	if t.ev.RoutingID != "" && conv.RoutingID != t.ev.RoutingID {
		patch.RoutingID = &t.ev.RoutingID
		dirty = true
	}
	if conv.Language != t.lang {
		patch.Language = &t.lang
		dirty = true
	}
	if t.ev.Lang != "" && conv.ForcedLanguage != t.lang {
		patch.ForcedLanguage = &t.lang
		dirty = true
	}
	if dirty {
		f.patch(ctx, t, patch)
	}
	return nil
}

func (f *Funnel) patch(ctx context.Context, t *turn, patch model.ConversationPatch) {
	if !t.degraded {
		conv, err := f.deps.Store.Patch(ctx, t.ev.Channel, t.ev.ExternalContactID, patch)
		if err == nil {
			t.conv = conv
			return
		}
		t.log.Warn("conversation patch failed", zap.Error(err))
	}
	patch.ApplyTo(t.conv)
}

func (f *Funnel) appendMessage(ctx context.Context, t *turn, role model.Role, text string) {
	f.appendKind(ctx, t, model.Message{Role: role, Text: text})
}

// appendKind records msg. Marked messages go through Patch since
// AppendMessage carries no kind.
func (f *Funnel) appendKind(ctx context.Context, t *turn, msg model.Message) {
	metrics.MessagesTotal.WithLabelValues(string(t.ev.Channel), string(msg.Role)).Inc()
	if !t.degraded {
		var conv *model.Conversation
		var err error
		if msg.Kind == "" {
			conv, err = f.deps.Store.AppendMessage(ctx, t.ev.Channel, t.ev.ExternalContactID, msg.Role, msg.Text)
		} else {
			conv, err = f.deps.Store.Patch(ctx, t.ev.Channel, t.ev.ExternalContactID, model.ConversationPatch{Append: &msg})
		}
		if err == nil {
			t.conv = conv
			return
		}
		t.log.Warn("conversation append failed", zap.String("role", string(msg.Role)), zap.Error(err))
	}
	msg.Timestamp = f.opts.Now()
	t.conv.Messages = append(t.conv.Messages, msg)
}

// transcribe converts a voice note to text under its own timeout.
func (f *Funnel) transcribe(ctx context.Context, t *turn) (string, bool) {
	if f.deps.Transcriber == nil || f.deps.Media == nil || t.conn == nil || t.ev.MediaID == "" {
		t.log.Warn("voice message received but transcription is not configured")
		return "", false
	}
	ctx, span := f.tracer.Start(ctx, "funnel.transcribe")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, f.opts.TranscriptionTimeout)
	defer cancel()

	audio, mime, err := f.deps.Media.FetchMedia(ctx, t.conn, t.ev.MediaID)
	if err == nil {
		var text string
		text, err = f.deps.Transcriber.Transcribe(ctx, audio, mime)
		if err == nil && strings.TrimSpace(text) != "" {
			if t.ev.Lang == "" && t.conv.ForcedLanguage == "" {
				if l := intent.DetectLanguage(text); l != "" && l != t.lang {
					t.lang = l
					f.patch(ctx, t, model.ConversationPatch{Language: &l})
				}
			}
			return text, true
		}
	}
	switch {
	case err == nil:
		err = model.ErrTranscriptionFailed
	case !errors.Is(err, model.ErrTranscriptionFailed):
		err = fmt.Errorf("%w: %w", model.ErrTranscriptionFailed, err)
	}
	span.RecordError(err)
	t.log.Warn("voice transcription failed",
		zap.Bool("aborted", errors.Is(ctx.Err(), context.DeadlineExceeded)),
		zap.Error(err),
	)
	return "", false
}

func (f *Funnel) voicePlaceholder(ctx context.Context, t *turn) Reply {
	text := t.kit.cat.ScriptsFor(t.lang).VoicePlaceholder
	f.appendKind(ctx, t, model.Message{Role: model.RoleAssistant, Text: text, Kind: model.KindVoicePlaceholder})
	return Reply{Text: text, Stage: model.StageDiscovery, Fallback: true}
}

// bufferImage holds a captionless image until the next text turn.
func (f *Funnel) bufferImage(ctx context.Context, t *turn) {
	if t.ev.MediaID == "" {
		return
	}
	now := f.opts.Now()
	pending := livePending(t.conv.PendingMedia, now)
	pending = append(pending, model.PendingMedia{MediaID: t.ev.MediaID, ExpiresAt: now.Add(f.opts.MediaTTL)})
	if len(pending) > f.opts.MaxImages {
		pending = pending[len(pending)-f.opts.MaxImages:]
	}
	f.patch(ctx, t, model.ConversationPatch{PendingMedia: &pending})
	t.log.Debug("image buffered", zap.Int("pending", len(pending)))
}

func livePending(in []model.PendingMedia, now time.Time) []model.PendingMedia {
	out := make([]model.PendingMedia, 0, len(in))
	for _, p := range in {
		if p.ExpiresAt.After(now) {
			out = append(out, p)
		}
	}
	return out
}

// collectImages fetches buffered plus current images and clears the buffer.
func (f *Funnel) collectImages(ctx context.Context, t *turn, current []string) []llm.Image {
	ids := make([]string, 0, len(t.conv.PendingMedia)+len(current))
	for _, p := range livePending(t.conv.PendingMedia, f.opts.Now()) {
		ids = append(ids, p.MediaID)
	}
	for _, id := range current {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(t.conv.PendingMedia) > 0 {
		f.patch(ctx, t, model.ConversationPatch{PendingMedia: &[]model.PendingMedia{}})
	}
	if len(ids) == 0 || f.deps.Media == nil || t.conn == nil {
		return nil
	}
	if len(ids) > f.opts.MaxImages {
		ids = ids[len(ids)-f.opts.MaxImages:]
	}

	images := make([]llm.Image, 0, len(ids))
	for _, id := range ids {
		data, mime, err := f.deps.Media.FetchMedia(ctx, t.conn, id)
		if err != nil {
			t.log.Warn("image fetch failed", zap.String("media_id", id), zap.Error(err))
			continue
		}
		images = append(images, llm.Image{MIMEType: mime, Data: data})
	}
	return images
}

// respond runs the text path: intro on the first assistant turn, otherwise
// classify, complete, and guard.
func (f *Funnel) respond(ctx context.Context, t *turn, text string, current []string) Reply {
	images := f.collectImages(ctx, t, current)
	history := append([]model.Message(nil), t.conv.Messages...)
	first := !t.conv.HasAssistantMessage()
	f.appendMessage(ctx, t, model.RoleUser, text)

	score, stage := classifier.Classify(text, t.conv.UserTurns())
	in := t.kit.detector.Detect(text)
	reply := Reply{Stage: stage, Score: score, Intent: in}

	if first {
		reply.Text = t.kit.cat.Intro(t.lang)
		t.log.Debug("first turn, sending introduction")
	} else {
		reply.Text, reply.Fallback, reply.Flags = f.complete(ctx, t, text, history, images, stage, score, in)
	}
	f.appendMessage(ctx, t, model.RoleAssistant, reply.Text)

	if f.deps.Leads != nil {
		lead, err := f.deps.Leads.MaybeCapture(ctx, t.conv, text, stage, score, in)
		if err != nil {
			t.log.Warn("lead capture failed", zap.Error(err))
		}
		reply.Lead = lead
	}
	return reply
}

func (f *Funnel) complete(ctx context.Context, t *turn, text string, history []model.Message, images []llm.Image, stage model.Stage, score int, in model.Intent) (string, bool, []string) {
	ctx, span := f.tracer.Start(ctx, "funnel.complete")
	defer span.End()

	cat := t.kit.cat
	system := prompt.BuildSystemPrompt(prompt.PromptInput{
		Lang:       t.lang,
		Channel:    t.ev.Channel,
		Stage:      stage,
		Score:      score,
	}, cat)

	res := f.deps.Completer.CallCompletion(ctx, prompt.CompletionInput{
		SystemPrompt: system,
		History:      history,
		UserText:     text,
		Images:       images,
		Timeout:      f.opts.timeoutFor(t.ev.Channel),
		Model:        f.opts.modelFor(t.ev.Channel, t.profile),
		APIKey:       t.profile.CompletionAPIKey,
		Channel:      t.ev.Channel,
		Fallback:     cat.Fallback(t.lang),
	})
	if res.Fallback {
		span.SetStatus(codes.Error, "completion fallback")
		return res.Text, true, nil
	}

	recent := t.conv.RecentUserTexts(recentWindow)
	hasContact := t.conv.LeadCapturedAt != nil
	chosen := ""
	for _, r := range recent {
		if intent.HasContactValue(r) {
			hasContact = true
		}
		if p := t.kit.detector.ChosenPackage(r); p != "" {
			chosen = p
		}
	}

	out := t.kit.guard.Apply(res.Text, guardrail.Context{
		Lang:          t.lang,
		Channel:       t.ev.Channel,
		Stage:         stage,
		Score:         score,
		Intent:        in,
		HasContact:    hasContact,
		UserText:      text,
		PackageChosen: chosen,
	})
	return out.Text, false, out.Flags
}
