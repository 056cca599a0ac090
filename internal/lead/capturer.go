package lead

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/intent"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
	"github.com/capitalize-ai/sales-funnel/pkg/metrics"
)

const (
	recentTextWindow = 6
	notifyTimeout    = 10 * time.Second
)

// ConversationPatcher marks a conversation once its lead exists.
type ConversationPatcher interface {
	Patch(ctx context.Context, channel model.Channel, id string, patch model.ConversationPatch) (*model.Conversation, error)
}

// Options configure a Capturer.
type Options struct {
	DedupWindow  time.Duration
	MinUserTurns int
	Now          func() time.Time
}

// Capturer decides whether a turn produces a lead.
type Capturer struct {
	store    Store
	convs    ConversationPatcher
	notifier Notifier
	cache    *recentCache
	opts     Options
	log      *logger.Logger
}

// NewCapturer creates a Capturer. notifier may be nil.
func NewCapturer(store Store, convs ConversationPatcher, notifier Notifier, opts Options, log *logger.Logger) (*Capturer, error) {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 24 * time.Hour
	}
	if opts.MinUserTurns <= 0 {
		opts.MinUserTurns = 2
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	cache, err := newRecentCache(10000)
	if err != nil {
		return nil, fmt.Errorf("lead cache: %w", err)
	}
	return &Capturer{
		store:    store,
		convs:    convs,
		notifier: notifier,
		cache:    cache,
		opts:     opts,
		log:      log.Named("lead"),
	}, nil
}

// Close releases the dedup cache.
func (c *Capturer) Close() {
	c.cache.close()
}

// ContactFor derives the canonical contact of a conversation: the phone id on
// WhatsApp, otherwise the newest phone, email, or handle the user wrote.
func ContactFor(conv *model.Conversation, texts []string) string {
	if conv.Channel == model.ChannelWhatsApp {
		if p := intent.CanonicalPhone(conv.ExternalContactID); p != "" {
			return p
		}
	}
	for i := len(texts) - 1; i >= 0; i-- {
		if v := intent.ExtractContact(texts[i]); v != "" {
			return v
		}
	}
	return ""
}

// MaybeCapture creates a lead when the turn qualifies and no lead for the same
// contact and source exists inside the dedup window. It returns nil without
// error when nothing was created.
func (c *Capturer) MaybeCapture(ctx context.Context, conv *model.Conversation, latestUserText string, stage model.Stage, score int, in model.Intent) (*model.Lead, error) {
	texts := conv.RecentUserTexts(recentTextWindow)
	if len(texts) == 0 || texts[len(texts)-1] != latestUserText {
		texts = append(texts, latestUserText)
	}

	contact := ContactFor(conv, texts)
	if contact == "" || in == model.IntentSupport || conv.UserTurns() < c.opts.MinUserTurns {
		return nil, nil
	}
	mentioned := false
	for _, t := range texts {
		if intent.HasContactValue(t) {
			mentioned = true
			break
		}
	}
	if stage != model.StageAskContact && !mentioned {
		return nil, nil
	}

	log := c.log.WithConversation(conv.TenantID, string(conv.Channel), conv.ExternalContactID)
	source := model.LeadSource(conv.Channel)
	now := c.opts.Now()
	since := now.Add(-c.opts.DedupWindow)

	if c.cache.seen(contact, source, since) {
		log.Debug("lead deduplicated by cache", zap.String("contact", contact))
		metrics.LeadsTotal.WithLabelValues(string(conv.Channel), "duplicate").Inc()
		return nil, nil
	}
	prior, err := c.store.FindRecent(ctx, contact, source, since)
	if err != nil {
		metrics.LeadsTotal.WithLabelValues(string(conv.Channel), "error").Inc()
		return nil, fmt.Errorf("lead dedup lookup: %w", err)
	}
	if prior != nil {
		log.Debug("lead deduplicated", zap.String("contact", contact), zap.String("lead_id", prior.ID))
		c.cache.remember(contact, source, prior.CreatedAt, prior.CreatedAt.Add(c.opts.DedupWindow).Sub(now))
		metrics.LeadsTotal.WithLabelValues(string(conv.Channel), "duplicate").Inc()
		return nil, nil
	}

	lead := &model.Lead{
		ID:                uuid.NewString(),
		TenantID:          conv.TenantID,
		Contact:           contact,
		Channel:           conv.Channel,
		Messages:          model.StringList(texts),
		Summary:           summarize(stage, score, latestUserText),
		Source:            source,
		Language:          conv.Lang(),
		Status:            model.LeadStatusNew,
		RoutingID:         conv.RoutingID,
		ExternalContactID: conv.ExternalContactID,
		CreatedAt:         now,
	}
	if strings.Contains(contact, "@") && !strings.HasPrefix(contact, "@") {
		lead.Email = contact
	}

	if err := c.store.Create(ctx, lead); err != nil {
		metrics.LeadsTotal.WithLabelValues(string(conv.Channel), "error").Inc()
		return nil, fmt.Errorf("create lead: %w", err)
	}
	c.cache.remember(contact, source, now, c.opts.DedupWindow)
	metrics.LeadsTotal.WithLabelValues(string(conv.Channel), "created").Inc()
	log.Info("lead captured", zap.String("lead_id", lead.ID), zap.String("stage", string(stage)), zap.Int("score", score))

	if _, err := c.convs.Patch(ctx, conv.Channel, conv.ExternalContactID, model.ConversationPatch{LeadCapturedAt: &now}); err != nil {
		log.Warn("failed to mark lead on conversation", zap.Error(err))
	}

	if c.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(nctx, lead); err != nil {
			log.Warn("lead notification failed", zap.String("lead_id", lead.ID), zap.Error(err))
		}
	}
	return lead, nil
}

func summarize(stage model.Stage, score int, text string) string {
	if utf8.RuneCountInString(text) > 200 {
		text = string([]rune(text)[:200])
	}
	return fmt.Sprintf("stage %s, readiness %d: %s", stage, score, text)
}
