// Package followup nudges contacts whose conversation stalled after an
// assistant reply. Each conversation is nudged at most once.
package followup

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/catalog"
	"github.com/capitalize-ai/sales-funnel/internal/channel"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/internal/store"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
	"github.com/capitalize-ai/sales-funnel/pkg/metrics"
)

const quoteRunes = 80

// State is the follow-up state of one conversation.
type State string

const (
	StateNone    State = "NONE"
	StateStalled State = "STALLED"
	StateNudged  State = "NUDGED"
)

// Skip reasons reported by Evaluate.
const (
	ReasonLeadCaptured  = "lead_captured"
	ReasonAlreadyNudged = "already_nudged"
	ReasonNoUserMessage = "no_user_message"
	ReasonAwaitingReply = "awaiting_assistant"
	ReasonTooStale      = "too_stale"
	ReasonNotStalled    = "not_stalled"
	ReasonTooLate       = "too_late"
	ReasonNoSender      = "no_sender"
	ReasonNoConnection  = "no_connection"
)

// Options are the timing knobs.
type Options struct {
	Interval   time.Duration
	StallAfter time.Duration
	MaxDelay   time.Duration
	OuterBound time.Duration
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.StallAfter <= 0 {
		o.StallAfter = 20 * time.Minute
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 90 * time.Minute
	}
	if o.OuterBound <= 0 {
		o.OuterBound = 23 * time.Hour
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Directory resolves where and in which words to send a nudge.
type Directory interface {
	Resolve(ch model.Channel, routingID string) (*model.ChannelConnection, bool)
	Catalog(tenantID string) *catalog.Catalog
}

// TickReport summarizes one scan.
type TickReport struct {
	Scanned int
	Sent    int
	Failed  int
	Skipped map[string]int
}

// SchedulerHandle owns the polling loop.
type SchedulerHandle struct {
	store  store.ConversationStore
	sender channel.Sender
	dir    Directory
	opts   Options
	log    *logger.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	// sent remembers nudges whose mark may not have reached the store.
	sentMu sync.Mutex
	sent   map[string]time.Time
}

// New creates a scheduler. It does nothing until Start or Tick is called.
func New(st store.ConversationStore, sender channel.Sender, dir Directory, opts Options, log *logger.Logger) *SchedulerHandle {
	return &SchedulerHandle{
		store:  st,
		sender: sender,
		dir:    dir,
		opts:   opts.withDefaults(),
		log:    log.Named("followup"),
		sent:   make(map[string]time.Time),
	}
}

// Start launches the loop. Only the first call starts it; later calls return
// false and change nothing.
func (s *SchedulerHandle) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)

	s.log.Info("follow-up scheduler started", zap.Duration("interval", s.opts.Interval))
	return true
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (s *SchedulerHandle) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run starts the loop and blocks until ctx is done.
func (s *SchedulerHandle) Run(ctx context.Context) error {
	if !s.Start(ctx) {
		return nil
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *SchedulerHandle) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Evaluate decides the state of a conversation at now. The reason is empty
// for StateStalled.
func Evaluate(conv *model.Conversation, now time.Time, opts Options) (State, string) {
	opts = opts.withDefaults()
	if conv.LeadCapturedAt != nil {
		return StateNudged, ReasonLeadCaptured
	}
	if conv.FollowUpSentAt != nil {
		return StateNudged, ReasonAlreadyNudged
	}

	lastUser, lastAssistant, lastNudge := -1, -1, -1
	for i, m := range conv.Messages {
		switch m.Role {
		case model.RoleUser:
			lastUser = i
		case model.RoleAssistant:
			lastAssistant = i
			if m.Kind == model.KindNudge {
				lastNudge = i
			}
		}
	}
	if lastNudge >= 0 {
		return StateNudged, ReasonAlreadyNudged
	}
	if lastUser < 0 {
		return StateNone, ReasonNoUserMessage
	}
	if lastAssistant < lastUser {
		return StateNone, ReasonAwaitingReply
	}
	if now.Sub(conv.Messages[lastUser].Timestamp) > opts.OuterBound {
		return StateNone, ReasonTooStale
	}
	gap := now.Sub(conv.Messages[lastAssistant].Timestamp)
	if gap < opts.StallAfter {
		return StateNone, ReasonNotStalled
	}
	if gap > opts.MaxDelay {
		return StateNone, ReasonTooLate
	}
	return StateStalled, ""
}

// Tick scans every conversation once and nudges the stalled ones. A failed
// send leaves the conversation eligible for the next tick. A sent nudge is
// never repeated by this process, even when recording it failed.
func (s *SchedulerHandle) Tick(ctx context.Context) TickReport {
	report := TickReport{Skipped: map[string]int{}}
	all, err := s.store.ListAll(ctx)
	if err != nil {
		s.log.Warn("follow-up scan failed", zap.Error(err))
		return report
	}

	now := s.opts.Now()
	s.forgetSent(now)
	for key, conv := range all {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++

		if s.wasSent(key) {
			report.Skipped[ReasonAlreadyNudged]++
			continue
		}
		state, reason := Evaluate(conv, now, s.opts)
		if state != StateStalled {
			report.Skipped[reason]++
			continue
		}
		// The scan may be stale; a reply could have landed since.
		fresh, err := s.store.Get(ctx, conv.Channel, conv.ExternalContactID)
		if err != nil {
			s.log.Warn("follow-up reload failed", zap.String("conversation", key), zap.Error(err))
			report.Failed++
			continue
		}
		conv = fresh
		if state, reason = Evaluate(conv, now, s.opts); state != StateStalled {
			report.Skipped[reason]++
			continue
		}
		if !s.sender.Supports(conv.Channel) {
			report.Skipped[ReasonNoSender]++
			continue
		}
		conn, ok := s.dir.Resolve(conv.Channel, conv.RoutingID)
		if !ok {
			report.Skipped[ReasonNoConnection]++
			continue
		}

		if s.nudge(ctx, conv, conn, now) {
			report.Sent++
		} else {
			report.Failed++
		}
	}

	if report.Sent > 0 || report.Failed > 0 {
		s.log.Info("follow-up tick", zap.Int("scanned", report.Scanned), zap.Int("sent", report.Sent), zap.Int("failed", report.Failed))
	}
	return report
}

func (s *SchedulerHandle) nudge(ctx context.Context, conv *model.Conversation, conn *model.ChannelConnection, now time.Time) bool {
	log := s.log.WithConversation(conv.TenantID, string(conv.Channel), conv.ExternalContactID)

	last, _ := conv.LastMessage(model.RoleUser)
	text := s.dir.Catalog(conv.TenantID).Nudge(conv.Lang(), quote(last.Text))

	if err := s.sender.SendText(ctx, conn, conv.ExternalContactID, text); err != nil {
		log.Warn("follow-up send failed", zap.Error(err))
		metrics.FollowUpsTotal.WithLabelValues("failed").Inc()
		return false
	}
	metrics.FollowUpsTotal.WithLabelValues("sent").Inc()
	s.markSent(conv.Key(), now)

	// The mark and the message go in one write so neither exists alone.
	_, err := s.store.Patch(ctx, conv.Channel, conv.ExternalContactID, model.ConversationPatch{
		FollowUpSentAt: &now,
		Append:         &model.Message{Role: model.RoleAssistant, Text: text, Kind: model.KindNudge},
	})
	if err != nil {
		log.Error("failed to record follow-up", zap.Error(err))
	}
	log.Info("follow-up sent")
	return true
}

func (s *SchedulerHandle) markSent(key string, at time.Time) {
	s.sentMu.Lock()
	s.sent[key] = at
	s.sentMu.Unlock()
}

func (s *SchedulerHandle) wasSent(key string) bool {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	_, ok := s.sent[key]
	return ok
}

// forgetSent drops entries old enough that Evaluate rejects the conversation
// as too stale anyway.
func (s *SchedulerHandle) forgetSent(now time.Time) {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	for key, at := range s.sent {
		if now.Sub(at) > s.opts.OuterBound {
			delete(s.sent, key)
		}
	}
}

func quote(text string) string {
	if utf8.RuneCountInString(text) <= quoteRunes {
		return text
	}
	r := []rune(text)
	return string(r[:quoteRunes-1]) + "…"
}
