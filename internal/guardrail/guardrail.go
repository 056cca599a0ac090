// Package guardrail post-processes generated replies before they are sent.
package guardrail

import (
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/catalog"
	"github.com/capitalize-ai/sales-funnel/internal/intent"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
	"github.com/capitalize-ai/sales-funnel/pkg/metrics"
)

// Context is the per-turn state the passes read.
type Context struct {
	Lang               string
	Channel            model.Channel
	Stage              model.Stage
	Score              int
	Intent             model.Intent
	HasContact         bool
	FirstAssistantTurn bool
	UserText           string
	PackageChosen      string
}

// Result is the final reply plus evaluate-only quality flags.
type Result struct {
	Text  string
	Flags []string
}

// Quality flags.
const (
	FlagMissingTiers  = "missing_tiers"
	FlagMissingAddOns = "missing_addons"
	FlagOverLength    = "over_length"
	FlagMissingCTA    = "missing_cta"
)

// Pass rewrites a reply. Passes must be idempotent.
type Pass func(text string, c Context) string

type step struct {
	name  string
	pass  Pass
	sales bool
}

// Pipeline is the ordered guardrail chain for one catalog.
type Pipeline struct {
	cat   *catalog.Catalog
	det   *intent.Detector
	steps []step
	log   *logger.Logger
}

// NewPipeline builds the pipeline for a catalog.
func NewPipeline(cat *catalog.Catalog, log *logger.Logger) *Pipeline {
	if cat == nil {
		cat = catalog.Default()
	}
	p := &Pipeline{
		cat: cat,
		det: intent.NewDetector(cat.TierNames()),
		log: log.Named("guardrail"),
	}
	p.steps = []step{
		{name: "strip_intro", pass: p.stripIntro},
		{name: "banned_phrases", pass: p.removeBanned},
		{name: "tier_coverage", pass: p.ensureCoverage, sales: true},
		{name: "payment_requests", pass: p.removePaymentRequests, sales: true},
		{name: "contact_line", pass: p.appendContactLine, sales: true},
		{name: "channel_limits", pass: p.enforceLimits},
		{name: "coverage_after_limits", pass: p.settleCoverage, sales: true},
	}
	return p
}

// Apply runs every pass in order. A pass that would empty the reply is
// skipped. Support intents bypass the sales passes.
func (p *Pipeline) Apply(raw string, c Context) Result {
	text := strings.TrimSpace(raw)
	support := c.Intent == model.IntentSupport
	for _, s := range p.steps {
		if s.sales && support {
			continue
		}
		next := strings.TrimSpace(s.pass(text, c))
		if next == "" {
			p.log.Debug("guardrail pass emptied reply, keeping previous", zap.String("pass", s.name))
			continue
		}
		text = next
	}

	flags := p.evaluate(raw, text, c)
	for _, f := range flags {
		metrics.GuardrailFlagsTotal.WithLabelValues(string(c.Channel), f).Inc()
	}
	if len(flags) > 0 {
		p.log.Info("reply quality flags",
			zap.String("channel", string(c.Channel)),
			zap.String("stage", string(c.Stage)),
			zap.Strings("flags", flags),
		)
	}
	return Result{Text: text, Flags: flags}
}

// packageQuestion reports whether tier coverage applies to this turn.
func (p *Pipeline) packageQuestion(c Context) bool {
	if c.PackageChosen != "" || p.det.ChosenPackage(c.UserText) != "" {
		return false
	}
	return c.Intent == model.IntentPackages || p.det.IsPackageQuestion(c.UserText)
}

func (p *Pipeline) servicesQuestion(c Context) bool {
	return c.Intent == model.IntentServices || p.det.IsServicesQuestion(c.UserText)
}
