package guardrail

import (
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/sales-funnel/internal/channel"
	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// evaluate never changes the reply. over_length is judged on the raw model
// output since the final text is already truncated.
func (p *Pipeline) evaluate(raw, final string, c Context) []string {
	var flags []string
	if c.Intent == model.IntentSupport {
		return flags
	}

	if p.packageQuestion(c) {
		for _, t := range p.cat.Tiers {
			if !containsFold(final, t.Name) {
				flags = append(flags, FlagMissingTiers)
				break
			}
		}
	}
	if p.servicesQuestion(c) {
		for _, a := range p.cat.AddOns {
			if !containsFold(final, a.Name) {
				flags = append(flags, FlagMissingAddOns)
				break
			}
		}
	}

	if limits := channel.LimitsFor(c.Channel); !limits.Exempt && limits.MaxChars > 0 &&
		utf8.RuneCountInString(strings.TrimSpace(raw)) > limits.MaxChars {
		flags = append(flags, FlagOverLength)
	}

	if !strings.Contains(final, "?") && !containsAnyFold(final, p.cat.ContactMarkers) {
		flags = append(flags, FlagMissingCTA)
	}
	return flags
}
