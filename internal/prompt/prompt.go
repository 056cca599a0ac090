// Package prompt assembles the system prompt and runs the bounded completion
// call with its deterministic fallback.
package prompt

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/sales-funnel/internal/catalog"
	"github.com/capitalize-ai/sales-funnel/internal/channel"
	"github.com/capitalize-ai/sales-funnel/internal/classifier"
	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// ContactScoreThreshold gates asking for contact details.
const ContactScoreThreshold = classifier.ContactThreshold

// PromptInput is everything the system prompt depends on.
type PromptInput struct {
	Lang       string
	Channel    model.Channel
	Stage      model.Stage
	Score      int
	ExtraRules []string
}

type stagePolicy struct {
	goal      string
	allowed   []string
	forbidden []string
}

var stagePolicies = map[model.Stage]stagePolicy{
	model.StageDiscovery: {
		goal:      "Understand the client's business, channels, and main pain.",
		allowed:   []string{"ask one open question about the business", "mention what the assistant can automate"},
		forbidden: []string{"quote prices or packages", "ask for contact details"},
	},
	model.StageValue: {
		goal:      "Show concrete value for the business the client described.",
		allowed:   []string{"give one short example relevant to their niche", "ask about message volume"},
		forbidden: []string{"push a specific package", "ask for contact details"},
	},
	model.StageTrust: {
		goal:      "Explain how setup works and remove doubts.",
		allowed:   []string{"describe the setup steps and timeline", "answer FAQ items"},
		forbidden: []string{"invent guarantees or case studies", "ask for contact details"},
	},
	model.StageOffer: {
		goal:      "Present the packages and help the client pick one.",
		allowed:   []string{"list every package with its price", "recommend one package with a reason"},
		forbidden: []string{"hide any package", "request payment"},
	},
	model.StageAskContact: {
		goal:      "The client is ready. Ask softly for a phone number or email once.",
		allowed:   []string{"confirm the chosen package", "ask for contact details once"},
		forbidden: []string{"repeat the contact request", "request payment"},
	},
	model.StageFollowUp: {
		goal:      "Gently remind the client about the open conversation.",
		allowed:   []string{"reference the last question"},
		forbidden: []string{"pressure the client", "request payment"},
	},
}

var langNames = map[string]string{
	"en": "English",
	"uk": "Ukrainian",
	"ru": "Russian",
}

// BuildSystemPrompt renders the instruction set for one turn. It is pure.
func BuildSystemPrompt(in PromptInput, cat *catalog.Catalog) string {
	if cat == nil {
		cat = catalog.Default()
	}
	var b strings.Builder

	fmt.Fprintf(&b, "You are the sales assistant of %s. You chat with potential clients on %s.\n", cat.BusinessName, in.Channel)

	lang := langNames[in.Lang]
	if lang == "" {
		lang = in.Lang
	}
	fmt.Fprintf(&b, "Always answer in %s only, even if the client mixes languages.\n", lang)

	limits := channel.LimitsFor(in.Channel)
	if limits.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", limits.Tone)
	}
	fmt.Fprintf(&b, "Use at most %d emoji.\n", limits.EmojiBudget)
	if !limits.Exempt {
		fmt.Fprintf(&b, "Keep the reply under %d characters and %d lines.\n", limits.MaxChars, limits.MaxLines)
	}
	b.WriteString("Never introduce yourself again. Never ask the client to pay or share card details.\n")

	policy, ok := stagePolicies[in.Stage]
	if !ok {
		policy = stagePolicies[model.StageDiscovery]
	}
	fmt.Fprintf(&b, "\nStage: %s (readiness %d/100). %s\n", in.Stage, in.Score, policy.goal)
	writeList(&b, "Allowed", policy.allowed)
	writeList(&b, "Forbidden", policy.forbidden)

	if in.Score >= ContactScoreThreshold || in.Stage == model.StageAskContact {
		b.WriteString("You may ask for a phone number or email once if it has not been asked yet.\n")
	} else {
		b.WriteString("Do not ask for contact details yet.\n")
	}

	b.WriteString("\nPackages (always mention all of them when comparing):\n")
	for _, t := range cat.Tiers {
		b.WriteString(catalog.TierLine(t))
		b.WriteByte('\n')
	}
	if len(cat.AddOns) > 0 {
		b.WriteString("Additional services:\n")
		for _, a := range cat.AddOns {
			b.WriteString(catalog.AddOnLine(a))
			b.WriteByte('\n')
		}
	}
	if len(cat.FAQ) > 0 {
		b.WriteString("FAQ:\n")
		for _, f := range cat.FAQ {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", f.Question, f.Answer)
		}
	}

	rules := append(append([]string{}, cat.ExtraRules...), in.ExtraRules...)
	if len(rules) > 0 {
		b.WriteString("\nAdditional rules:\n")
		for _, r := range rules {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s.\n", title, strings.Join(items, "; "))
}
