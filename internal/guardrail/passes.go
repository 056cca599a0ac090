package guardrail

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/sales-funnel/internal/catalog"
	"github.com/capitalize-ai/sales-funnel/internal/channel"
	"github.com/capitalize-ai/sales-funnel/internal/classifier"
	"github.com/capitalize-ai/sales-funnel/internal/model"
)

var (
	sentenceRe = regexp.MustCompile(`[^.!?\n]*[.!?]+["')\]]*\s*|[^.!?\n]+`)
	spacesRe   = regexp.MustCompile(`[ \t]{2,}`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

func containsFold(haystack, needle string) bool {
	return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func containsAnyFold(haystack string, needles []string) bool {
	for _, n := range needles {
		if containsFold(haystack, n) {
			return true
		}
	}
	return false
}

func tidy(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spacesRe.ReplaceAllString(l, " "))
	}
	return blankRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}

// stripIntro drops sentences that introduce the assistant again.
func (p *Pipeline) stripIntro(text string, c Context) string {
	if c.FirstAssistantTurn || !containsAnyFold(text, p.cat.IntroMarkers) {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !containsAnyFold(line, p.cat.IntroMarkers) {
			continue
		}
		var kept []string
		for _, sentence := range sentenceRe.FindAllString(line, -1) {
			if !containsAnyFold(sentence, p.cat.IntroMarkers) {
				kept = append(kept, sentence)
			}
		}
		lines[i] = strings.Join(kept, "")
	}
	return tidy(strings.Join(lines, "\n"))
}

// removeBanned deletes banned phrasing wherever it appears.
func (p *Pipeline) removeBanned(text string, _ Context) string {
	out := text
	for _, phrase := range p.cat.BannedPhrases {
		if phrase == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(phrase) + `[,.!]?`)
		out = re.ReplaceAllString(out, "")
	}
	if out == text {
		return text
	}
	return tidy(out)
}

// ensureCoverage appends tiers the reply left out and, for general services
// questions, the add-on catalog.
func (p *Pipeline) ensureCoverage(text string, c Context) string {
	scripts := p.cat.ScriptsFor(c.Lang)
	out := text

	if p.packageQuestion(c) {
		var missing []string
		for _, t := range p.cat.Tiers {
			if !containsFold(out, t.Name) {
				missing = append(missing, catalog.TierLine(t))
			}
		}
		if len(missing) > 0 {
			block := missing
			if !containsFold(out, scripts.TiersHeader) {
				block = append([]string{scripts.TiersHeader}, missing...)
			}
			out += "\n\n" + strings.Join(block, "\n")
		}
	}

	if p.servicesQuestion(c) {
		var missing []string
		for _, a := range p.cat.AddOns {
			if !containsFold(out, a.Name) {
				missing = append(missing, catalog.AddOnLine(a))
			}
		}
		if len(missing) > 0 {
			block := missing
			if !containsFold(out, scripts.AddOnsHeader) {
				block = append([]string{scripts.AddOnsHeader}, missing...)
			}
			out += "\n\n" + strings.Join(block, "\n")
		}
	}
	return out
}

// removePaymentRequests drops lines asking for direct payment.
func (p *Pipeline) removePaymentRequests(text string, c Context) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	removed := false
	for _, line := range lines {
		if containsAnyFold(line, p.cat.PaymentMarkers) {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return text
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if payment := p.cat.ScriptsFor(c.Lang).PaymentLine; !containsFold(out, payment) {
		out += "\n\n" + payment
	}
	return out
}

// appendContactLine asks softly for contact details when the client is ready.
func (p *Pipeline) appendContactLine(text string, c Context) string {
	ready := c.Stage == model.StageAskContact ||
		c.Score >= classifier.ContactThreshold ||
		c.Intent == model.IntentContactInterest
	if !ready || c.HasContact || containsAnyFold(text, p.cat.ContactMarkers) {
		return text
	}
	line := p.cat.ScriptsFor(c.Lang).ContactLine
	if containsFold(text, line) {
		return text
	}
	return text + "\n\n" + line
}

// enforceLimits applies the channel line and character budget. Lines the
// pipeline itself added (tiers, add-ons, payment and contact lines) are kept
// while the model's own text is cut from the bottom.
func (p *Pipeline) enforceLimits(text string, c Context) string {
	limits := channel.LimitsFor(c.Channel)
	if limits.Exempt {
		return text
	}

	protected := p.protectedLines(c.Lang)
	body := func(l string) bool {
		t := strings.TrimSpace(l)
		_, keep := protected[t]
		return t != "" && !keep
	}
	nonEmpty := func(l string) bool { return strings.TrimSpace(l) != "" }

	lines := strings.Split(text, "\n")
	for limits.MaxLines > 0 && countLines(lines, nonEmpty) > limits.MaxLines {
		i := lastIndex(lines, body)
		if i < 0 {
			i = lastIndex(lines, nonEmpty)
		}
		lines = append(lines[:i], lines[i+1:]...)
	}

	for limits.MaxChars > 0 {
		over := utf8.RuneCountInString(strings.Join(lines, "\n")) - limits.MaxChars
		if over <= 0 {
			break
		}
		i := lastIndex(lines, body)
		if i < 0 {
			break
		}
		if n := utf8.RuneCountInString(lines[i]); n-over >= 20 {
			lines[i] = shorten(lines[i], n-over)
		} else {
			lines = append(lines[:i], lines[i+1:]...)
		}
	}

	out := tidy(strings.Join(lines, "\n"))
	if limits.MaxChars > 0 && utf8.RuneCountInString(out) > limits.MaxChars {
		out = shorten(out, limits.MaxChars)
	}
	return out
}

// settleCoverage restores coverage lost to truncation, where a tier named
// only in a dropped body line goes missing. Coverage adds protected lines, so
// a few rounds reach a fixed point.
func (p *Pipeline) settleCoverage(text string, c Context) string {
	for i := 0; i <= len(p.cat.Tiers)+len(p.cat.AddOns); i++ {
		next := p.ensureCoverage(text, c)
		if next == text {
			return text
		}
		text = p.enforceLimits(next, c)
	}
	return text
}

func (p *Pipeline) protectedLines(lang string) map[string]struct{} {
	scripts := p.cat.ScriptsFor(lang)
	set := map[string]struct{}{
		scripts.TiersHeader:  {},
		scripts.AddOnsHeader: {},
		scripts.PaymentLine:  {},
		scripts.ContactLine:  {},
	}
	for _, t := range p.cat.Tiers {
		set[catalog.TierLine(t)] = struct{}{}
	}
	for _, a := range p.cat.AddOns {
		set[catalog.AddOnLine(a)] = struct{}{}
	}
	delete(set, "")
	return set
}

func countLines(lines []string, match func(string) bool) int {
	n := 0
	for _, l := range lines {
		if match(l) {
			n++
		}
	}
	return n
}

func lastIndex(lines []string, match func(string) bool) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if match(lines[i]) {
			return i
		}
	}
	return -1
}

// shorten cuts s to at most n runes, preferring a sentence end and then a
// word break near the end.
func shorten(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	runes = runes[:n]
	floor := n * 4 / 5
	cut := -1
	for i := len(runes) - 1; i >= floor && cut < 0; i-- {
		switch runes[i] {
		case '.', '!', '?', '\n':
			cut = i + 1
		}
	}
	for i := len(runes) - 1; i >= floor && cut < 0; i-- {
		if runes[i] == ' ' {
			cut = i
		}
	}
	if cut < 0 {
		cut = len(runes)
	}
	return strings.TrimSpace(string(runes[:cut]))
}
