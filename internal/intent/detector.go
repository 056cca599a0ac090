// Package intent detects the language and purpose of user messages. It is the
// single source of truth shared by the prompt assembler and the guardrails.
package intent

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// Supported languages.
const (
	LangEnglish   = "en"
	LangUkrainian = "uk"
	LangRussian   = "ru"
)

// DefaultLanguage is used when nothing better is known.
const DefaultLanguage = LangUkrainian

var (
	supportRe = regexp.MustCompile(`(?i)(not working|doesn'?t work|broken|error|bug|crash|outage|down\b|incident|refund|complain|не працю|злам|помилк|баг|аварі|не працює|не работа|слома|ошибк|авари|повернення коштів|возврат)`)
	packagesRe = regexp.MustCompile(`(?i)(package|plan|tier|pricing|price|cost|how much|compare|difference|пакет|тариф|цін|скільки кошт|вартіст|порівн|різниц|цен|сколько сто|стоимост|сравн|разниц)`)
	servicesRe = regexp.MustCompile(`(?i)(what (do|can) you (do|offer)|services|what else|add-?ons?|extras?|послуг|що ви (робите|пропонуєте)|ще щось|додатков|услуг|что вы (делаете|предлагаете)|дополнительн)`)
	contactRe  = regexp.MustCompile(`(?i)(call me|contact me|reach me|my (phone|number|email)|let'?s talk|зателефонуй|подзвон|зв'?яжіться|мій (номер|телефон)|перезвон|свяжитесь|мой (номер|телефон))`)
	chosenRe   = regexp.MustCompile(`(?i)(i('ll| will)? (take|choose|go with)|let'?s go with|беру|обираю|возьму|выбираю|зупинюсь на)`)

	phoneRe  = regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`)
	emailRe  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	handleRe = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9_.]{3,32})\b`)
)

// Detector classifies intent and language.
type Detector struct {
	tiers []string
}

// NewDetector creates a detector aware of the configured tier names.
func NewDetector(tierNames []string) *Detector {
	lower := make([]string, 0, len(tierNames))
	for _, n := range tierNames {
		if n = strings.TrimSpace(n); n != "" {
			lower = append(lower, strings.ToLower(n))
		}
	}
	return &Detector{tiers: lower}
}

// Detect returns the dominant intent of text. Support wins over everything so
// that incidents never get a sales pitch.
func (d *Detector) Detect(text string) model.Intent {
	switch {
	case strings.TrimSpace(text) == "":
		return model.IntentGeneral
	case supportRe.MatchString(text):
		return model.IntentSupport
	case contactRe.MatchString(text) || HasContactValue(text):
		return model.IntentContactInterest
	case packagesRe.MatchString(text):
		return model.IntentPackages
	case servicesRe.MatchString(text):
		return model.IntentServices
	}
	return model.IntentGeneral
}

// IsServicesQuestion reports a general "what do you offer" question.
func (d *Detector) IsServicesQuestion(text string) bool {
	return servicesRe.MatchString(text)
}

// IsPackageQuestion reports a pricing or package comparison question.
func (d *Detector) IsPackageQuestion(text string) bool {
	return packagesRe.MatchString(text)
}

// ChosenPackage returns the tier the user explicitly picked, if any.
func (d *Detector) ChosenPackage(text string) string {
	if !chosenRe.MatchString(text) {
		return ""
	}
	lower := strings.ToLower(text)
	for _, t := range d.tiers {
		if strings.Contains(lower, t) {
			return t
		}
	}
	return ""
}

// ResolveLanguage picks the reply language. A forced language wins, then the
// script of the text, then the fallback.
func ResolveLanguage(forced, text, fallback string) string {
	if l := normalizeLang(forced); l != "" {
		return l
	}
	if l := DetectLanguage(text); l != "" {
		return l
	}
	if l := normalizeLang(fallback); l != "" {
		return l
	}
	return DefaultLanguage
}

// DetectLanguage infers the language from the script. Returns "" when the text
// carries no letters.
func DetectLanguage(text string) string {
	var cyr, lat int
	ukr := false
	for _, r := range text {
		switch {
		case strings.ContainsRune("іїєґІЇЄҐ", r):
			ukr = true
			cyr++
		case strings.ContainsRune("ыэёъЫЭЁЪ", r):
			cyr++
		case unicode.Is(unicode.Cyrillic, r):
			cyr++
		case unicode.Is(unicode.Latin, r):
			lat++
		}
	}
	switch {
	case cyr == 0 && lat == 0:
		return ""
	case cyr >= lat && ukr:
		return LangUkrainian
	case cyr >= lat && strings.ContainsAny(text, "ыэёъЫЭЁЪ"):
		return LangRussian
	case cyr >= lat:
		return LangUkrainian
	}
	return LangEnglish
}

func normalizeLang(l string) string {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "en", "english":
		return LangEnglish
	case "uk", "ua", "ukrainian":
		return LangUkrainian
	case "ru", "russian":
		return LangRussian
	}
	return ""
}

// HasContactValue reports whether text carries a phone, email, or handle.
func HasContactValue(text string) bool {
	return ExtractContact(text) != ""
}

// ExtractContact returns the first canonical contact value found in text:
// a phone as +<digits>, a lower-cased email, or an @handle.
func ExtractContact(text string) string {
	if m := emailRe.FindString(text); m != "" {
		return strings.ToLower(m)
	}
	if m := phoneRe.FindString(text); m != "" {
		if p := CanonicalPhone(m); p != "" {
			return p
		}
	}
	if m := handleRe.FindStringSubmatch(text); len(m) == 2 {
		return "@" + strings.ToLower(m[1])
	}
	return ""
}

// CanonicalPhone normalizes a phone-like string to +<digits>. Returns "" for
// fewer than 10 or more than 15 digits.
func CanonicalPhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 10 || len(digits) > 15 {
		return ""
	}
	return "+" + digits
}
