// Package catalog holds tenant sales data: pricing tiers, add-ons, FAQ, and the
// fixed scripts the funnel sends verbatim.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is one pricing package.
type Tier struct {
	Name    string `yaml:"name"`
	Price   string `yaml:"price"`
	Summary string `yaml:"summary"`
}

// AddOn is an optional extra service.
type AddOn struct {
	Name  string `yaml:"name"`
	Price string `yaml:"price"`
}

// FAQ is a canned question and answer.
type FAQ struct {
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// Scripts are the language-specific fixed texts.
type Scripts struct {
	Intro            string `yaml:"intro"`
	Fallback         string `yaml:"fallback"`
	VoicePlaceholder string `yaml:"voice_placeholder"`
	Nudge            string `yaml:"nudge"`
	PaymentLine      string `yaml:"payment_line"`
	ContactLine      string `yaml:"contact_line"`
	TiersHeader      string `yaml:"tiers_header"`
	AddOnsHeader     string `yaml:"add_ons_header"`
}

// Catalog is the full tenant sales configuration.
type Catalog struct {
	BusinessName string             `yaml:"business_name"`
	Tiers        []Tier             `yaml:"tiers"`
	AddOns       []AddOn            `yaml:"add_ons"`
	FAQ          []FAQ              `yaml:"faq"`
	Scripts      map[string]Scripts `yaml:"scripts"`
	// BannedPhrases are removed from every generated reply.
	BannedPhrases []string `yaml:"banned_phrases"`
	// IntroMarkers identify a self-introduction sentence.
	IntroMarkers []string `yaml:"intro_markers"`
	// ContactMarkers identify a line already asking for contact details.
	ContactMarkers []string `yaml:"contact_markers"`
	// PaymentMarkers identify a line asking for a direct payment.
	PaymentMarkers []string `yaml:"payment_markers"`
	// ExtraRules are appended verbatim to the system prompt.
	ExtraRules []string `yaml:"extra_rules"`
}

// Load reads a YAML catalog and fills anything it omits from Default.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	c.fillDefaults(Default())
	return &c, nil
}

// TierNames returns the tier names in order.
func (c *Catalog) TierNames() []string {
	names := make([]string, len(c.Tiers))
	for i, t := range c.Tiers {
		names[i] = t.Name
	}
	return names
}

// ScriptsFor returns scripts for lang, falling back to the default language of
// the catalog and then to any available set.
func (c *Catalog) ScriptsFor(lang string) Scripts {
	if s, ok := c.Scripts[lang]; ok {
		return s
	}
	if s, ok := c.Scripts[defaultLang]; ok {
		return s
	}
	for _, s := range c.Scripts {
		return s
	}
	return defaultScripts[defaultLang]
}

// Intro is the fixed first-message introduction.
func (c *Catalog) Intro(lang string) string {
	return c.ScriptsFor(lang).Intro
}

// Fallback is the deterministic reply used when the completion service fails.
func (c *Catalog) Fallback(lang string) string {
	return c.ScriptsFor(lang).Fallback
}

// Nudge renders the follow-up message quoting the last user utterance.
func (c *Catalog) Nudge(lang, lastUserText string) string {
	tmpl := c.ScriptsFor(lang).Nudge
	if strings.Count(tmpl, "%s") != 1 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, lastUserText)
}

// TierLine renders one tier for a reply.
func TierLine(t Tier) string {
	line := "• " + t.Name
	if t.Price != "" {
		line += " " + t.Price
	}
	if t.Summary != "" {
		line += ": " + t.Summary
	}
	return line
}

// AddOnLine renders one add-on for a reply.
func AddOnLine(a AddOn) string {
	if a.Price == "" {
		return "• " + a.Name
	}
	return "• " + a.Name + " " + a.Price
}

func (c *Catalog) fillDefaults(d *Catalog) {
	if strings.TrimSpace(c.BusinessName) == "" {
		c.BusinessName = d.BusinessName
	}
	if len(c.Tiers) == 0 {
		c.Tiers = d.Tiers
	}
	if len(c.AddOns) == 0 {
		c.AddOns = d.AddOns
	}
	if len(c.FAQ) == 0 {
		c.FAQ = d.FAQ
	}
	if c.Scripts == nil {
		c.Scripts = map[string]Scripts{}
	}
	for lang, ds := range d.Scripts {
		s := c.Scripts[lang]
		c.Scripts[lang] = mergeScripts(s, ds)
	}
	if len(c.BannedPhrases) == 0 {
		c.BannedPhrases = d.BannedPhrases
	}
	if len(c.IntroMarkers) == 0 {
		c.IntroMarkers = d.IntroMarkers
	}
	if len(c.ContactMarkers) == 0 {
		c.ContactMarkers = d.ContactMarkers
	}
	if len(c.PaymentMarkers) == 0 {
		c.PaymentMarkers = d.PaymentMarkers
	}
}

func mergeScripts(s, d Scripts) Scripts {
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	return Scripts{
		Intro:            pick(s.Intro, d.Intro),
		Fallback:         pick(s.Fallback, d.Fallback),
		VoicePlaceholder: pick(s.VoicePlaceholder, d.VoicePlaceholder),
		Nudge:            pick(s.Nudge, d.Nudge),
		PaymentLine:      pick(s.PaymentLine, d.PaymentLine),
		ContactLine:      pick(s.ContactLine, d.ContactLine),
		TiersHeader:      pick(s.TiersHeader, d.TiersHeader),
		AddOnsHeader:     pick(s.AddOnsHeader, d.AddOnsHeader),
	}
}
