package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasAllScripts(t *testing.T) {
	c := Default()
	for _, lang := range []string{"en", "uk", "ru"} {
		s := c.ScriptsFor(lang)
		assert.NotEmpty(t, s.Intro, lang)
		assert.NotEmpty(t, s.Fallback, lang)
		assert.Contains(t, s.Nudge, "%s", lang)
	}
	assert.Equal(t, []string{"START", "BUSINESS", "PRO"}, c.TierNames())
}

func TestScriptsForUnknownLanguage(t *testing.T) {
	c := Default()
	assert.Equal(t, c.ScriptsFor(defaultLang), c.ScriptsFor("de"))
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
business_name: Acme Bots
tiers:
  - name: LITE
    price: "$10"
scripts:
  en:
    intro: "Hello from Acme!"
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Acme Bots", c.BusinessName)
	assert.Equal(t, []string{"LITE"}, c.TierNames())
	assert.Equal(t, "Hello from Acme!", c.Intro("en"))
	assert.Equal(t, Default().Fallback("en"), c.Fallback("en"))
	assert.NotEmpty(t, c.AddOns)
	assert.NotEmpty(t, c.PaymentMarkers)
}

func TestNudgeQuotesUserText(t *testing.T) {
	c := Default()
	assert.Contains(t, c.Nudge("en", "pricing for PRO"), `"pricing for PRO"`)
}

func TestTierLine(t *testing.T) {
	assert.Equal(t, "• PRO $499/mo: all", TierLine(Tier{Name: "PRO", Price: "$499/mo", Summary: "all"}))
	assert.Equal(t, "• CRM", AddOnLine(AddOn{Name: "CRM"}))
}
