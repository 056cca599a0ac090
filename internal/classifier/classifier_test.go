package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

func TestClassifyEmpty(t *testing.T) {
	score, stage := Classify("   ", 5)
	assert.Equal(t, 0, score)
	assert.Equal(t, model.StageDiscovery, stage)
}

func TestClassifyStages(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		turns int
		want  model.Stage
	}{
		{"discovery", "hello, I found you on google", 1, model.StageDiscovery},
		{"value", "sounds good, tell me more about it", 1, model.StageValue},
		{"trust", "how does it work with my existing process?", 2, model.StageTrust},
		{"offer", "how much is the business package?", 2, model.StageOffer},
		{"ask contact", "we are ready to start today, our shop needs more clients", 4, model.StageAskContact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stage := Classify(tt.text, tt.turns)
			assert.Equal(t, tt.want, stage)
		})
	}
}

func TestClassifyReadyBelowThresholdIsNotAskContact(t *testing.T) {
	score, stage := Classify("let's start", 1)
	assert.Less(t, score, ContactThreshold)
	assert.NotEqual(t, model.StageAskContact, stage)
}

func TestClassifyTurnBonusCapped(t *testing.T) {
	few, _ := Classify("tell me more about your service", 2)
	many, _ := Classify("tell me more about your service", 100)
	assert.Equal(t, few+MaxTurnBonus-TurnBonus, many)
}

func TestClassifyClamps(t *testing.T) {
	score, _ := Classify("joke", 1)
	assert.GreaterOrEqual(t, score, 0)

	text := strings.Repeat("ready to start today, business clients, price ", 3)
	score, _ = Classify(text, 50)
	assert.LessOrEqual(t, score, 100)
}

// ASK_CONTACT must never be returned below the threshold.
func TestAskContactNeverBelowThreshold(t *testing.T) {
	inputs := []string{
		"", "ok", "ready to start", "let's start", "sign me up", "ready to start, what's the weather",
		"we are ready to start today with our business", "готовий почати", "давайте начнем сегодня",
		"ready to go, joke, movie, poem", "i want to order now for my store, how much",
	}
	for _, in := range inputs {
		for turns := 0; turns < 12; turns++ {
			score, stage := Classify(in, turns)
			if stage == model.StageAskContact {
				assert.GreaterOrEqual(t, score, ContactThreshold, "input %q turns %d", in, turns)
			}
			assert.GreaterOrEqual(t, score, 0)
			assert.LessOrEqual(t, score, 100)
		}
	}
}

// Stage follows the latest message and may move backwards.
func TestClassifyIsNotMonotonic(t *testing.T) {
	_, first := Classify("how much is the pro package?", 2)
	_, second := Classify("hello", 3)
	assert.Equal(t, model.StageOffer, first)
	assert.Equal(t, model.StageDiscovery, second)
}
