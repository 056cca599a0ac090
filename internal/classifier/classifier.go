// Package classifier maps the latest user message to a funnel stage and a
// readiness score. It is a pure heuristic with no I/O.
package classifier

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

const (
	// BaseScore is the starting readiness before any rule fires.
	BaseScore = 20
	// ContactThreshold is the minimum score for ASK_CONTACT.
	ContactThreshold = 70
	// TurnBonus is added per prior user turn.
	TurnBonus = 3
	// MaxTurnBonus caps the accumulated turn bonus.
	MaxTurnBonus = 15
	// ShortInputRunes marks input too short to carry intent.
	ShortInputRunes = 12
)

// Rule is one weighted lexical predicate.
type Rule struct {
	Name   string
	Weight int
	Match  func(text string) bool
}

var (
	businessRe = regexp.MustCompile(`(?i)(business|company|shop|store|clients?|customers?|sales|leads?|instagram|website|бізнес|компані|магазин|клієнт|продаж|заявк|сайт|бизнес|компани|клиент|продаж)`)
	ctaRe      = regexp.MustCompile(`(?i)(ready|let'?s (start|go|do it)|sign (me )?up|want to (start|order|buy)|asap|urgent|today|right now|готов|почнемо|почати|хочу (замовити|почати|підключ)|терміново|сьогодні|начнем|хочу (заказать|начать|подключ)|срочно|сегодня)`)
	readyRe    = regexp.MustCompile(`(?i)(ready to (start|go|begin)|let'?s (start|do it|go)|sign (me )?up|where do i sign|i want to (start|order)|готов(ий|а)? (почати|стартувати)|давайте почнемо|хочу (замовити|почати|підключити)|готов(а)? начать|давайте начнем|хочу (заказать|начать|подключить))`)
	pricingRe  = regexp.MustCompile(`(?i)(price|pricing|cost|how much|package|plan|tier|budget|цін|вартіст|скільки|пакет|тариф|бюджет|цен|стоимост|сколько)`)
	trustRe    = regexp.MustCompile(`(?i)(how (does it|do you) work|process|guarantee|reviews?|cases?|examples?|portfolio|contract|safe|як це працює|процес|гарант|відгук|кейс|приклад|договір|как это работает|отзыв|пример|договор)`)
	interestRe = regexp.MustCompile(`(?i)(interested|tell me more|sounds good|what can|can you|i need|i want|цікаво|розкажіть|потрібно|хочу|можете|интересно|расскажите|нужно)`)
	offTopicRe = regexp.MustCompile(`(?i)(weather|joke|football|movie|recipe|homework|poem|погод|анекдот|футбол|фільм|рецепт|домашн|вірш|фильм|стих)`)
)

// Rules is the ordered weighted rule table applied to every message.
var Rules = []Rule{
	{Name: "business_context", Weight: 15, Match: businessRe.MatchString},
	{Name: "call_to_action", Weight: 30, Match: ctaRe.MatchString},
	{Name: "pricing", Weight: 10, Match: pricingRe.MatchString},
	{Name: "off_topic", Weight: -25, Match: offTopicRe.MatchString},
	{Name: "short_input", Weight: -10, Match: func(text string) bool {
		return utf8.RuneCountInString(text) < ShortInputRunes
	}},
}

// Classify returns the readiness score in [0,100] and the funnel stage for the
// latest user text. userTurnCount includes the latest message.
func Classify(latestUserText string, userTurnCount int) (int, model.Stage) {
	text := strings.TrimSpace(latestUserText)
	if text == "" {
		return 0, model.StageDiscovery
	}

	score := BaseScore
	for _, r := range Rules {
		if r.Match(text) {
			score += r.Weight
		}
	}

	prior := userTurnCount - 1
	if prior > 0 {
		bonus := prior * TurnBonus
		if bonus > MaxTurnBonus {
			bonus = MaxTurnBonus
		}
		score += bonus
	}
	score = clamp(score, 0, 100)

	return score, stageFor(text, score)
}

func stageFor(text string, score int) model.Stage {
	switch {
	case score >= ContactThreshold && readyRe.MatchString(text):
		return model.StageAskContact
	case pricingRe.MatchString(text):
		return model.StageOffer
	case trustRe.MatchString(text):
		return model.StageTrust
	case interestRe.MatchString(text):
		return model.StageValue
	}
	return model.StageDiscovery
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
