package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageKind marks assistant messages that are not model replies.
type MessageKind string

const (
	// KindNudge is a follow-up sent by the scheduler.
	KindNudge MessageKind = "nudge"
	// KindVoicePlaceholder is the fallback sent when a voice note could not
	// be transcribed.
	KindVoicePlaceholder MessageKind = "voice_placeholder"
)

// Message is one entry of a conversation log.
type Message struct {
	Role      Role        `json:"role"`
	Text      string      `json:"text"`
	Kind      MessageKind `json:"kind,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stage is the funnel phase of a conversation.
type Stage string

const (
	StageDiscovery  Stage = "DISCOVERY"
	StageValue      Stage = "VALUE"
	StageTrust      Stage = "TRUST"
	StageOffer      Stage = "OFFER"
	StageAskContact Stage = "ASK_CONTACT"
	StageFollowUp   Stage = "FOLLOW_UP"
)

// Intent is the coarse purpose of the latest user message.
type Intent string

const (
	IntentGeneral         Intent = "general"
	IntentSupport         Intent = "support"
	IntentPackages        Intent = "packages"
	IntentServices        Intent = "services"
	IntentContactInterest Intent = "contact_interest"
)

// ChatRequest is the web chat request body.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Lang      string `json:"lang,omitempty"`
	Widget    string `json:"widget,omitempty"`
}

// ChatResponse is the web chat response body.
type ChatResponse struct {
	Reply string `json:"reply"`
	Stage Stage  `json:"stage"`
	Score int    `json:"score"`
}
