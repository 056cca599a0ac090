package channel

import (
	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// Limits bound the shape of an outgoing reply on a channel.
type Limits struct {
	MaxChars int
	MaxLines int
	// Exempt channels are never truncated.
	Exempt bool
	// MaxPayload is the hard platform body limit in bytes.
	MaxPayload int
	// EmojiBudget is the emoji allowance per reply given to the model.
	EmojiBudget int
	// Tone is a short style hint for the prompt.
	Tone string
}

var limits = map[model.Channel]Limits{
	model.ChannelWhatsApp:  {MaxChars: 900, MaxLines: 8, MaxPayload: 4096, EmojiBudget: 1, Tone: "short, warm, conversational"},
	model.ChannelMessenger: {MaxChars: 640, MaxLines: 6, MaxPayload: 2000, EmojiBudget: 1, Tone: "friendly and brief"},
	model.ChannelInstagram: {MaxChars: 1000, MaxLines: 8, MaxPayload: 1000, EmojiBudget: 2, Tone: "casual, upbeat, brief"},
	model.ChannelWeb:       {Exempt: true, MaxPayload: 16000, EmojiBudget: 0, Tone: "clear and professional"},
}

// LimitsFor returns the limits of a channel. Unknown channels get the
// strictest messenger limits.
func LimitsFor(ch model.Channel) Limits {
	if l, ok := limits[ch]; ok {
		return l
	}
	return limits[model.ChannelMessenger]
}
