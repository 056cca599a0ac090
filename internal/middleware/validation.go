package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

const (
	maxChatTextRunes = 4000
	maxSessionIDLen  = 128
)

// ValidateChatText validates a web chat message.
func ValidateChatText(text string) error {
	if len(text) == 0 {
		return errors.New("text cannot be empty")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	if utf8.RuneCountInString(text) > maxChatTextRunes {
		return errors.New("text exceeds maximum length")
	}
	return nil
}

// ValidateSessionID validates a web widget session id.
func ValidateSessionID(id string) error {
	if len(id) == 0 {
		return errors.New("session_id cannot be empty")
	}
	if len(id) > maxSessionIDLen {
		return errors.New("session_id exceeds maximum length")
	}
	for _, r := range id {
		if r <= ' ' || r == 0x7f {
			return errors.New("session_id contains invalid characters")
		}
	}
	return nil
}

// ValidateConversationKey validates a "channel:contact" store key.
func ValidateConversationKey(key string) error {
	if _, _, ok := model.SplitConversationKey(key); !ok {
		return errors.New("invalid conversation key")
	}
	return nil
}
