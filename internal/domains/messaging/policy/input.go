// Package policy holds the pure input and ordering rules of the message
// pipeline.
package policy

import (
	"errors"
	"strings"

	"advocate-chat/go-core/pkg/models"
)

const MaxTextLength = 4000

var (
	ErrEmptyMessage     = errors.New("message text is required")
	ErrMessageTooLong   = errors.New("message text is too long")
	ErrMessageIDMissing = errors.New("message id is required")
	ErrMediaNameMissing = errors.New("media name is required")
)

// ValidateSendInput checks the conversation and trims the text.
func ValidateSendInput(conv models.ConversationRef, text string) (models.ConversationRef, string, error) {
	if err := conv.Validate(); err != nil {
		return models.ConversationRef{}, "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ConversationRef{}, "", ErrEmptyMessage
	}
	if len([]rune(text)) > MaxTextLength {
		return models.ConversationRef{}, "", ErrMessageTooLong
	}
	return conv, text, nil
}

func ValidateMediaInput(conv models.ConversationRef, name string) (models.ConversationRef, string, error) {
	if err := conv.Validate(); err != nil {
		return models.ConversationRef{}, "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.ConversationRef{}, "", ErrMediaNameMissing
	}
	return conv, name, nil
}

func ValidateMessageID(conv models.ConversationRef, messageID string) (models.ConversationRef, string, error) {
	if err := conv.Validate(); err != nil {
		return models.ConversationRef{}, "", err
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return models.ConversationRef{}, "", ErrMessageIDMissing
	}
	return conv, messageID, nil
}

// Before orders messages by send time, then by local arrival.
func Before(a, b models.Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ArrivalSeq < b.ArrivalSeq
}

// Visible reports whether a stored message is shown given the current block
// state of its sender. Everything a blocked sender wrote is hidden, whether it
// arrived before or after the block; HiddenBlocked only records the latter.
func Visible(_ models.Message, senderBlocked bool) bool {
	return !senderBlocked
}
