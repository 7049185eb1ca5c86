package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 8192 // 8KB max content size
	MaxTextChars    = 4000 // max character count
)

// ErrEmptyMessage is returned for content that is empty after trimming.
var ErrEmptyMessage = errors.New("message content is empty")

// ValidateMessage checks that message content can be persisted and delivered.
func ValidateMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
