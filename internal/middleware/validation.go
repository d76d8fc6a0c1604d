package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/chatstream/internal/model"
)

const (
	maxIDLength    = 128
	maxTextLength  = 100000 // ~100KB
	maxParts       = 32
	maxModelLength = 128
)

// ValidateChatRequest validates the body of a begin-completion request.
func ValidateChatRequest(req *model.ChatRequest) error {
	if err := ValidateThreadID(req.ThreadID); err != nil {
		return err
	}
	if req.ModelID == "" || len(req.ModelID) > maxModelLength {
		return errors.New("invalid model ID")
	}
	if err := ValidateMessageID(req.Message.ID); err != nil {
		return err
	}
	if req.Message.Role != "" && req.Message.Role != model.RoleUser {
		return errors.New("message role must be user")
	}
	return ValidateMessageContent(req.Message.Content)
}

// ValidateMessageContent validates the parts of a user message. A message
// needs at least one non-empty text part or file.
func ValidateMessageContent(parts []model.Part) error {
	if len(parts) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(parts) > maxParts {
		return errors.New("content has too many parts")
	}
	var size int
	var meaningful bool
	for i, p := range parts {
		switch p.Type {
		case model.PartTypeText:
			if !utf8.ValidString(p.Text) {
				return errors.New("content must be valid UTF-8")
			}
			size += len(p.Text)
			if strings.TrimSpace(p.Text) != "" {
				meaningful = true
			}
		case model.PartTypeFile:
			if p.URL == "" || p.MediaType == "" {
				return fmt.Errorf("file part %d needs url and mediaType", i)
			}
			meaningful = true
		default:
			return fmt.Errorf("unsupported part type %q", p.Type)
		}
	}
	if size > maxTextLength {
		return errors.New("content exceeds maximum length")
	}
	if !meaningful {
		return errors.New("content cannot be empty")
	}
	return nil
}

// ValidateThreadID validates a client-minted thread ID.
func ValidateThreadID(id string) error {
	if !validID(id) {
		return errors.New("invalid thread ID format")
	}
	return nil
}

// ValidateMessageID validates a client-minted message ID.
func ValidateMessageID(id string) error {
	if !validID(id) {
		return errors.New("invalid message ID format")
	}
	return nil
}

// validID accepts URL-safe ids: UUIDs, nanoids, shortuuids.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
