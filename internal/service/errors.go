// Package service provides the business logic of the chat stream platform:
// the quota ledger, the thread state machine and the completion orchestrator.
package service

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/chatstream/internal/model"
)

// Client-caused failures. They are never retried.
var (
	ErrThreadNotFound   = errors.New("thread not found")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrModelNotFound    = errors.New("model not found")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrAlreadyStreaming = errors.New("thread is already streaming")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrInvalidRequest   = errors.New("invalid request")
)

// QuotaError describes a denied reservation.
type QuotaError struct {
	Kind  model.UsageKind
	Limit int64
	Used  int64
	Cost  int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded: used %d of %d, requested %d", e.Kind, e.Used, e.Limit, e.Cost)
}

// Is makes a QuotaError match ErrQuotaExceeded.
func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Metadata returns the fields exposed to clients.
func (e *QuotaError) Metadata() map[string]any {
	return map[string]any{
		"kind":  string(e.Kind),
		"limit": e.Limit,
		"used":  e.Used,
	}
}
