// Package model defines data structures for the thread streaming service.
package model

import (
	"time"
)

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	// ThreadStatusReady means no completion is in flight.
	ThreadStatusReady ThreadStatus = "ready"
	// ThreadStatusSubmitted is the transient state of a freshly created thread
	// before the server confirms streaming.
	ThreadStatusSubmitted ThreadStatus = "submitted"
	// ThreadStatusStreaming means a completion owns the thread.
	ThreadStatusStreaming ThreadStatus = "streaming"
)

// Valid reports whether s is a known status.
func (s ThreadStatus) Valid() bool {
	switch s {
	case ThreadStatusReady, ThreadStatusSubmitted, ThreadStatusStreaming:
		return true
	}
	return false
}

// Thread represents a single conversation owned by one user.
type Thread struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"ownerId"`
	Title        *string      `json:"title"`
	Status       ThreadStatus `json:"status"`
	StreamHandle *string      `json:"streamHandle"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Streaming reports whether a completion currently owns the thread.
func (t *Thread) Streaming() bool {
	return t.Status == ThreadStatusStreaming
}

// HasTitle reports whether a non-empty title has been set.
func (t *Thread) HasTitle() bool {
	return t.Title != nil && *t.Title != ""
}

// Handle returns the stream handle or the empty string.
func (t *Thread) Handle() string {
	if t.StreamHandle == nil {
		return ""
	}
	return *t.StreamHandle
}

// ThreadDetail is a thread together with its ordered messages.
type ThreadDetail struct {
	Thread   *Thread   `json:"thread"`
	Messages []Message `json:"messages"`
}

// ListThreadsResponse is the response for listing threads.
type ListThreadsResponse struct {
	Threads []Thread `json:"threads"`
}
