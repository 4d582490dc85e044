// Package models defines the data types shared by the edge pipeline.
package models

import (
	"encoding/json"
	"time"
)

// EventState is the lifecycle state of a queued event.
type EventState string

const (
	StatePending    EventState = "pending"
	StateUploading  EventState = "uploading"
	StateProcessed  EventState = "processed"
	StateDeadLetter EventState = "dead_letter"
)

// Terminal reports whether no further transition is allowed.
func (s EventState) Terminal() bool {
	return s == StateProcessed || s == StateDeadLetter
}

// Valid reports whether s is a known state.
func (s EventState) Valid() bool {
	switch s {
	case StatePending, StateUploading, StateProcessed, StateDeadLetter:
		return true
	}
	return false
}

// DefaultPayloadVersion is stamped on events that do not declare one.
const DefaultPayloadVersion = 1

// QueuedEvent is a captured event held in the local queue until it is
// uploaded or dead-lettered.
type QueuedEvent struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	SourceApp      string          `json:"source_app"`
	Payload        json.RawMessage `json:"payload"`
	PayloadVersion int             `json:"payload_version"`
	RequiredScope  string          `json:"required_scope"`
	ConsentVersion string          `json:"consent_version"`
	CapturedAt     time.Time       `json:"captured_at"`
	State          EventState      `json:"state"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventIDs returns the ids of events in order.
func EventIDs(events []*QueuedEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}
