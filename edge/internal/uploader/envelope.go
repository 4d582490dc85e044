package uploader

import (
	"encoding/json"

	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
)

// EnvelopeVersion identifies the wire format of BatchEnvelope.
const EnvelopeVersion = 1

// BatchEnvelope is the body of POST /ingest-batch.
type BatchEnvelope struct {
	Events []WireEvent `json:"events"`
}

// WireEvent is one event as sent to the ingestion service.
type WireEvent struct {
	ID             string          `json:"id"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	CapturedAt     int64           `json:"capturedAt"`
	SourceApp      string          `json:"sourceApp"`
	Scope          string          `json:"scope"`
	ConsentVersion string          `json:"consentVersion"`
}

// NewEnvelope builds the wire envelope for events, preserving order.
func NewEnvelope(events []*models.QueuedEvent) BatchEnvelope {
	env := BatchEnvelope{Events: make([]WireEvent, 0, len(events))}
	for _, e := range events {
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		env.Events = append(env.Events, WireEvent{
			ID:             e.ID,
			EventType:      e.EventType,
			Payload:        payload,
			CapturedAt:     e.CapturedAt.UnixMilli(),
			SourceApp:      e.SourceApp,
			Scope:          e.RequiredScope,
			ConsentVersion: e.ConsentVersion,
		})
	}
	return env
}
