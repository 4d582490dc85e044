// Package deadletter mirrors dead-lettered queue events to a NATS
// JetStream stream so they can be inspected off-device.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/common/messaging"
	"github.com/telhawk-systems/telhawk-edge/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/uploader"
)

const publishTimeout = 5 * time.Second

// FailedEvent is the record published for each dead-lettered event.
type FailedEvent struct {
	DeviceID  string              `json:"device_id,omitempty"`
	Event     *models.QueuedEvent `json:"event"`
	Error     string              `json:"error"`
	Reason    string              `json:"reason"`
	Attempts  int                 `json:"attempts"`
	Timestamp time.Time           `json:"timestamp"`
}

// Publisher is the JetStream surface the mirror needs.
type Publisher interface {
	PublishMsgSync(ctx context.Context, msg *messaging.Message, msgID string) (*jetstream.PubAck, error)
}

// Mirror implements scheduler.DeadLetterSink. The local queue row stays
// authoritative; a failed publish is logged and counted, never retried.
type Mirror struct {
	pub      Publisher
	stream   jetstream.Stream
	deviceID string
	logger   *slog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewMirror creates (or updates) the dead-letter stream and returns a
// mirror publishing into it.
func NewMirror(ctx context.Context, js *nats.JetStreamClient, streamName, deviceID string, logger *slog.Logger) (*Mirror, error) {
	if js == nil {
		return nil, errors.New("jetstream client is nil")
	}
	cfg := nats.DeadLetterStreamConfig(streamName)
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create dead-letter stream: %w", err)
	}
	m := newMirror(js, stream, deviceID, logger)
	m.logger.Info("dead-letter stream ready", slog.String("stream", cfg.Name))
	return m, nil
}

func newMirror(pub Publisher, stream jetstream.Stream, deviceID string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{pub: pub, stream: stream, deviceID: deviceID, logger: logger}
}

// Reason names why an event was dead-lettered.
func Reason(cause error) string {
	if ue, ok := uploader.AsUploadError(cause); ok && ue.Kind == uploader.KindPermanent {
		return "permanent"
	}
	return "retries_exhausted"
}

func (m *Mirror) DeadLettered(ctx context.Context, event *models.QueuedEvent, cause error) {
	if m == nil || event == nil {
		return
	}
	log := logging.FromContext(ctx, m.logger)

	failed := FailedEvent{
		DeviceID:  m.deviceID,
		Event:     event,
		Reason:    Reason(cause),
		Attempts:  event.RetryCount,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		failed.Error = cause.Error()
	}
	data, err := json.Marshal(failed)
	if err != nil {
		m.failed.Add(1)
		log.ErrorContext(ctx, "marshal dead letter", logging.EventID(event.ID), logging.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := &messaging.Message{
		Subject:   messaging.DeadLetterSubject(event.EventType),
		Data:      data,
		Metadata:  map[string]string{"Edge-Reason": failed.Reason},
		Timestamp: failed.Timestamp,
	}
	if _, err := m.pub.PublishMsgSync(ctx, msg, event.ID); err != nil {
		m.failed.Add(1)
		log.WarnContext(ctx, "mirror dead letter",
			logging.EventID(event.ID),
			logging.EventType(event.EventType),
			logging.Error(err))
		return
	}
	m.written.Add(1)
	log.DebugContext(ctx, "dead letter mirrored",
		logging.EventID(event.ID),
		slog.String("reason", failed.Reason))
}

// Stats reports local counters and, when available, the stream state.
func (m *Mirror) Stats(ctx context.Context) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{"enabled": false, "backend": "jetstream"}
	}
	stats := map[string]interface{}{
		"enabled":       true,
		"backend":       "jetstream",
		"written_local": m.written.Load(),
		"failed_local":  m.failed.Load(),
	}
	if m.stream == nil {
		return stats
	}
	info, err := m.stream.Info(ctx)
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}
	stats["total_messages"] = info.State.Msgs
	stats["total_bytes"] = info.State.Bytes
	stats["first_seq"] = info.State.FirstSeq
	stats["last_seq"] = info.State.LastSeq
	return stats
}
