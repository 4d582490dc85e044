package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/common/messaging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/uploader"
)

type fakePublisher struct {
	msgs   []*messaging.Message
	msgIDs []string
	err    error
}

func (f *fakePublisher) PublishMsgSync(_ context.Context, msg *messaging.Message, msgID string) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	f.msgIDs = append(f.msgIDs, msgID)
	return &jetstream.PubAck{Stream: messaging.StreamDeadLetter, Sequence: uint64(len(f.msgs))}, nil
}

func deadEvent() *models.QueuedEvent {
	return &models.QueuedEvent{
		ID:         "evt-1",
		EventType:  "app.open",
		SourceApp:  "tests",
		Payload:    json.RawMessage(`{"k":1}`),
		State:      models.StateDeadLetter,
		RetryCount: 3,
	}
}

func TestMirror_PublishesFailedEvent(t *testing.T) {
	pub := &fakePublisher{}
	m := newMirror(pub, nil, "dev-1", logging.Discard())

	m.DeadLettered(context.Background(), deadEvent(), errors.New("server error 503"))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "edge.deadletter.app_open", pub.msgs[0].Subject)
	assert.Equal(t, "evt-1", pub.msgIDs[0])
	assert.Equal(t, "retries_exhausted", pub.msgs[0].Metadata["Edge-Reason"])

	var failed FailedEvent
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &failed))
	assert.Equal(t, "dev-1", failed.DeviceID)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, "server error 503", failed.Error)
	assert.Equal(t, "evt-1", failed.Event.ID)

	stats := m.Stats(context.Background())
	assert.Equal(t, uint64(1), stats["written_local"])
	assert.Equal(t, uint64(0), stats["failed_local"])
}

func TestMirror_PublishFailureIsCounted(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	m := newMirror(pub, nil, "", logging.Discard())

	m.DeadLettered(context.Background(), deadEvent(), errors.New("boom"))

	stats := m.Stats(context.Background())
	assert.Equal(t, uint64(0), stats["written_local"])
	assert.Equal(t, uint64(1), stats["failed_local"])
}

func TestReason(t *testing.T) {
	assert.Equal(t, "permanent", Reason(&uploader.UploadError{Kind: uploader.KindPermanent, StatusCode: 422}))
	assert.Equal(t, "retries_exhausted", Reason(&uploader.UploadError{Kind: uploader.KindServer, StatusCode: 500}))
	assert.Equal(t, "retries_exhausted", Reason(errors.New("plain")))
}

func TestMirror_NilIsDisabled(t *testing.T) {
	var m *Mirror
	m.DeadLettered(context.Background(), deadEvent(), errors.New("x"))
	assert.Equal(t, false, m.Stats(context.Background())["enabled"])
}
