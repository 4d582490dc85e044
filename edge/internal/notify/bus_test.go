package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/common/messaging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"go.uber.org/goleak"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*messaging.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	return p.PublishMsg(context.Background(), &messaging.Message{Subject: subject, Data: data})
}

func (p *recordingPublisher) PublishMsg(_ context.Context, msg *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Messages() []*messaging.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*messaging.Message(nil), p.msgs...)
}

// blockingPublisher holds every publish until release is closed.
type blockingPublisher struct {
	release chan struct{}
	calls   chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

func (p *blockingPublisher) PublishMsg(ctx context.Context, _ *messaging.Message) error {
	select {
	case p.calls <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingPublisher) Close() error { return nil }

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(nil, "dev-1", logging.Discard())
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.OnStateChange(models.StateChange{From: models.SchedulerIdle, To: models.SchedulerProcessing, At: time.Now()})

	for _, ch := range []<-chan Notification{a, b} {
		select {
		case n := <-ch:
			assert.Equal(t, KindState, n.Kind)
			assert.Equal(t, "dev-1", n.DeviceID)
			require.NotNil(t, n.State)
			assert.Equal(t, models.SchedulerProcessing, n.State.To)
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	bus.OnFlushComplete(models.UploadResult{SuccessCount: 2})
	n := <-b
	assert.Equal(t, KindFlush, n.Kind)
	assert.Equal(t, 2, n.Flush.SuccessCount)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(nil, "", logging.Discard())
	_, unsub := bus.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		bus.OnFlushComplete(models.UploadResult{})
	}
	assert.Equal(t, int64(4), bus.Dropped())
}

func TestBus_PublishesToBroker(t *testing.T) {
	pub := &recordingPublisher{}
	bus := NewBus(pub, "dev-9", logging.Discard())
	defer bus.Close()

	bus.OnStateChange(models.StateChange{From: models.SchedulerProcessing, To: models.SchedulerIdle})
	bus.OnFlushComplete(models.UploadResult{SuccessCount: 3})

	require.Eventually(t, func() bool { return len(pub.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := pub.Messages()
	assert.Equal(t, messaging.SubjectPipelineState, msgs[0].Subject)
	assert.Equal(t, messaging.SubjectPipelineFlush, msgs[1].Subject)
	assert.Equal(t, "dev-9", msgs[0].Metadata["Edge-Device"])

	var n Notification
	require.NoError(t, json.Unmarshal(msgs[1].Data, &n))
	assert.Equal(t, KindFlush, n.Kind)
	assert.Equal(t, 3, n.Flush.SuccessCount)
}

func TestBus_PublishErrorIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	bus := NewBus(pub, "dev-1", logging.Discard())
	defer bus.Close()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.OnFlushComplete(models.UploadResult{})
	assert.Len(t, ch, 1)
}

func TestBus_SlowBrokerDoesNotBlock(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{}), calls: make(chan struct{}, 1)}
	bus := NewBus(pub, "dev-1", logging.Discard())
	ch, unsub := bus.Subscribe(outboxSize * 2)
	defer unsub()

	start := time.Now()
	for i := 0; i < outboxSize+10; i++ {
		bus.OnStateChange(models.StateChange{From: models.SchedulerIdle, To: models.SchedulerPaused})
	}
	assert.Less(t, time.Since(start), publishTimeout)
	assert.Len(t, ch, outboxSize+10)
	assert.Positive(t, bus.PublishDropped())

	select {
	case <-pub.calls:
	case <-time.After(time.Second):
		t.Fatal("publisher never called")
	}
	close(pub.release)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	before := bus.PublishDropped()
	bus.OnFlushComplete(models.UploadResult{})
	assert.Equal(t, before+1, bus.PublishDropped())
	goleak.VerifyNone(t)
}
