// Package notify fans scheduler notifications out to in-process
// subscribers and, when configured, to the message bus.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-edge/common/messaging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
)

// Kind identifies a notification.
type Kind string

const (
	KindState Kind = "state"
	KindFlush Kind = "flush"
)

// Notification is one scheduler event.
type Notification struct {
	Kind     Kind                 `json:"kind"`
	DeviceID string               `json:"device_id,omitempty"`
	State    *models.StateChange  `json:"state,omitempty"`
	Flush    *models.UploadResult `json:"flush,omitempty"`
	At       time.Time            `json:"at"`
}

const (
	publishTimeout = 2 * time.Second
	outboxSize     = 64
)

type outgoing struct {
	subject string
	n       Notification
}

// Bus implements scheduler.Listener. Delivery never blocks the
// scheduler: a full subscriber buffer drops the notification, and broker
// publishing runs on its own goroutine behind a bounded outbox.
type Bus struct {
	publisher messaging.Publisher
	deviceID  string
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan Notification
	nextID int

	outbox    chan outgoing
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped        atomic.Int64
	publishDropped atomic.Int64
}

// NewBus creates a bus. publisher may be nil; otherwise Close must be
// called to stop the publishing goroutine.
func NewBus(publisher messaging.Publisher, deviceID string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		publisher: publisher,
		deviceID:  deviceID,
		logger:    logger,
		subs:      make(map[int]chan Notification),
		done:      make(chan struct{}),
	}
	if publisher != nil {
		b.outbox = make(chan outgoing, outboxSize)
		b.wg.Add(1)
		go b.publishLoop()
	}
	return b
}

// Close stops broker publishing. Notifications still in the outbox are
// discarded.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}

// Subscribe returns a channel of notifications and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many notifications were dropped for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// PublishDropped returns how many notifications never reached the broker
// because the outbox was full or the bus was closed.
func (b *Bus) PublishDropped() int64 {
	return b.publishDropped.Load()
}

func (b *Bus) OnStateChange(change models.StateChange) {
	c := change
	b.emit(Notification{Kind: KindState, State: &c, At: change.At}, messaging.SubjectPipelineState)
}

func (b *Bus) OnFlushComplete(result models.UploadResult) {
	r := result
	b.emit(Notification{Kind: KindFlush, Flush: &r, At: time.Now().UTC()}, messaging.SubjectPipelineFlush)
}

func (b *Bus) emit(n Notification, subject string) {
	n.DeviceID = b.deviceID

	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.Unlock()

	if b.outbox == nil {
		return
	}
	select {
	case <-b.done:
		b.publishDropped.Add(1)
		return
	default:
	}
	select {
	case b.outbox <- outgoing{subject: subject, n: n}:
	default:
		b.publishDropped.Add(1)
	}
}

func (b *Bus) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case out := <-b.outbox:
			b.publish(out)
		}
	}
}

func (b *Bus) publish(out outgoing) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := messaging.PublishJSON(ctx, b.publisher, out.subject, out.n,
		messaging.WithHeader("Edge-Device", b.deviceID)); err != nil {
		b.logger.Warn("publish notification failed",
			slog.String("subject", out.subject),
			slog.String("error", err.Error()))
	}
}
