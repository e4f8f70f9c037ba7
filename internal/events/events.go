// Package events is the domain event bus: fire-and-forget publication of
// auth, session, token, and consent events. Publishing never blocks the
// request path; when the buffer is full, events are dropped and counted.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/internal/common"
)

// Known event types.
const (
	AuthLoginSucceeded     = "auth.login.succeeded"
	AuthLoginFailed        = "auth.login.failed"
	AuthPasskeySucceeded   = "auth.passkey.succeeded"
	AuthPasskeyFailed      = "auth.passkey.failed"
	AuthEmailCodeSucceeded = "auth.email_code.succeeded"

	SessionUserCreated   = "session.user.created"
	SessionUserDestroyed = "session.user.destroyed"

	UserLogout   = "user.logout"
	UserUpgraded = "user.upgraded"

	TokenAccessIssued   = "token.access.issued"
	TokenRefreshIssued  = "token.refresh.issued"
	TokenRefreshRotated = "token.refresh.rotated"
	TokenIDIssued       = "token.id.issued"

	ConsentGranted         = "consent.granted"
	ConsentDenied          = "consent.denied"
	ConsentVersionUpgraded = "consent.version_upgraded"
)

// Event is one domain event.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	TenantID string         `json:"tenant_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}

// Bus publishes domain events. Implementations must never block the caller.
type Bus interface {
	Publish(eventType, tenantID string, data map[string]any)
	Close() error
}

// Sink delivers events somewhere: Redis pub/sub, a test recorder.
type Sink interface {
	Deliver(ctx context.Context, e *Event) error
}

const deliverTimeout = 5 * time.Second

// AsyncBus decouples publishers from the sink with a bounded buffer.
type AsyncBus struct {
	sink    Sink
	ch      chan *Event
	log     *common.Logger
	dropped atomic.Uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewAsyncBus starts the delivery worker. buffer <= 0 selects the default.
func NewAsyncBus(sink Sink, buffer int, log *common.Logger) *AsyncBus {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = common.NewSilentLogger()
	}
	b := &AsyncBus{
		sink: sink,
		ch:   make(chan *Event, buffer),
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues the event. A full buffer drops it rather than stalling
// token issuance.
func (b *AsyncBus) Publish(eventType, tenantID string, data map[string]any) {
	e := &Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		TenantID: tenantID,
		Data:     data,
		At:       time.Now(),
	}
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
		b.log.Debug().Str("event_type", eventType).Msg("Event buffer full, dropped")
	}
}

// Dropped reports how many events were lost to buffer pressure.
func (b *AsyncBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close drains buffered events and stops the worker.
func (b *AsyncBus) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	select {
	case <-b.done:
	case <-time.After(deliverTimeout):
	}
	return nil
}

func (b *AsyncBus) run() {
	for {
		select {
		case e := <-b.ch:
			b.deliver(e)
		case <-b.stop:
			for {
				select {
				case e := <-b.ch:
					b.deliver(e)
				default:
					close(b.done)
					return
				}
			}
		}
	}
}

func (b *AsyncBus) deliver(e *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := b.sink.Deliver(ctx, e); err != nil {
		b.log.Warn().Err(err).Str("event_type", e.Type).Msg("Event delivery failed")
	}
}

// NopBus discards everything. Tests and minimal deployments use it.
type NopBus struct{}

func (NopBus) Publish(string, string, map[string]any) {}
func (NopBus) Close() error                           { return nil }
