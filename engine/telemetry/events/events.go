// Package events implements a bounded publish/subscribe bus used to expose
// structured lifecycle notifications (scheme accepted/rejected, manifest
// swapped, matrix rebuilt, queue saturated, persistence failures) to
// external observers without coupling them to the engine's internals.
// Grounded on the teacher's telemetry/events bus.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgetelemetry/collector/engine/telemetry/metrics"
	"github.com/edgetelemetry/collector/engine/telemetry/tracing"
)

// Category enumerates the event's broad origin.
const (
	CategoryScheme      = "scheme"
	CategoryManifest    = "manifest"
	CategoryInspection  = "inspection"
	CategoryQueue       = "queue"
	CategoryPersistence = "persistence"
	CategoryHealth      = "health"
)

// Event is the structured envelope published on the bus.
type Event struct {
	Time     time.Time
	Category string
	Type     string
	Severity string // info|warn|error
	TraceID  string
	SpanID   string
	Labels   map[string]string
	Fields   map[string]any
}

// Subscription is a handle representing one consumer of events.
type Subscription interface {
	C() <-chan Event
	Close() error
	ID() int64
}

// BusStats reports runtime counters for observability.
type BusStats struct {
	Subscribers        int64
	Published          uint64
	Dropped            uint64
	PerSubscriberDrops map[int64]uint64
}

// Bus is the event bus contract.
type Bus interface {
	Publish(ev Event) error
	PublishCtx(ctx context.Context, ev Event) error
	Subscribe(buffer int) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Stats() BusStats
}

// NewBus constructs a bounded event bus, instrumenting publish/drop counts
// against provider if non-nil.
func NewBus(provider metrics.Provider) Bus {
	b := &eventBus{subs: make(map[int64]*subscriber)}
	if provider != nil {
		b.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "edge", Subsystem: "events", Name: "published_total", Help: "Total events published",
		}})
		b.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "edge", Subsystem: "events", Name: "dropped_total", Help: "Total events dropped due to backpressure",
			Labels: []string{"subscriber"},
		}})
	}
	return b
}

type eventBus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64

	published atomic.Uint64
	dropped   atomic.Uint64

	mPublished metrics.Counter
	mDropped   metrics.Counter
}

func (b *eventBus) Publish(ev Event) error {
	if ev.Category == "" {
		return errors.New("events: event missing category")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	if b.mPublished != nil {
		b.mPublished.Inc(1)
	}

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			if b.mDropped != nil {
				b.mDropped.Inc(1, s.idLabel)
			}
		}
	}
	return nil
}

func (b *eventBus) PublishCtx(ctx context.Context, ev Event) error {
	if ev.TraceID == "" && ev.SpanID == "" {
		if traceID, spanID := tracing.ExtractIDs(ctx); traceID != "" || spanID != "" {
			ev.TraceID = traceID
			ev.SpanID = spanID
		}
	}
	return b.Publish(ev)
}

func (b *eventBus) Subscribe(buffer int) (Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, ch: make(chan Event, buffer), bus: b, idLabel: formatID(id)}
	b.subs[id] = sub
	b.mu.Unlock()
	return sub, nil
}

func (b *eventBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	id := sub.ID()
	b.mu.Lock()
	s := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if s != nil {
		close(s.ch)
	}
	return nil
}

func (b *eventBus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := BusStats{
		Subscribers:        int64(len(b.subs)),
		Published:          b.published.Load(),
		Dropped:            b.dropped.Load(),
		PerSubscriberDrops: make(map[int64]uint64, len(b.subs)),
	}
	for id, s := range b.subs {
		stats.PerSubscriberDrops[id] = s.dropped.Load()
	}
	return stats
}

type subscriber struct {
	id      int64
	ch      chan Event
	bus     *eventBus
	dropped atomic.Uint64
	idLabel string
}

func (s *subscriber) C() <-chan Event { return s.ch }
func (s *subscriber) ID() int64       { return s.id }
func (s *subscriber) Close() error    { return s.bus.Unsubscribe(s) }

func formatID(id int64) string {
	if id == 0 {
		return "0"
	}
	var digits [20]byte
	i := len(digits)
	for id > 0 {
		i--
		digits[i] = byte('0' + (id % 10))
		id /= 10
	}
	return string(digits[i:])
}
