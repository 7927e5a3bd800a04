// Package events carries harness progress (builds, trials, phases, verdicts)
// to in-process observers such as the debug log.
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 256

// Event types.
const (
	EventTypeLaneBuilt         = "LaneBuilt"
	EventTypeTrialStarted      = "TrialStarted"
	EventTypeTrialCompleted    = "TrialCompleted"
	EventTypeCampaignCompleted = "CampaignCompleted"
	EventTypePhaseTransition   = "PhaseTransition"
	EventTypeHealthCheck       = "HealthCheck"
	// EventTypeSystemAlert marks harness failures rather than target failures.
	EventTypeSystemAlert = "SystemAlert"
)

// Severities.
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is one bus message. EntityID is "lane" or "lane/NNN" for trials.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes events on its own goroutine, in publish order.
type Handler func(Event)

// Publisher is what producers depend on.
type Publisher interface {
	Publish(event Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscription queue length.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithLogger sets where dropped events are reported.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bus fans events out to subscriptions. Publish never blocks: an event that
// does not fit a subscription's queue is dropped for that subscription and
// counted.
type Bus struct {
	bufferSize int
	logger     *log.Logger

	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	dropped map[string]uint64
	wg      sync.WaitGroup
}

type subscription struct {
	types []string
	queue chan Event
	once  sync.Once
}

func (s *subscription) wants(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

// New returns an open bus.
func New(options ...Option) *Bus {
	b := &Bus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		dropped:    make(map[string]uint64),
	}
	for _, option := range options {
		if option != nil {
			option(b)
		}
	}
	return b
}

// Subscribe registers handler for the given event types, or for every event
// when none are given. The returned func detaches the handler after it has
// drained what was already queued.
func (b *Bus) Subscribe(handler Handler, types ...string) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	sub := &subscription{types: slices.Clone(types), queue: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for event := range sub.queue {
			handler(event)
		}
	}()

	return func() {
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
		b.mu.Unlock()
		sub.stop()
	}
}

// Publish stamps and delivers event. Events published after Close are lost.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.dropped[event.Type]++
			b.logger.Warn("event dropped", "type", event.Type, "entity", event.EntityID)
		}
	}
}

// Dropped reports how many events of each type did not fit a queue.
func (b *Bus) Dropped() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]uint64, len(b.dropped))
	for k, v := range b.dropped {
		out[k] = v
	}
	return out
}

// Close stops delivery and waits for every handler to drain its queue.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, sub := range b.subs {
			sub.stop()
		}
		b.subs = nil
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}
