package event

import (
	"path"
	"sync"
	"time"

	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultChannel is the channel events are published on when none is set
const DefaultChannel = "*"

// Event is an immutable message distributed through the bus
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Channel   string         `json:"channel"`
}

// New creates an event with a fresh id and timestamp on the default channel
func New(name string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
		Channel:   DefaultChannel,
	}
}

// NewOn creates an event on a specific channel
func NewOn(channel, name string, payload map[string]any) *Event {
	e := New(name, payload)
	e.Channel = channel
	return e
}

// Callback handles one delivered event. A non-nil error is logged and
// counted but never reaches the publisher.
type Callback func(*Event) error

type job struct {
	event *Event
	wg    *sync.WaitGroup
}

// Subscription binds a name pattern and channel to a callback. Delivery
// to a single subscription is serialized through its own queue; across
// subscriptions delivery is concurrent.
type Subscription struct {
	id         uint64
	Channel    string
	Pattern    string
	Owner      string
	Persistent bool

	cb    Callback
	queue chan job
	done  chan struct{}
	once  sync.Once
}

// Bus is a pattern-matched publish/subscribe hub. Publish never blocks
// on or propagates subscriber failures.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger zerolog.Logger
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: log.WithComponent("eventbus"),
	}
}

// Subscribe registers a callback for events whose channel matches the
// given channel ("*" matches any) and whose name matches the glob
// pattern ("*" any run, "?" one character). The returned subscription is
// the handle for Unsubscribe.
func (b *Bus) Subscribe(channel, pattern string, cb Callback, owner string, persistent bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:         b.nextID,
		Channel:    channel,
		Pattern:    pattern,
		Owner:      owner,
		Persistent: persistent,
		cb:         cb,
		queue:      make(chan job, 64),
		done:       make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go b.deliver(sub)

	b.logger.Debug().
		Str("pattern", pattern).
		Str("channel", channel).
		Str("owner", owner).
		Msg("Subscription added")
	return sub
}

// Unsubscribe removes a subscription. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.stop()
}

// ClearNonPersistent removes every subscription not marked persistent
func (b *Bus) ClearNonPersistent() {
	b.mu.Lock()
	var stopped []*Subscription
	for id, sub := range b.subs {
		if !sub.Persistent {
			delete(b.subs, id)
			stopped = append(stopped, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range stopped {
		sub.stop()
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish distributes the event to all matching subscriptions and waits
// for their callbacks to finish. Callback panics and errors are isolated:
// they are logged and counted, never returned. Publish itself never fails.
func (b *Bus) Publish(e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Channel == "" {
		e.Channel = DefaultChannel
	}

	b.mu.Lock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(e) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	metrics.EventsPublished.Inc()

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		select {
		case sub.queue <- job{event: e, wg: &wg}:
		case <-sub.done:
			wg.Done()
		}
	}
	wg.Wait()
}

// PublishAsync distributes the event without waiting for callbacks
func (b *Bus) PublishAsync(e *Event) {
	go b.Publish(e)
}

func (s *Subscription) matches(e *Event) bool {
	if s.Channel != "*" && s.Channel != e.Channel {
		return false
	}
	ok, err := path.Match(s.Pattern, e.Name)
	return err == nil && ok
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// deliver is the per-subscription dispatch loop. One event at a time,
// so a callback never runs concurrently with itself.
func (b *Bus) deliver(sub *Subscription) {
	for {
		select {
		case j := <-sub.queue:
			b.invoke(sub, j)
		case <-sub.done:
			// Release publishers still waiting on queued jobs
			for {
				select {
				case j := <-sub.queue:
					j.wg.Done()
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) invoke(sub *Subscription, j job) {
	defer j.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberErrors.Inc()
			b.logger.Error().
				Interface("panic", r).
				Str("event", j.event.Name).
				Str("owner", sub.Owner).
				Msg("Subscriber callback panicked")
		}
	}()

	if err := sub.cb(j.event); err != nil {
		metrics.SubscriberErrors.Inc()
		b.logger.Error().
			Err(err).
			Str("event", j.event.Name).
			Str("owner", sub.Owner).
			Msg("Subscriber callback failed")
	}
}
