package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/dockhandvm/dockhand/internal/server/eventbus"
)

const defaultBuffer = 64

// Bus is an in-process fan-out suitable for a single-node daemon. Each
// subscriber owns a bounded buffer; when it fills, the oldest entry is
// evicted and the eviction is reported through Envelope.Missed on the next
// delivery. Producers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]*subscription // topic -> id -> sub
}

var _ eventbus.Bus = (*Bus)(nil)

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[string]*subscription)}
}

// Publish fans payload out to every subscriber of topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[topic] {
		sub.push(topic, payload)
	}
	return nil
}

// Subscribe registers a listener for the given topics. A buffer of zero or
// less selects the default depth.
func (b *Bus) Subscribe(topics []string, buffer int) (eventbus.Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("eventbus: at least one topic required")
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	sub := &subscription{
		id:     uuid.NewString(),
		ch:     make(chan eventbus.Envelope, buffer),
		topics: append([]string(nil), topics...),
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		if b.subs[topic] == nil {
			b.subs[topic] = make(map[string]*subscription)
		}
		b.subs[topic][sub.id] = sub
	}
	return sub, nil
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		delete(b.subs[topic], sub.id)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
}

type subscription struct {
	id     string
	ch     chan eventbus.Envelope
	topics []string
	bus    *Bus

	mu      sync.Mutex
	missed  uint64
	closed  bool
	once    sync.Once
}

func (s *subscription) ID() string                       { return s.id }
func (s *subscription) Events() <-chan eventbus.Envelope { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// push enqueues one envelope, evicting from the oldest end when the buffer
// is full. The subscription mutex makes eviction-then-send atomic with
// respect to other producers.
func (s *subscription) push(topic string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	env := eventbus.Envelope{Topic: topic, Payload: payload}
	for {
		env.Missed = s.missed
		select {
		case s.ch <- env:
			s.missed = 0
			return
		default:
		}
		select {
		case old := <-s.ch:
			s.missed += 1 + old.Missed
		default:
		}
	}
}
