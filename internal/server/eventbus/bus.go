package eventbus

import "context"

// Envelope wraps a delivered payload. Missed carries the number of events
// dropped from the oldest end of this subscriber's buffer since the previous
// delivery, so consumers know their feed has gaps.
type Envelope struct {
	Topic   string
	Payload any
	Missed  uint64
}

// Subscription is one listener registration. It is owned by the subscriber,
// revocable at any time, and independent of any VM lifetime.
type Subscription interface {
	ID() string
	Events() <-chan Envelope
	Close()
}

// Bus is a thin abstraction over the internal event distribution mechanism.
// Publish must never block on a slow or absent consumer.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topics []string, buffer int) (Subscription, error)
}
