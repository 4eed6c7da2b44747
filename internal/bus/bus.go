// Package bus is the process-wide broadcast bus that links server
// instances: named channels with publish/subscribe semantics and
// at-most-once delivery.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus closed")
	// ErrAlreadySubscribed is returned when subscribing twice to a channel.
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// Handler receives the payload of each message published on a subscribed
// channel. Handlers for one channel are called sequentially, in publish
// order.
type Handler func(payload []byte)

// Bus is a named-channel publish/subscribe primitive.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}
