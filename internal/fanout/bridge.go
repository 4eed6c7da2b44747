// Package fanout propagates committed operations between server instances
// over the broadcast bus. Every message carries the id of the instance that
// committed it, and an instance ignores its own messages: its local clients
// already received the operation directly.
package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"collabtext/internal/bus"
)

// Channel is the bus channel carrying a room's committed operations.
func Channel(roomID string) string {
	return "room:" + roomID + ":operations"
}

// Bridge connects one server instance to the bus.
type Bridge struct {
	instanceID string
	bus        bus.Bus
	codec      Codec
	logger     *slog.Logger
}

// New returns a Bridge publishing as instanceID.
func New(b bus.Bus, instanceID string, codec Codec, logger *slog.Logger) *Bridge {
	return &Bridge{
		instanceID: instanceID,
		bus:        b,
		codec:      codec,
		logger:     logger.With("instance", instanceID),
	}
}

// InstanceID returns the origin tag this bridge stamps on messages.
func (b *Bridge) InstanceID() string { return b.instanceID }

// Publish stamps msg with this instance's id and publishes it on the
// room's channel.
func (b *Bridge) Publish(ctx context.Context, msg Message) error {
	msg.OriginInstanceID = b.instanceID
	payload, err := b.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message for room %s: %w", msg.RoomID, err)
	}
	return b.bus.Publish(ctx, Channel(msg.RoomID), payload)
}

// Subscribe delivers operations committed by other instances for roomID to
// handle. Messages from this instance and undecodable messages are dropped.
func (b *Bridge) Subscribe(ctx context.Context, roomID string, handle func(Message)) error {
	return b.bus.Subscribe(ctx, Channel(roomID), func(payload []byte) {
		var msg Message
		if err := b.codec.Unmarshal(payload, &msg); err != nil {
			b.logger.Warn("dropping undecodable bus message", "room", roomID, "error", err)
			return
		}
		if msg.OriginInstanceID == b.instanceID {
			return
		}
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		handle(msg)
	})
}

// Unsubscribe stops delivery for roomID.
func (b *Bridge) Unsubscribe(ctx context.Context, roomID string) error {
	return b.bus.Unsubscribe(ctx, Channel(roomID))
}
