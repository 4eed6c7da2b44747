package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnavailable is returned by a Memory endpoint that has been taken down
// with SetAvailable(false).
var ErrUnavailable = errors.New("bus unavailable")

// Network is an in-process broadcast medium. Every endpoint returned by
// Connect sees messages published by any endpoint, including itself, just
// like clients of one Redis server.
type Network struct {
	mu   sync.RWMutex
	subs map[string]map[*Memory]Handler
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{subs: make(map[string]map[*Memory]Handler)}
}

// Connect returns a new endpoint on the network.
func (n *Network) Connect() *Memory {
	return &Memory{network: n, available: true}
}

// Memory is one endpoint on a Network. Publish delivers synchronously, in
// the publisher's goroutine.
type Memory struct {
	network *Network

	mu        sync.Mutex
	available bool
	closed    bool
}

// SetAvailable simulates the bus becoming unreachable (false) or coming
// back (true) for this endpoint.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

func (m *Memory) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.available {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	if err := m.check(); err != nil {
		return err
	}
	m.network.mu.RLock()
	handlers := make([]Handler, 0, len(m.network.subs[channel]))
	for _, h := range m.network.subs[channel] {
		handlers = append(handlers, h)
	}
	m.network.mu.RUnlock()

	for _, h := range handlers {
		h(append([]byte(nil), payload...))
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler Handler) error {
	if err := m.check(); err != nil {
		return err
	}
	m.network.mu.Lock()
	defer m.network.mu.Unlock()
	subs := m.network.subs[channel]
	if subs == nil {
		subs = make(map[*Memory]Handler)
		m.network.subs[channel] = subs
	}
	if _, ok := subs[m]; ok {
		return fmt.Errorf("%s: %w", channel, ErrAlreadySubscribed)
	}
	subs[m] = handler
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, channel string) error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()
	delete(m.network.subs[channel], m)
	if len(m.network.subs[channel]) == 0 {
		delete(m.network.subs, channel)
	}
	return nil
}

// Subscribed reports whether this endpoint holds a subscription to channel.
func (m *Memory) Subscribed(channel string) bool {
	m.network.mu.RLock()
	defer m.network.mu.RUnlock()
	_, ok := m.network.subs[channel][m]
	return ok
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.network.mu.Lock()
	defer m.network.mu.Unlock()
	for channel, subs := range m.network.subs {
		delete(subs, m)
		if len(subs) == 0 {
			delete(m.network.subs, channel)
		}
	}
	return nil
}
