package room_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabtext/internal/bus"
	"collabtext/internal/fanout"
	"collabtext/internal/room"
	"collabtext/internal/store"
)

type sent struct {
	event   string
	payload any
}

// recorder is a Transport that keeps every event per connection.
type recorder struct {
	mu     sync.Mutex
	rooms  map[string]map[string]bool
	events map[string][]sent
}

func newRecorder() *recorder {
	return &recorder{rooms: map[string]map[string]bool{}, events: map[string][]sent{}}
}

func (r *recorder) Join(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = map[string]bool{}
	}
	r.rooms[roomID][connID] = true
}

func (r *recorder) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conns := range r.rooms {
		delete(conns, connID)
	}
}

func (r *recorder) Multicast(roomID, event string, payload any, exclude string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.rooms[roomID] {
		if connID != exclude {
			r.events[connID] = append(r.events[connID], sent{event, payload})
		}
	}
	return nil
}

func (r *recorder) SendTo(connID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[connID] = append(r.events[connID], sent{event, payload})
	return nil
}

// of returns the payloads of event received by connID.
func of[T any](r *recorder, connID, event string) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, e := range r.events[connID] {
		if e.event == event {
			out = append(out, e.payload.(T))
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = map[string][]sent{}
}

// flakyStore fails the next n writes with a transient error, and can block
// writes to expose overlapping commits.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	writes   atomic.Int32
	inflight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

var errUnavailable = errors.New("database unavailable")

func (f *flakyStore) CompareAndSwap(ctx context.Context, roomID, content string, expected int) (*store.Document, error) {
	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inflight.Add(-1)
	f.writes.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failures.Add(-1) >= 0 {
		return nil, errUnavailable
	}
	return f.Store.CompareAndSwap(ctx, roomID, content, expected)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() room.Options {
	opts := room.DefaultOptions()
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.ResubscribeInterval = 0
	return opts
}

type instance struct {
	coord     *room.Coordinator
	transport *recorder
	bus       *bus.Memory
}

func newInstance(t *testing.T, id string, st store.Store, network *bus.Network) *instance {
	tr := newRecorder()
	inst := &instance{transport: tr}
	var fo room.Fanout
	if network != nil {
		inst.bus = network.Connect()
		fo = fanout.New(inst.bus, id, fanout.JSON, discard())
	}
	inst.coord = room.NewCoordinator(context.Background(), st, tr, fo, discard(), testOptions())
	return inst
}

func join(t *testing.T, inst *instance, connID, roomID, userID string) {
	t.Helper()
	require.NoError(t, inst.coord.Join(context.Background(), connID, roomID, userID, userID))
}
