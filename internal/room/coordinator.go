// Package room coordinates editing sessions. A Coordinator owns the
// registry of active rooms on one server instance, serializes the edits
// submitted to each room into a single version sequence, persists every
// commit and fans it out to local clients and to other instances.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabtext/internal/bus"
	"collabtext/internal/fanout"
	"collabtext/internal/ot"
	"collabtext/internal/store"
)

var (
	// ErrValidation is returned for operations that are rejected before
	// being applied.
	ErrValidation = errors.New("validation error")
	// ErrPersistence is reported when a commit could not be stored. The
	// operation is dropped and the client must resubmit.
	ErrPersistence = errors.New("persistence failure")
	// ErrNoSession is returned for a connection that has not joined a room.
	ErrNoSession = errors.New("no active session")
)

// Transport delivers events to connected clients.
type Transport interface {
	Join(connID, roomID string)
	Leave(connID string)
	Multicast(roomID, event string, payload any, exclude string) error
	SendTo(connID, event string, payload any) error
}

// Fanout exchanges committed operations with other instances. It is
// implemented by *fanout.Bridge.
type Fanout interface {
	Publish(ctx context.Context, msg fanout.Message) error
	Subscribe(ctx context.Context, roomID string, handle func(fanout.Message)) error
	Unsubscribe(ctx context.Context, roomID string) error
}

// Options tune the edit pipeline.
type Options struct {
	// PersistAttempts bounds how many times a commit is written before
	// giving up.
	PersistAttempts int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	// HistoryLimit is how many committed operations each room keeps for
	// transforming late submissions.
	HistoryLimit int
	// StrictVersions makes every commit a compare-and-set on the previous
	// version. Only disable it when a single instance serves every room.
	StrictVersions bool
	// ResubscribeInterval is how often rooms whose bus subscription failed
	// try again. Zero disables retrying.
	ResubscribeInterval time.Duration
}

// DefaultOptions returns the production pipeline settings.
func DefaultOptions() Options {
	return Options{
		PersistAttempts:     3,
		InitialBackoff:      50 * time.Millisecond,
		MaxBackoff:          2 * time.Second,
		HistoryLimit:        1000,
		StrictVersions:      true,
		ResubscribeInterval: time.Second,
	}
}

// Coordinator is the per-instance room registry and edit pipeline.
type Coordinator struct {
	// ctx outlives any single connection: commits run on it so that a
	// client disconnecting mid-edit does not abort the commit.
	ctx       context.Context
	store     store.Store
	transport Transport
	fanout    Fanout
	logger    *slog.Logger
	opts      Options

	// mu may be taken while holding a Session's mu, never the reverse.
	mu       sync.Mutex
	sessions map[string]*Session
	members  map[string]*Member
}

// NewCoordinator returns a Coordinator. fo may be nil for a standalone
// instance. Background work stops when ctx is done.
func NewCoordinator(ctx context.Context, st store.Store, tr Transport, fo Fanout, logger *slog.Logger, opts Options) *Coordinator {
	if opts.PersistAttempts < 1 {
		opts.PersistAttempts = 1
	}
	c := &Coordinator{
		ctx:       ctx,
		store:     st,
		transport: tr,
		fanout:    fo,
		logger:    logger,
		opts:      opts,
		sessions:  make(map[string]*Session),
		members:   make(map[string]*Member),
	}
	if fo != nil && opts.ResubscribeInterval > 0 {
		go c.resubscribeLoop(opts.ResubscribeInterval)
	}
	return c
}

// Join adds connID to roomID, activating the room on this instance if it is
// the first local connection. The joiner receives the current document and
// everyone in the room receives the updated member list.
func (c *Coordinator) Join(ctx context.Context, connID, roomID, userID, username string) error {
	if roomID == "" || userID == "" {
		return fmt.Errorf("%w: roomId and userId are required", ErrValidation)
	}
	if username == "" {
		username = userID
	}

	c.mu.Lock()
	_, joined := c.members[connID]
	c.mu.Unlock()
	if joined {
		c.Leave(ctx, connID)
	}

	c.mu.Lock()
	s, ok := c.sessions[roomID]
	if !ok {
		s = newSession(roomID)
		c.sessions[roomID] = s
	}
	s.refs++
	c.mu.Unlock()

	m := &Member{
		ConnectionID: connID,
		UserID:       userID,
		Username:     username,
		Color:        UserColor(userID),
		roomID:       roomID,
	}

	s.mu.Lock()
	if !s.loaded {
		if err := c.activate(ctx, s, userID); err != nil {
			s.mu.Unlock()
			c.release(s)
			return err
		}
	}
	s.addMember(m)
	c.transport.Join(connID, roomID)
	c.send(connID, EventDocumentLoaded, DocumentLoaded{Content: s.doc.Content, Version: s.doc.Version})
	c.multicast(roomID, EventUserJoined, UserJoined{Users: s.memberList()}, "")
	s.mu.Unlock()

	c.mu.Lock()
	c.members[connID] = m
	c.mu.Unlock()

	c.logger.Info("user joined room", "room", roomID, "conn", connID, "user", userID)
	return nil
}

// activate moves s from Empty to Active. Called with s.mu held.
func (c *Coordinator) activate(ctx context.Context, s *Session, userID string) error {
	// Subscribe before loading so that no commit from another instance can
	// fall between the snapshot and the subscription.
	if c.fanout != nil {
		if err := c.subscribe(ctx, s); err != nil {
			c.logger.Warn("bus subscribe failed, room limited to this instance until it recovers", "room", s.roomID, "error", err)
		}
	}
	// On failure release drops the subscription with the last reference.
	doc, err := store.LoadOrCreate(ctx, c.store, s.roomID, userID)
	if err != nil {
		return fmt.Errorf("%w: loading room %s: %v", ErrPersistence, s.roomID, err)
	}
	s.reset(*doc)
	s.loaded = true
	c.logger.Debug("room activated", "room", s.roomID, "version", doc.Version)
	return nil
}

// release drops a reference to s and deactivates the room when it was the
// last one.
func (c *Coordinator) release(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return
	}
	if c.sessions[s.roomID] == s {
		delete(c.sessions, s.roomID)
	}
	// Unsubscribing under c.mu keeps a new session for the same room from
	// subscribing before this one has let go of the channel.
	if c.fanout != nil && s.subscribed {
		s.subscribed = false
		if err := c.fanout.Unsubscribe(c.ctx, s.roomID); err != nil {
			c.logger.Warn("bus unsubscribe failed", "room", s.roomID, "error", err)
		}
	}
	c.logger.Debug("room deactivated", "room", s.roomID)
}

// subscribe attaches s to its room's bus channel. A channel this instance
// already holds counts as success: the handler is the same.
func (c *Coordinator) subscribe(ctx context.Context, s *Session) error {
	err := c.fanout.Subscribe(ctx, s.roomID, c.applyRemote)
	if errors.Is(err, bus.ErrAlreadySubscribed) {
		err = nil
	}
	if err == nil {
		c.mu.Lock()
		s.subscribed = true
		c.mu.Unlock()
	}
	return err
}

func (c *Coordinator) resubscribeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.resubscribe()
		}
	}
}

// resubscribe retries the subscription of every room without one. A room
// that gets its subscription back is reloaded, since commits from other
// instances may have been missed in the meantime.
func (c *Coordinator) resubscribe() {
	c.mu.Lock()
	var detached []*Session
	for _, s := range c.sessions {
		if !s.subscribed {
			// Pin the session so that it cannot be released mid-attempt.
			s.refs++
			detached = append(detached, s)
		}
	}
	c.mu.Unlock()

	for _, s := range detached {
		if err := c.subscribe(c.ctx, s); err != nil {
			c.logger.Debug("bus resubscribe failed", "room", s.roomID, "error", err)
		} else {
			c.logger.Info("bus subscription restored", "room", s.roomID)
			c.enqueue(s, submission{resync: true})
		}
		c.release(s)
	}
}

// Leave removes connID from its room. It is a no-op for unknown
// connections.
func (c *Coordinator) Leave(_ context.Context, connID string) {
	c.mu.Lock()
	m, ok := c.members[connID]
	var s *Session
	if ok {
		delete(c.members, connID)
		s = c.sessions[m.roomID]
	}
	c.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	s.removeMember(connID)
	delete(s.cursors, connID)
	c.transport.Leave(connID)
	c.multicast(s.roomID, EventUserLeft, UserLeft{UserID: m.UserID, Username: m.Username, Users: s.memberList()}, "")
	c.multicast(s.roomID, EventCursorRemoved, CursorRemoved{ConnectionID: connID}, "")
	s.mu.Unlock()

	c.release(s)
	c.logger.Info("user left room", "room", m.roomID, "conn", connID, "user", m.UserID)
}

// MoveCursor records connID's caret and shows it to the other local
// connections in the room.
func (c *Coordinator) MoveCursor(_ context.Context, connID string, line, column int) error {
	if line < 0 || column < 0 {
		return fmt.Errorf("%w: negative cursor position", ErrValidation)
	}
	m, s := c.lookup(connID)
	if s == nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrNoSession)
	}
	cursor := Cursor{
		ConnectionID: connID,
		UserID:       m.UserID,
		Username:     m.Username,
		Color:        m.Color,
		Line:         line,
		Column:       column,
	}
	s.mu.Lock()
	s.cursors[connID] = cursor
	c.multicast(s.roomID, EventRemoteCursor, cursor, connID)
	s.mu.Unlock()
	return nil
}

// applyRemote handles an operation committed by another instance.
func (c *Coordinator) applyRemote(msg fanout.Message) {
	c.mu.Lock()
	s := c.sessions[msg.RoomID]
	c.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return
	}
	if msg.Version > s.seen {
		s.seen = msg.Version
	}
	switch {
	case msg.Version == s.doc.Version+1 && !s.stale:
		content, err := ot.Apply(s.doc.Content, msg.Operation)
		if err != nil {
			c.logger.Warn("remote operation does not apply to cache", "room", s.roomID, "version", msg.Version, "error", err)
			s.stale = true
			break
		}
		inverse, _ := ot.Invert(msg.Operation, s.doc.Content)
		s.doc.Content = content
		s.doc.Version = msg.Version
		s.doc.UpdatedAt = time.Now()
		s.record(entry{op: msg.Operation, version: msg.Version, inverse: inverse}, c.opts.HistoryLimit)
	case msg.Version > s.doc.Version:
		// A message was missed; re-read before the next local commit.
		s.stale = true
	}
	c.multicast(s.roomID, EventContentChanged, ContentChanged{
		Operation: msg.Operation,
		AuthorID:  msg.AuthorID,
		Username:  msg.Username,
		Color:     msg.Color,
		Version:   msg.Version,
	}, "")
}

// Snapshot returns the cached content and version of an active room.
func (c *Coordinator) Snapshot(roomID string) (content string, version int, ok bool) {
	c.mu.Lock()
	s := c.sessions[roomID]
	c.mu.Unlock()
	if s == nil {
		return "", 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return "", 0, false
	}
	return s.doc.Content, s.doc.Version, true
}

// Rooms returns the number of active rooms.
func (c *Coordinator) Rooms() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) lookup(connID string) (*Member, *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[connID]
	if !ok {
		return nil, nil
	}
	return m, c.sessions[m.roomID]
}

func (c *Coordinator) send(connID, event string, payload any) {
	if err := c.transport.SendTo(connID, event, payload); err != nil {
		c.logger.Debug("send failed", "conn", connID, "event", event, "error", err)
	}
}

func (c *Coordinator) multicast(roomID, event string, payload any, exclude string) {
	if err := c.transport.Multicast(roomID, event, payload, exclude); err != nil {
		c.logger.Warn("multicast failed", "room", roomID, "event", event, "error", err)
	}
}
