package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"collabtext/internal/fanout"
	"collabtext/internal/ot"
	"collabtext/internal/store"
)

// Submit queues an operation from connID for its room. Validation failures
// are returned; failures while committing are reported to the connection as
// error events. Submit returns once the room's queue is drained or another
// goroutine has taken over draining it.
func (c *Coordinator) Submit(_ context.Context, connID string, op ot.Operation) error {
	if err := ot.Validate(op); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	m, s := c.lookup(connID)
	if s == nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrNoSession)
	}
	if op.AuthorID != m.UserID {
		return fmt.Errorf("%w: authorId %q does not match joined user %q", ErrValidation, op.AuthorID, m.UserID)
	}
	c.enqueue(s, submission{op: op, connID: connID, member: *m})
	return nil
}

// SubmitContent accepts a whole-document edit: content is what the client
// holds after editing version. The change is diffed into operations against
// the cached content, so version must be current.
func (c *Coordinator) SubmitContent(_ context.Context, connID, content string, version int) error {
	m, s := c.lookup(connID)
	if s == nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrNoSession)
	}
	s.mu.Lock()
	if s.stale || version != s.doc.Version {
		current := s.doc.Version
		s.mu.Unlock()
		return fmt.Errorf("%w: content edit against version %d, room is at %d", ErrValidation, version, current)
	}
	ops := ot.Diff(s.doc.Content, content, m.UserID, version)
	got, err := ot.ApplyAll(s.doc.Content, ops)
	s.mu.Unlock()
	if err != nil || got != content {
		return fmt.Errorf("%w: content edit could not be expressed as operations", ErrValidation)
	}

	subs := make([]submission, len(ops))
	for i, op := range ops {
		subs[i] = submission{op: op, connID: connID, member: *m}
	}
	c.enqueue(s, subs...)
	return nil
}

// Undo reverts connID's most recent edit that is still in the room's
// history.
func (c *Coordinator) Undo(_ context.Context, connID string) error {
	m, s := c.lookup(connID)
	if s == nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrNoSession)
	}
	s.mu.Lock()
	i := s.lastUndoable(connID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: nothing to undo", ErrValidation)
	}
	s.history[i].undone = true
	op := s.history[i].inverse
	op.Version = s.history[i].version
	s.mu.Unlock()

	c.enqueue(s, submission{op: op, connID: connID, member: *m, undo: true})
	return nil
}

// enqueue appends to the room's queue and drains it unless another
// goroutine already is. At most one goroutine processes a room at a time.
func (c *Coordinator) enqueue(s *Session, subs ...submission) {
	if len(subs) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, subs...)
	if s.processing {
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.processing = false
			s.pending = nil
			s.mu.Unlock()
			return
		}
		sub := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		c.commit(s, sub)
	}
}

// commit transforms, applies, persists and broadcasts one submission.
func (c *Coordinator) commit(s *Session, sub submission) {
	logger := c.logger.With("room", s.roomID, "conn", sub.connID)

	s.mu.Lock()
	loaded, stale := s.loaded, s.stale
	s.mu.Unlock()
	if !loaded {
		return
	}
	if stale || sub.resync {
		if err := c.reload(s, logger); err != nil {
			logger.Error("reloading room failed", "error", err)
			if !sub.resync {
				c.reject(sub, fmt.Errorf("%w: %v", ErrPersistence, err))
			}
			return
		}
		if sub.resync {
			return
		}
	}

	s.mu.Lock()
	op, err := s.rebase(sub)
	if err != nil {
		s.mu.Unlock()
		c.reject(sub, err)
		return
	}
	before := s.doc
	content, err := ot.Apply(before.Content, op)
	if err != nil {
		s.mu.Unlock()
		c.reject(sub, fmt.Errorf("%w: %w", ErrValidation, err))
		return
	}
	inverse, _ := ot.Invert(op, before.Content)
	s.mu.Unlock()

	op.Version = before.Version
	version := before.Version + 1

	saved, err := c.persist(s.roomID, content, before.Version)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			s.mu.Lock()
			s.stale = true
			s.mu.Unlock()
		}
		logger.Error("commit failed", "version", version, "error", err)
		c.reject(sub, fmt.Errorf("%w: %v", ErrPersistence, err))
		return
	}

	s.mu.Lock()
	s.doc.Content = content
	s.doc.Version = version
	s.doc.UpdatedAt = saved
	s.record(entry{op: op, version: version, inverse: inverse, connID: sub.connID, undo: sub.undo}, c.opts.HistoryLimit)
	c.multicast(s.roomID, EventContentChanged, ContentChanged{
		Operation: op,
		AuthorID:  op.AuthorID,
		Username:  sub.member.Username,
		Color:     sub.member.Color,
		Version:   version,
	}, sub.connID)
	c.send(sub.connID, EventEditAck, EditAck{Operation: op, Version: version})
	s.mu.Unlock()

	logger.Debug("committed operation", "version", version, "op", op.String(), "delta", ot.LengthDelta(op))

	if c.fanout == nil {
		return
	}
	err = c.fanout.Publish(c.ctx, fanout.Message{
		RoomID:    s.roomID,
		Operation: op,
		AuthorID:  op.AuthorID,
		Username:  sub.member.Username,
		Color:     sub.member.Color,
		Version:   version,
	})
	if err != nil {
		// Other instances miss this commit until they reload; persistence
		// still has it.
		logger.Warn("publishing commit failed", "version", version, "error", err)
	}
}

// reload re-reads the room's document and installs it as the cache. The
// read happens outside the session lock; the room's queue keeps commits out
// meanwhile. Local connections are sent the document again when it differs
// from the cache, since their view has drifted the same way.
func (c *Coordinator) reload(s *Session, logger *slog.Logger) error {
	doc, err := c.store.GetDocument(c.ctx, s.roomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.doc
	changed := doc.Version != prev.Version || doc.Content != prev.Content
	switch {
	case doc.Version < prev.Version:
		// A remote commit advanced the cache during the read.
		return nil
	case !changed && !s.stale:
		return nil
	}
	s.reset(*doc)
	// The bus already announced a commit the read did not see.
	s.stale = s.seen > doc.Version
	if changed {
		logger.Debug("reloaded room", "from", prev.Version, "to", doc.Version)
		c.multicast(s.roomID, EventDocumentLoaded, DocumentLoaded{Content: doc.Content, Version: doc.Version}, "")
	}
	return nil
}

// persist writes content as version expected+1, retrying transient failures
// with exponential backoff. It returns the commit time.
func (c *Coordinator) persist(roomID, content string, expected int) (time.Time, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var saved time.Time
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := c.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		if c.opts.StrictVersions {
			var doc *store.Document
			if doc, err = c.store.CompareAndSwap(c.ctx, roomID, content, expected); err == nil {
				saved = doc.UpdatedAt
			}
		} else if err = c.store.UpdateDocument(c.ctx, roomID, content, expected+1); err == nil {
			saved = time.Now()
		}
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.logger.Warn("persist attempt failed", "room", roomID, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithMaxRetries(b, uint64(c.opts.PersistAttempts-1)))
	return saved, err
}

func (c *Coordinator) reject(sub submission, err error) {
	c.send(sub.connID, EventError, ErrorEvent{Message: err.Error()})
}
