package room

import (
	"fmt"
	"sync"

	"collabtext/internal/ot"
	"collabtext/internal/store"
)

// entry is one committed operation in a session's history. op is expressed
// against version-1.
type entry struct {
	op      ot.Operation
	version int
	inverse ot.Operation
	connID  string
	undo    bool
	undone  bool
}

type submission struct {
	op     ot.Operation
	connID string
	member Member
	// undo submissions are transformed against every later commit,
	// including the submitting connection's own.
	undo bool
	// resync submissions carry no operation: they re-read the document
	// and push it to the room's local connections.
	resync bool
}

// Session is the process-local state of a room with at least one local
// connection.
type Session struct {
	roomID string
	// refs counts joined and joining connections, plus in-flight
	// resubscribe attempts. refs and subscribed are guarded by the
	// Coordinator's mutex, not mu.
	refs       int
	subscribed bool

	mu     sync.Mutex
	loaded bool
	stale  bool
	// seen is the highest version announced by another instance.
	seen       int
	doc        store.Document
	history    []entry
	pending    []submission
	processing bool
	members    []*Member
	cursors    map[string]Cursor
}

func newSession(roomID string) *Session {
	return &Session{
		roomID:  roomID,
		cursors: make(map[string]Cursor),
	}
}

func (s *Session) addMember(m *Member) {
	s.members = append(s.members, m)
}

func (s *Session) removeMember(connID string) {
	for i, m := range s.members {
		if m.ConnectionID == connID {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return
		}
	}
}

func (s *Session) memberList() []Member {
	users := make([]Member, len(s.members))
	for i, m := range s.members {
		users[i] = *m
	}
	return users
}

// reset replaces the cached document and forgets the history, which no
// longer connects to it.
func (s *Session) reset(doc store.Document) {
	s.doc = doc
	s.history = nil
	s.stale = false
}

// historyBase is the version the oldest retained history entry applies to.
func (s *Session) historyBase() int {
	return s.doc.Version - len(s.history)
}

// rebase transforms sub's operation, generated against sub.op.Version, so
// that it applies to the cached document.
func (s *Session) rebase(sub submission) (ot.Operation, error) {
	op := sub.op
	base := op.Version
	if base > s.doc.Version {
		return op, fmt.Errorf("%w: base version %d is ahead of %d", ErrValidation, base, s.doc.Version)
	}
	if base < s.historyBase() {
		return op, fmt.Errorf("%w: base version %d is too old, resync at %d", ErrValidation, base, s.doc.Version)
	}
	var against []ot.Operation
	for _, e := range s.history[base-s.historyBase():] {
		// A connection's own earlier operations are already part of its
		// base. Commits from other instances carry no connection.
		if !sub.undo && e.connID != "" && e.connID == sub.connID {
			continue
		}
		against = append(against, e.op)
	}
	return ot.TransformAll(op, against), nil
}

func (s *Session) record(e entry, limit int) {
	s.history = append(s.history, e)
	if limit > 0 && len(s.history) > limit {
		n := copy(s.history, s.history[len(s.history)-limit:])
		clear(s.history[n:])
		s.history = s.history[:n]
	}
}

// lastUndoable returns the index of connID's most recent committed edit that
// has not been undone.
func (s *Session) lastUndoable(connID string) int {
	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		if e.connID == connID && !e.undo && !e.undone {
			return i
		}
	}
	return -1
}
