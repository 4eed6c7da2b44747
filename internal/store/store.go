// Package store persists documents. It is the conflict-resolution authority
// for every room: the sync server's per-room caches are only mirrors of what
// a Store holds.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no document exists for a room.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned by CreateDocument when the room already has a
	// document.
	ErrExists = errors.New("document already exists")
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version is not the expected one.
	ErrVersionConflict = errors.New("document version conflict")
)

// Document is the durable state of one room.
type Document struct {
	RoomID    string    `json:"roomId"`
	Content   string    `json:"content"`
	Version   int       `json:"version"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is a keyed document store.
type Store interface {
	// GetDocument returns the room's document or ErrNotFound.
	GetDocument(ctx context.Context, roomID string) (*Document, error)

	// CreateDocument creates a version 0 document. It returns ErrExists if
	// another writer created the room first.
	CreateDocument(ctx context.Context, roomID, content, authorID string) (*Document, error)

	// UpdateDocument overwrites content and version unconditionally.
	UpdateDocument(ctx context.Context, roomID, content string, version int) error

	// CompareAndSwap stores content as version expectedVersion+1, but only
	// if the stored version is still expectedVersion. Otherwise it returns
	// ErrVersionConflict.
	CompareAndSwap(ctx context.Context, roomID, content string, expectedVersion int) (*Document, error)

	Close() error
}

// LoadOrCreate returns the room's document, creating an empty one owned by
// authorID if none exists. A concurrent creator winning the race is not an
// error.
func LoadOrCreate(ctx context.Context, s Store, roomID, authorID string) (*Document, error) {
	doc, err := s.GetDocument(ctx, roomID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	doc, err = s.CreateDocument(ctx, roomID, "", authorID)
	if errors.Is(err, ErrExists) {
		return s.GetDocument(ctx, roomID)
	}
	return doc, err
}
