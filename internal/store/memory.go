package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. Multiple server instances in one process
// can share a Memory to behave like replicas over one database.
type Memory struct {
	mu   sync.Mutex
	docs map[string]Document
	now  func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document), now: time.Now}
}

func (m *Memory) GetDocument(_ context.Context, roomID string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	return &doc, nil
}

func (m *Memory) CreateDocument(_ context.Context, roomID, content, authorID string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[roomID]; ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrExists)
	}
	now := m.now()
	doc := Document{
		RoomID:    roomID,
		Content:   content,
		CreatedBy: authorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.docs[roomID] = doc
	return &doc, nil
}

func (m *Memory) UpdateDocument(_ context.Context, roomID, content string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[roomID]
	if !ok {
		return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	doc.Content = content
	doc.Version = version
	doc.UpdatedAt = m.now()
	m.docs[roomID] = doc
	return nil
}

func (m *Memory) CompareAndSwap(_ context.Context, roomID, content string, expectedVersion int) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	if doc.Version != expectedVersion {
		return nil, fmt.Errorf("room %q at version %d, expected %d: %w", roomID, doc.Version, expectedVersion, ErrVersionConflict)
	}
	doc.Content = content
	doc.Version = expectedVersion + 1
	doc.UpdatedAt = m.now()
	m.docs[roomID] = doc
	return &doc, nil
}

func (m *Memory) Close() error { return nil }
