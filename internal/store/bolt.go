package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// Bolt is a Store backed by a single bbolt file. It suits a single-box
// deployment where every instance runs in one process; bbolt holds an
// exclusive file lock, so it cannot be shared between processes.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (creating if needed) the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating documents bucket: %w", err)
	}
	return &Bolt{db: db, now: time.Now}, nil
}

func getBolt(tx *bolt.Tx, roomID string) (*Document, error) {
	raw := tx.Bucket(documentsBucket).Get([]byte(roomID))
	if raw == nil {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding room %q: %w", roomID, err)
	}
	return &doc, nil
}

func putBolt(tx *bolt.Tx, doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return tx.Bucket(documentsBucket).Put([]byte(doc.RoomID), raw)
}

func (b *Bolt) GetDocument(_ context.Context, roomID string) (*Document, error) {
	var doc *Document
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		doc, err = getBolt(tx, roomID)
		return err
	})
	return doc, err
}

func (b *Bolt) CreateDocument(_ context.Context, roomID, content, authorID string) (*Document, error) {
	now := b.now()
	doc := &Document{
		RoomID:    roomID,
		Content:   content,
		CreatedBy: authorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(documentsBucket).Get([]byte(roomID)) != nil {
			return fmt.Errorf("room %q: %w", roomID, ErrExists)
		}
		return putBolt(tx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *Bolt) UpdateDocument(_ context.Context, roomID, content string, version int) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		doc, err := getBolt(tx, roomID)
		if err != nil {
			return err
		}
		doc.Content = content
		doc.Version = version
		doc.UpdatedAt = b.now()
		return putBolt(tx, doc)
	})
}

func (b *Bolt) CompareAndSwap(_ context.Context, roomID, content string, expectedVersion int) (*Document, error) {
	var doc *Document
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		doc, err = getBolt(tx, roomID)
		if err != nil {
			return err
		}
		if doc.Version != expectedVersion {
			return fmt.Errorf("room %q at version %d, expected %d: %w", roomID, doc.Version, expectedVersion, ErrVersionConflict)
		}
		doc.Content = content
		doc.Version = expectedVersion + 1
		doc.UpdatedAt = b.now()
		return putBolt(tx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
