// Package ot implements the operational transformation engine used by the
// sync server: the Insert/Delete operation model, applying operations to
// document text, and transforming concurrent operations so that every
// replica converges on the same content.
//
// Positions and lengths count Unicode code points, not bytes.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrInvalidOperation is returned when an operation is malformed.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrOutOfRange is returned when an operation does not fit the content
	// it is applied to.
	ErrOutOfRange = errors.New("operation out of range")
	// ErrUnknownOperation is returned for an operation type other than
	// insert or delete.
	ErrUnknownOperation = errors.New("unknown operation type")
)

// Kind is the operation type tag.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Operation is a single Insert or Delete edit. Text is only meaningful for
// inserts and Length only for deletes. Version is the document version the
// operation was generated against.
type Operation struct {
	Type     Kind   `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
	AuthorID string `json:"authorId"`
	Version  int    `json:"version"`
}

// NewInsert returns an insert of text at position.
func NewInsert(position int, text, authorID string, version int) (Operation, error) {
	op := Operation{Type: KindInsert, Position: position, Text: text, AuthorID: authorID, Version: version}
	if err := Validate(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// NewDelete returns a deletion of length code points starting at position.
func NewDelete(position, length int, authorID string, version int) (Operation, error) {
	op := Operation{Type: KindDelete, Position: position, Length: length, AuthorID: authorID, Version: version}
	if err := Validate(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Validate reports whether op is well formed. It does not check op against
// any particular content; Apply does that.
func Validate(op Operation) error {
	switch op.Type {
	case KindInsert, KindDelete:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidOperation, op.Type)
	}
	if op.AuthorID == "" {
		return fmt.Errorf("%w: missing author", ErrInvalidOperation)
	}
	if op.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalidOperation, op.Version)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	if op.Type == KindDelete && op.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
	}
	return nil
}

// IsNoop reports whether applying op never changes content.
func (op Operation) IsNoop() bool {
	switch op.Type {
	case KindInsert:
		return op.Text == ""
	case KindDelete:
		return op.Length == 0
	}
	return false
}

// TextLen is the number of code points an insert adds.
func (op Operation) TextLen() int {
	return utf8.RuneCountInString(op.Text)
}

// LengthDelta is the change in document length caused by op.
func LengthDelta(op Operation) int {
	switch op.Type {
	case KindInsert:
		return op.TextLen()
	case KindDelete:
		return -op.Length
	}
	return 0
}

func (op Operation) String() string {
	if op.Type == KindDelete {
		return fmt.Sprintf("d,%d,%d@%s/v%d", op.Position, op.Length, op.AuthorID, op.Version)
	}
	return fmt.Sprintf("i,%d,%q@%s/v%d", op.Position, op.Text, op.AuthorID, op.Version)
}

// wireOperation mirrors Operation with optional fields so that decoding can
// tell a missing field apart from a zero value.
type wireOperation struct {
	Type     *Kind   `json:"type,omitempty"`
	Position *int    `json:"position,omitempty"`
	Text     *string `json:"text,omitempty"`
	Length   *int    `json:"length,omitempty"`
	AuthorID *string `json:"authorId,omitempty"`
	Version  *int    `json:"version,omitempty"`
}

// MarshalJSON writes text only for inserts and length only for deletes, so
// an empty insert or zero-length delete still round-trips.
func (op Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{Type: &op.Type, Position: &op.Position, AuthorID: &op.AuthorID, Version: &op.Version}
	switch op.Type {
	case KindInsert:
		w.Text = &op.Text
	case KindDelete:
		w.Length = &op.Length
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an operation sent by a client. Every field the
// operation type needs must be present with the right JSON kind.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if w.Type == nil || w.Position == nil || w.AuthorID == nil || w.Version == nil {
		return fmt.Errorf("%w: missing required field", ErrInvalidOperation)
	}
	decoded := Operation{
		Type:     *w.Type,
		Position: *w.Position,
		AuthorID: *w.AuthorID,
		Version:  *w.Version,
	}
	switch decoded.Type {
	case KindInsert:
		if w.Text == nil {
			return fmt.Errorf("%w: insert without text", ErrInvalidOperation)
		}
		decoded.Text = *w.Text
	case KindDelete:
		if w.Length == nil {
			return fmt.Errorf("%w: delete without length", ErrInvalidOperation)
		}
		decoded.Length = *w.Length
	}
	*op = decoded
	return nil
}
