package ot

import "fmt"

// Compose merges b into a when both come from the same author and b directly
// continues a: an insert typed right after a's text, or a delete at the same
// position (forward delete). The merged operation carries b's version.
func Compose(a, b Operation) (Operation, bool) {
	if a.AuthorID != b.AuthorID || a.Type != b.Type {
		return Operation{}, false
	}
	switch a.Type {
	case KindInsert:
		if a.Position+a.TextLen() != b.Position {
			return Operation{}, false
		}
		a.Text += b.Text
	case KindDelete:
		if a.Position != b.Position {
			return Operation{}, false
		}
		a.Length += b.Length
	default:
		return Operation{}, false
	}
	a.Version = b.Version
	return a, true
}

// Invert returns the operation that undoes op. contentBefore is the content
// op was applied to; it supplies the text removed by a delete.
func Invert(op Operation, contentBefore string) (Operation, error) {
	switch op.Type {
	case KindInsert:
		return Operation{
			Type:     KindDelete,
			Position: op.Position,
			Length:   op.TextLen(),
			AuthorID: op.AuthorID,
			Version:  op.Version,
		}, nil
	case KindDelete:
		runes := []rune(contentBefore)
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > len(runes) {
			return Operation{}, fmt.Errorf("%w: delete %d+%d, length %d", ErrOutOfRange, op.Position, op.Length, len(runes))
		}
		return Operation{
			Type:     KindInsert,
			Position: op.Position,
			Text:     string(runes[op.Position : op.Position+op.Length]),
			AuthorID: op.AuthorID,
			Version:  op.Version,
		}, nil
	}
	return Operation{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Type)
}
