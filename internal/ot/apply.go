package ot

import "fmt"

// Apply returns content with op applied. It never partially applies op: on
// error content is returned unchanged alongside the error.
func Apply(content string, op Operation) (string, error) {
	switch op.Type {
	case KindInsert:
		if op.Text == "" {
			return content, nil
		}
		runes := []rune(content)
		if op.Position < 0 || op.Position > len(runes) {
			return content, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, op.Position, len(runes))
		}
		out := make([]rune, 0, len(runes)+op.TextLen())
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil
	case KindDelete:
		runes := []rune(content)
		if op.Position < 0 || op.Position > len(runes) {
			return content, fmt.Errorf("%w: delete at %d, length %d", ErrOutOfRange, op.Position, len(runes))
		}
		if op.Length < 0 || op.Position+op.Length > len(runes) {
			return content, fmt.Errorf("%w: delete %d+%d, length %d", ErrOutOfRange, op.Position, op.Length, len(runes))
		}
		return string(runes[:op.Position]) + string(runes[op.Position+op.Length:]), nil
	}
	return content, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Type)
}

// ApplyAll applies ops in order. If any op fails the original content is
// returned.
func ApplyAll(content string, ops []Operation) (string, error) {
	out := content
	for _, op := range ops {
		var err error
		if out, err = Apply(out, op); err != nil {
			return content, err
		}
	}
	return out, nil
}
