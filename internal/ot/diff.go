package ot

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff returns the operations that turn before into after. Each operation
// applies to the content produced by the ones preceding it, and all carry
// the given author and version.
func Diff(before, after, authorID string, version int) []Operation {
	if before == after {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var ops []Operation
	push := func(op Operation) {
		if n := len(ops); n > 0 {
			if merged, ok := Compose(ops[n-1], op); ok {
				ops[n-1] = merged
				return
			}
		}
		ops = append(ops, op)
	}

	pos := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			push(Operation{Type: KindDelete, Position: pos, Length: n, AuthorID: authorID, Version: version})
		case diffmatchpatch.DiffInsert:
			push(Operation{Type: KindInsert, Position: pos, Text: d.Text, AuthorID: authorID, Version: version})
			pos += n
		}
	}
	return ops
}
