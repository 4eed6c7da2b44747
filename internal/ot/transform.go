package ot

// Transform returns b rewritten so that it keeps its intent when applied
// after a, where a and b were both generated against the same content.
//
// Inserts at the same position are ordered by author id: the insert of the
// lexicographically smaller author lands first. The rule is applied the same
// way in both directions, so Transform(a, b) and Transform(b, a) agree on
// which insert comes first.
func Transform(a, b Operation) Operation {
	if a.IsNoop() && a.Type == KindInsert {
		return b
	}
	switch {
	case a.Type == KindInsert && b.Type == KindInsert:
		return transformInsertInsert(a, b)
	case a.Type == KindInsert && b.Type == KindDelete:
		if a.Position <= b.Position {
			b.Position += a.TextLen()
		}
		return b
	case a.Type == KindDelete && b.Type == KindInsert:
		end := a.Position + a.Length
		switch {
		case b.Position >= end:
			b.Position -= a.Length
		case b.Position > a.Position:
			// The insertion point was deleted.
			b.Position = a.Position
		}
		return b
	case a.Type == KindDelete && b.Type == KindDelete:
		return transformDeleteDelete(a, b)
	}
	return b
}

func transformInsertInsert(a, b Operation) Operation {
	switch {
	case a.Position < b.Position:
		b.Position += a.TextLen()
	case a.Position == b.Position && a.AuthorID < b.AuthorID:
		b.Position += a.TextLen()
	}
	return b
}

func transformDeleteDelete(a, b Operation) Operation {
	aEnd, bEnd := a.Position+a.Length, b.Position+b.Length
	switch {
	case b.Position >= aEnd:
		b.Position -= a.Length
	case bEnd <= a.Position:
	default:
		// Overlap: keep only the part of b that a did not already remove.
		pos := min(a.Position, b.Position)
		end := max(aEnd, bEnd)
		b.Position = pos
		b.Length = max(0, end-pos-a.Length)
	}
	return b
}

// TransformAll transforms op against each of against in order. against must
// be a sequence where every element applies to the result of the previous
// ones, starting from op's base content.
func TransformAll(op Operation, against []Operation) Operation {
	for _, a := range against {
		op = Transform(a, op)
	}
	return op
}
