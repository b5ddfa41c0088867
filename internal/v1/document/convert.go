package document

import (
	"github.com/coedit-live/coedit/backend/go/internal/v1/ot"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// operationChange rebuilds the standalone change a persisted op represents,
// relative to the document state just before it was applied. Retain rows
// are noops and come back as an empty change.
func operationChange(op types.Operation) ot.Change {
	switch ot.OpType(op.Type) {
	case ot.OpInsert:
		if op.Position == 0 {
			return ot.Change{ot.Insert(op.Content)}
		}
		return ot.Change{ot.Retain(op.Position), ot.Insert(op.Content)}
	case ot.OpDelete:
		if op.Length == 0 {
			return ot.Change{}
		}
		if op.Position == 0 {
			return ot.Change{ot.Delete(op.Length)}
		}
		return ot.Change{ot.Retain(op.Position), ot.Delete(op.Length)}
	default:
		return ot.Change{}
	}
}

// decompose splits a change into positioned atomic ops that apply one after
// another. The position counter tracks the partially-built result, so each
// row stands alone against the document state left by the previous row.
// Retain segments produce no rows; they only advance the position.
func decompose(c ot.Change) []types.Operation {
	var rows []types.Operation
	pos := 0
	for _, op := range c {
		switch op.Type {
		case ot.OpRetain:
			pos += op.Count
		case ot.OpInsert:
			rows = append(rows, types.Operation{
				Type:     string(ot.OpInsert),
				Position: pos,
				Content:  op.Text,
			})
			pos += len([]rune(op.Text))
		case ot.OpDelete:
			rows = append(rows, types.Operation{
				Type:     string(ot.OpDelete),
				Position: pos,
				Length:   op.Count,
			})
		}
	}
	return rows
}

// changeOf converts stored rows back into one composite change against the
// version before the first row. Used when replaying history to clients.
func changeOf(rows []types.Operation) (ot.Change, error) {
	composite := ot.Change{}
	for _, row := range rows {
		next := operationChange(row)
		if next.IsNoop() {
			continue
		}
		var err error
		composite, err = ot.Compose(composite, next)
		if err != nil {
			return nil, err
		}
	}
	return composite, nil
}
