// Package ot implements operational transformation over plain text.
//
// A Change is an ordered list of atomic ops (retain, insert, delete) that
// rewrites a base string into a new string. All functions in this package are
// pure: they never mutate their inputs and always return fresh slices. This
// is what makes the convergence property (TP1) testable by fuzzing.
//
// Positions and counts are expressed in runes, not bytes, so multi-byte
// characters transform correctly.
package ot

import (
	"errors"
	"fmt"
)

// OpType discriminates the three atomic edit ops.
type OpType string

const (
	OpRetain OpType = "retain"
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Op is a single atomic edit. Exactly one shape per type:
// retain/delete carry Count, insert carries Text.
type Op struct {
	Type  OpType `json:"type"`
	Count int    `json:"count,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Change is an edit script applied left-to-right against a base string.
type Change []Op

// Side selects the tie-break winner for concurrent inserts at the same
// position. The server always treats its already-applied change as left.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// ErrInvalidOperation marks a structurally invalid change: negative or zero
// counts, malformed op shapes, or ops that run past the end of the base text.
var ErrInvalidOperation = errors.New("invalid operation")

// Retain returns a retain op.
func Retain(n int) Op { return Op{Type: OpRetain, Count: n} }

// Insert returns an insert op.
func Insert(s string) Op { return Op{Type: OpInsert, Text: s} }

// Delete returns a delete op.
func Delete(n int) Op { return Op{Type: OpDelete, Count: n} }

// BaseLen is the number of runes of base text the change consumes.
func (c Change) BaseLen() int {
	n := 0
	for _, op := range c {
		switch op.Type {
		case OpRetain, OpDelete:
			n += op.Count
		}
	}
	return n
}

// TargetLen is the number of runes the change produces from a base of
// exactly BaseLen runes.
func (c Change) TargetLen() int {
	n := 0
	for _, op := range c {
		switch op.Type {
		case OpRetain:
			n += op.Count
		case OpInsert:
			n += len([]rune(op.Text))
		}
	}
	return n
}

// IsNoop reports whether the change only retains.
func (c Change) IsNoop() bool {
	for _, op := range c {
		if op.Type != OpRetain {
			return false
		}
	}
	return true
}

// Validate checks the change for structural soundness against a base of
// baseLen runes. The total retained+deleted length may be shorter than the
// base (the suffix is implicitly retained) but never longer.
func Validate(c Change, baseLen int) error {
	for i, op := range c {
		switch op.Type {
		case OpRetain, OpDelete:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d: %s count must be positive, got %d", ErrInvalidOperation, i, op.Type, op.Count)
			}
			if op.Text != "" {
				return fmt.Errorf("%w: op %d: %s must not carry text", ErrInvalidOperation, i, op.Type)
			}
		case OpInsert:
			if op.Text == "" {
				return fmt.Errorf("%w: op %d: insert must carry text", ErrInvalidOperation, i)
			}
			if op.Count != 0 {
				return fmt.Errorf("%w: op %d: insert must not carry a count", ErrInvalidOperation, i)
			}
		default:
			return fmt.Errorf("%w: op %d: unknown op type %q", ErrInvalidOperation, i, op.Type)
		}
	}
	if got := c.BaseLen(); got > baseLen {
		return fmt.Errorf("%w: change consumes %d runes but base has %d", ErrInvalidOperation, got, baseLen)
	}
	return nil
}

// Normalize merges adjacent ops of the same type and drops empty ops.
func Normalize(c Change) Change {
	out := make(Change, 0, len(c))
	for _, op := range c {
		switch op.Type {
		case OpRetain, OpDelete:
			if op.Count == 0 {
				continue
			}
		case OpInsert:
			if op.Text == "" {
				continue
			}
		}
		if n := len(out); n > 0 && out[n-1].Type == op.Type {
			switch op.Type {
			case OpRetain, OpDelete:
				out[n-1].Count += op.Count
			case OpInsert:
				out[n-1].Text += op.Text
			}
			continue
		}
		out = append(out, op)
	}
	return out
}

// Apply rewrites text with the change. A change that does not consume the
// whole text implicitly retains the remaining suffix. Retaining or deleting
// past the end of the text is an error.
func Apply(text string, c Change) (string, error) {
	src := []rune(text)
	pos := 0
	out := make([]rune, 0, len(src))

	for i, op := range c {
		switch op.Type {
		case OpRetain:
			if op.Count < 0 || pos+op.Count > len(src) {
				return "", fmt.Errorf("%w: op %d retains past end of text", ErrInvalidOperation, i)
			}
			out = append(out, src[pos:pos+op.Count]...)
			pos += op.Count
		case OpInsert:
			out = append(out, []rune(op.Text)...)
		case OpDelete:
			if op.Count < 0 || pos+op.Count > len(src) {
				return "", fmt.Errorf("%w: op %d deletes past end of text", ErrInvalidOperation, i)
			}
			pos += op.Count
		default:
			return "", fmt.Errorf("%w: op %d: unknown op type %q", ErrInvalidOperation, i, op.Type)
		}
	}

	// Implicit retain of the untouched suffix.
	out = append(out, src[pos:]...)
	return string(out), nil
}

// pad extends a change with a trailing retain so it consumes exactly
// baseLen runes. Changes already covering the base are returned as-is.
func pad(c Change, baseLen int) Change {
	if rest := baseLen - c.BaseLen(); rest > 0 {
		out := make(Change, len(c), len(c)+1)
		copy(out, c)
		return append(out, Retain(rest))
	}
	return c
}

// Transform rewrites two changes a and b, both authored against the same
// base, into a' and b' such that
//
//	Apply(Apply(base, a), b') == Apply(Apply(base, b), a')
//
// When both changes insert at the same position, priority decides which
// insert lands first: SideLeft means a wins, SideRight means b wins.
func Transform(a, b Change, priority Side) (Change, Change, error) {
	baseLen := a.BaseLen()
	if l := b.BaseLen(); l > baseLen {
		baseLen = l
	}
	aOps := pad(Normalize(a), baseLen)
	bOps := pad(Normalize(b), baseLen)

	var aPrime, bPrime Change
	ia, ib := 0, 0
	var cur1, cur2 *Op
	next := func(ops Change, i *int) *Op {
		if *i >= len(ops) {
			return nil
		}
		op := ops[*i]
		*i++
		return &op
	}
	cur1 = next(aOps, &ia)
	cur2 = next(bOps, &ib)

	for {
		// Inserts produce new text that the other side must retain.
		if cur1 != nil && cur1.Type == OpInsert && (priority == SideLeft || cur2 == nil || cur2.Type != OpInsert) {
			n := len([]rune(cur1.Text))
			aPrime = append(aPrime, Insert(cur1.Text))
			bPrime = append(bPrime, Retain(n))
			cur1 = next(aOps, &ia)
			continue
		}
		if cur2 != nil && cur2.Type == OpInsert {
			n := len([]rune(cur2.Text))
			aPrime = append(aPrime, Retain(n))
			bPrime = append(bPrime, Insert(cur2.Text))
			cur2 = next(bOps, &ib)
			continue
		}

		if cur1 == nil && cur2 == nil {
			break
		}
		if cur1 == nil || cur2 == nil {
			return nil, nil, fmt.Errorf("%w: transform: changes consume different base lengths", ErrInvalidOperation)
		}

		n := cur1.Count
		if cur2.Count < n {
			n = cur2.Count
		}

		switch {
		case cur1.Type == OpRetain && cur2.Type == OpRetain:
			aPrime = append(aPrime, Retain(n))
			bPrime = append(bPrime, Retain(n))
		case cur1.Type == OpDelete && cur2.Type == OpDelete:
			// Both deleted the same span: nothing left to transform.
		case cur1.Type == OpDelete && cur2.Type == OpRetain:
			aPrime = append(aPrime, Delete(n))
		case cur1.Type == OpRetain && cur2.Type == OpDelete:
			bPrime = append(bPrime, Delete(n))
		default:
			return nil, nil, fmt.Errorf("%w: transform: unexpected op pair %s/%s", ErrInvalidOperation, cur1.Type, cur2.Type)
		}

		cur1.Count -= n
		if cur1.Count == 0 {
			cur1 = next(aOps, &ia)
		}
		cur2.Count -= n
		if cur2.Count == 0 {
			cur2 = next(bOps, &ib)
		}
	}

	return Normalize(aPrime), Normalize(bPrime), nil
}

// Compose merges two consecutive changes into one: b must be valid against
// the output of a, and Apply(base, Compose(a, b)) == Apply(Apply(base, a), b).
func Compose(a, b Change) (Change, error) {
	aOps := Normalize(a)
	bOps := Normalize(b)

	// Align the seam: b may be short-form against a's output, or a may be
	// short-form against b's base.
	if at, bb := aOps.TargetLen(), bOps.BaseLen(); at < bb {
		aOps = append(aOps, Retain(bb-at))
	} else if bb < at {
		bOps = append(bOps, Retain(at-bb))
	}

	var out Change
	ia, ib := 0, 0
	var cur1, cur2 *Op
	next := func(ops Change, i *int) *Op {
		if *i >= len(ops) {
			return nil
		}
		op := ops[*i]
		*i++
		return &op
	}
	cur1 = next(aOps, &ia)
	cur2 = next(bOps, &ib)

	for {
		if cur1 != nil && cur1.Type == OpDelete {
			out = append(out, Delete(cur1.Count))
			cur1 = next(aOps, &ia)
			continue
		}
		if cur2 != nil && cur2.Type == OpInsert {
			out = append(out, Insert(cur2.Text))
			cur2 = next(bOps, &ib)
			continue
		}

		if cur1 == nil && cur2 == nil {
			break
		}
		if cur1 == nil || cur2 == nil {
			return nil, fmt.Errorf("%w: compose: changes do not line up", ErrInvalidOperation)
		}

		switch {
		case cur1.Type == OpRetain && cur2.Type == OpRetain:
			n := minCount(cur1.Count, cur2.Count)
			out = append(out, Retain(n))
			cur1.Count -= n
			cur2.Count -= n
		case cur1.Type == OpRetain && cur2.Type == OpDelete:
			n := minCount(cur1.Count, cur2.Count)
			out = append(out, Delete(n))
			cur1.Count -= n
			cur2.Count -= n
		case cur1.Type == OpInsert && cur2.Type == OpDelete:
			// b deletes text a inserted: the two cancel out.
			text := []rune(cur1.Text)
			n := minCount(len(text), cur2.Count)
			cur1.Text = string(text[n:])
			cur2.Count -= n
		case cur1.Type == OpInsert && cur2.Type == OpRetain:
			text := []rune(cur1.Text)
			n := minCount(len(text), cur2.Count)
			out = append(out, Insert(string(text[:n])))
			cur1.Text = string(text[n:])
			cur2.Count -= n
		default:
			return nil, fmt.Errorf("%w: compose: unexpected op pair %s/%s", ErrInvalidOperation, cur1.Type, cur2.Type)
		}

		if (cur1.Type == OpInsert && cur1.Text == "") || (cur1.Type != OpInsert && cur1.Count == 0) {
			cur1 = next(aOps, &ia)
		}
		if cur2.Count == 0 && cur2.Type != OpInsert {
			cur2 = next(bOps, &ib)
		}
	}

	return Normalize(out), nil
}

// TransformCursor maps a cursor position through a change so it keeps
// pointing at the same logical character. Inserts at or before the cursor
// shift it right; deletes entirely before it shift it left; a delete
// spanning the cursor clamps it to the start of the deleted span.
func TransformCursor(pos int, c Change) int {
	index := pos
	newPos := pos

	for _, op := range c {
		switch op.Type {
		case OpRetain:
			index -= op.Count
		case OpInsert:
			newPos += len([]rune(op.Text))
		case OpDelete:
			if index >= op.Count {
				newPos -= op.Count
			} else if index > 0 {
				newPos -= index
			}
			index -= op.Count
		}
		if index < 0 {
			break
		}
	}

	if newPos < 0 {
		return 0
	}
	return newPos
}

// Diff derives a change that rewrites old into new. It anchors on the
// longest common prefix and suffix, which is deterministic and cheap; the
// middle is modelled as one delete plus one insert.
func Diff(oldText, newText string) Change {
	if oldText == newText {
		return Change{}
	}

	o := []rune(oldText)
	n := []rune(newText)

	prefix := 0
	for prefix < len(o) && prefix < len(n) && o[prefix] == n[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(o)-prefix && suffix < len(n)-prefix && o[len(o)-1-suffix] == n[len(n)-1-suffix] {
		suffix++
	}

	var c Change
	if prefix > 0 {
		c = append(c, Retain(prefix))
	}
	if del := len(o) - prefix - suffix; del > 0 {
		c = append(c, Delete(del))
	}
	if ins := n[prefix : len(n)-suffix]; len(ins) > 0 {
		c = append(c, Insert(string(ins)))
	}
	if suffix > 0 {
		c = append(c, Retain(suffix))
	}
	return Normalize(c)
}

func minCount(a, b int) int {
	if a < b {
		return a
	}
	return b
}
