package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// Pair is the canonical form of a conversation: Low < High.
type Pair struct {
	Low, High int64
}

// NewPair canonicalizes a and b, so NewPair(a, b) == NewPair(b, a).
func NewPair(a, b int64) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}
}

// Has reports whether uid is one of the two participants.
func (p Pair) Has(uid int64) bool { return uid == p.Low || uid == p.High }

// Contains reports whether m was exchanged between the two participants.
func (p Pair) Contains(m Message) bool { return NewPair(m.SenderID, m.ReceiverID) == p }

// Key is a stable identifier for locking and logging.
func (p Pair) Key() string { return fmt.Sprintf("pair:%d:%d", p.Low, p.High) }

// Predicate is a message filter with two renderings that must agree: a SQL
// fragment using "?" placeholders and an in-memory matcher.
type Predicate struct {
	sql   string
	args  []any
	match func(Message) bool
}

// PairPredicate selects the messages of one conversation in either direction.
func PairPredicate(a, b int64) Predicate {
	p := NewPair(a, b)
	return Predicate{
		sql:   "((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))",
		args:  []any{p.Low, p.High, p.High, p.Low},
		match: p.Contains,
	}
}

// VisibilityPredicate selects messages the viewer has not hidden.
func VisibilityPredicate(viewer int64) Predicate {
	return Predicate{
		sql:   "NOT (? = ANY(deleted_for))",
		args:  []any{viewer},
		match: func(m Message) bool { return m.VisibleTo(viewer) },
	}
}

// And composes two predicates.
func (p Predicate) And(q Predicate) Predicate {
	args := make([]any, 0, len(p.args)+len(q.args))
	args = append(append(args, p.args...), q.args...)
	return Predicate{
		sql:   "(" + p.sql + " AND " + q.sql + ")",
		args:  args,
		match: func(m Message) bool { return p.match(m) && q.match(m) },
	}
}

// Match evaluates the predicate against an in-memory message.
func (p Predicate) Match(m Message) bool { return p.match != nil && p.match(m) }

// SQL renders the fragment with numbered placeholders starting at $first and
// returns the matching arguments.
func (p Predicate) SQL(first int) (string, []any) {
	var b strings.Builder
	n := first
	for _, r := range p.sql {
		if r == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), append([]any(nil), p.args...)
}
