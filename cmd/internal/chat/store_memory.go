package chat

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process MessageStore. One mutex serializes all
// mutations, which gives every multi-row operation all-or-nothing semantics.
//
// Users passed to DeleteForUser are remembered as gone, and later creates
// naming them fail with NotFound, as a foreign key would.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   []Message // ascending id
	gone   map[int64]struct{}
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gone: make(map[int64]struct{}),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (Created, error) {
	if err := ctx.Err(); err != nil {
		return Created{}, err
	}
	if err := in.Validate(); err != nil {
		return Created{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, uid := range []int64{in.SenderID, in.ReceiverID} {
		if _, ok := s.gone[uid]; ok {
			return Created{}, NotFoundError{Resource: "user", ID: uid}
		}
	}
	if in.ReplyTo != nil {
		parent, ok := s.find(*in.ReplyTo)
		if !ok || !NewPair(in.SenderID, in.ReceiverID).Contains(parent) {
			return Created{}, ValidationError{Field: "reply_to", Reason: "must reference a message in this conversation"}
		}
	}

	now := in.Now
	if now.IsZero() {
		now = s.now()
	}
	s.nextID++
	m := in.message(s.nextID, now)
	s.rows = append(s.rows, m)
	return Created{msg: m.clone()}, nil
}

func (s *MemoryStore) ListVisible(ctx context.Context, in ListInput) (ListResult, error) {
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}
	if err := in.validate(); err != nil {
		return ListResult{}, err
	}

	limit := in.limit()
	pred := PairPredicate(in.Viewer, in.Other).And(VisibilityPredicate(in.Viewer))

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0, min(limit+1, len(s.rows)))
	for _, m := range s.rows {
		if in.AfterID != nil && m.ID <= *in.AfterID {
			continue
		}
		if !pred.Match(m) {
			continue
		}
		out = append(out, m.clone())
		if len(out) > limit {
			break
		}
	}

	res := ListResult{Messages: out}
	if len(out) > limit {
		res.Messages = out[:limit]
		res.HasMore = true
	}
	return res, nil
}

func (s *MemoryStore) SoftDeleteForUser(ctx context.Context, viewer, other int64) (Cleared, error) {
	if err := ctx.Err(); err != nil {
		return Cleared{}, err
	}
	if err := validatePair(viewer, other); err != nil {
		return Cleared{}, err
	}

	pred := PairPredicate(viewer, other).And(VisibilityPredicate(viewer))

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i := range s.rows {
		if pred.Match(s.rows[i]) {
			s.rows[i].DeletedFor = append(slices.Clone(s.rows[i].DeletedFor), viewer)
			n++
		}
	}
	return Cleared{viewer: viewer, other: other, count: n}, nil
}

func (s *MemoryStore) HardDeleteAll(ctx context.Context, a, b int64) (PermanentlyDeleted, error) {
	if err := ctx.Err(); err != nil {
		return PermanentlyDeleted{}, err
	}
	if err := validatePair(a, b); err != nil {
		return PermanentlyDeleted{}, err
	}

	pair := NewPair(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.rows)
	s.rows = slices.DeleteFunc(s.rows, pair.Contains)
	s.clearDanglingReplies()
	return PermanentlyDeleted{pair: pair, count: int64(before - len(s.rows))}, nil
}

func (s *MemoryStore) DeleteForUser(ctx context.Context, userID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if userID <= 0 {
		return 0, ValidationError{Field: "user_id", Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.gone[userID] = struct{}{}
	before := len(s.rows)
	s.rows = slices.DeleteFunc(s.rows, func(m Message) bool {
		return m.SenderID == userID || m.ReceiverID == userID
	})
	s.clearDanglingReplies()
	return int64(before - len(s.rows)), nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.find(id)
	if !ok {
		return Message{}, NotFoundError{Resource: "message", ID: id}
	}
	return m.clone(), nil
}

// find requires s.mu held.
func (s *MemoryStore) find(id int64) (Message, bool) {
	i, ok := slices.BinarySearchFunc(s.rows, id, func(m Message, id int64) int {
		switch {
		case m.ID < id:
			return -1
		case m.ID > id:
			return 1
		}
		return 0
	})
	if !ok {
		return Message{}, false
	}
	return s.rows[i], true
}

// clearDanglingReplies mirrors ON DELETE SET NULL. Requires s.mu held.
func (s *MemoryStore) clearDanglingReplies() {
	for i := range s.rows {
		if r := s.rows[i].ReplyTo; r != nil {
			if _, ok := s.find(*r); !ok {
				s.rows[i].ReplyTo = nil
			}
		}
	}
}
