package identity

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for dev runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]User
	byEmail map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[int64]User),
		byEmail: make(map[string]int64),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, in NewUser) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if in.Email == "" || in.PasswordHash == "" {
		return User{}, invalid(op, "unprepared user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[in.Email]; taken {
		return User{}, ConflictError{Op: op, Field: "email"}
	}

	s.nextID++
	u := User{
		ID:           s.nextID,
		Name:         in.Name,
		Email:        in.Email,
		Role:         in.Role,
		PasswordHash: in.PasswordHash,
		CreatedAt:    in.Now.UTC(),
	}
	s.byID[u.ID] = u
	s.byEmail[u.Email] = u.ID
	return cloneUser(u), nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUser", ID: id}
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByEmail"}
	}
	return cloneUser(s.byID[id]), nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, exclude int64) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]User, 0, len(s.byID))
	for id, u := range s.byID {
		if id != exclude {
			out = append(out, cloneUser(u))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b User) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *MemoryStore) TouchLastSeen(ctx context.Context, id int64, at time.Time) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: "identity.TouchLastSeen", ID: id}
	}
	at = at.UTC()
	u.LastSeenAt = &at
	s.byID[id] = u
	return cloneUser(u), nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return NotFoundError{Op: "identity.DeleteUser", ID: id}
	}
	delete(s.byID, id)
	delete(s.byEmail, u.Email)
	return nil
}

func cloneUser(u User) User {
	if u.LastSeenAt != nil {
		t := *u.LastSeenAt
		u.LastSeenAt = &t
	}
	return u
}
