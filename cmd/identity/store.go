package identity

import (
	"context"
	"strings"
	"time"
)

// Role is a coarse authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAdmin }

// User is a pairchat account. The online flag is never stored; LastSeenAt
// is the durable half of presence.
type User struct {
	ID           int64
	Name         string
	Email        string
	Role         Role
	PasswordHash string
	LastSeenAt   *time.Time
	CreatedAt    time.Time
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// NewUser is a validated, hashed registration ready for a Store.
type NewUser struct {
	Name         string
	Email        string
	Role         Role
	PasswordHash string
	Now          time.Time
}

// CreateUserInput is the raw registration request.
type CreateUserInput struct {
	Name     string
	Email    string
	Role     Role
	Password string
	Now      time.Time
}

// Prepare validates in, normalizes email and name, and hashes the password.
func (in CreateUserInput) Prepare() (NewUser, error) {
	const op = "identity.CreateUser"

	name := NormalizeName(in.Name)
	if name == "" {
		return NewUser{}, invalid(op, "name is required")
	}
	if len(name) > 255 {
		return NewUser{}, invalid(op, "name too long")
	}

	email := NormalizeEmail(in.Email)
	if !validEmail(email) {
		return NewUser{}, invalid(op, "email is invalid")
	}

	role := in.Role
	if role == "" {
		role = RoleUser
	}
	if !role.Valid() {
		return NewUser{}, invalid(op, "unknown role "+strings.TrimSpace(string(role)))
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return NewUser{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return NewUser{Name: name, Email: email, Role: role, PasswordHash: hash, Now: now}, nil
}

// Store is the user persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in NewUser) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	// ListUsers returns every user except exclude, ordered by name then id.
	ListUsers(ctx context.Context, exclude int64) ([]User, error)

	// TouchLastSeen sets last_seen_at = at and returns the updated row.
	TouchLastSeen(ctx context.Context, id int64, at time.Time) (User, error)

	DeleteUser(ctx context.Context, id int64) error
}
