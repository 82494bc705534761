package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustPrepare(t *testing.T, name, email string) NewUser {
	t.Helper()
	t.Setenv("PAIRCHAT_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("PAIRCHAT_ARGON2_ITERATIONS", "1")

	nu, err := CreateUserInput{Name: name, Email: email, Password: "kettle-blue-42"}.Prepare()
	if err != nil {
		t.Fatalf("prepare %s: %v", email, err)
	}
	return nu
}

func TestCreateUserInput_Prepare(t *testing.T) {
	t.Setenv("PAIRCHAT_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("PAIRCHAT_ARGON2_ITERATIONS", "1")

	nu, err := CreateUserInput{Name: "  Ada   Lovelace ", Email: " Ada@Example.COM ", Password: "kettle-blue-42"}.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if nu.Name != "Ada Lovelace" || nu.Email != "ada@example.com" || nu.Role != RoleUser {
		t.Fatalf("unexpected prepared user: %+v", nu)
	}
	if !VerifyPassword(User{PasswordHash: nu.PasswordHash}, "kettle-blue-42") {
		t.Fatalf("hash does not verify")
	}

	bad := []CreateUserInput{
		{Name: "", Email: "a@example.com", Password: "kettle-blue-42"},
		{Name: "A", Email: "not-an-email", Password: "kettle-blue-42"},
		{Name: "A", Email: "a@example.com", Password: "short"},
		{Name: "A", Email: "a@example.com", Password: "kettle-blue-42", Role: "root"},
	}
	for _, in := range bad {
		if _, err := in.Prepare(); !IsInvalidInput(err) {
			t.Fatalf("Prepare(%+v) err = %v, want invalid input", in, err)
		}
	}
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	alice, err := s.CreateUser(ctx, mustPrepare(t, "Alice", "alice@example.com"))
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := s.CreateUser(ctx, mustPrepare(t, "Bob", "bob@example.com"))
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	if alice.ID == bob.ID || alice.ID <= 0 {
		t.Fatalf("ids not unique/positive: %d %d", alice.ID, bob.ID)
	}

	if _, err := s.CreateUser(ctx, mustPrepare(t, "Alice 2", "ALICE@example.com")); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := s.GetUserByEmail(ctx, "Bob@Example.com")
	if err != nil || got.ID != bob.ID {
		t.Fatalf("GetUserByEmail = %+v, %v", got, err)
	}

	others, err := s.ListUsers(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(others) != 1 || others[0].ID != bob.ID {
		t.Fatalf("ListUsers = %+v", others)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	touched, err := s.TouchLastSeen(ctx, alice.ID, at)
	if err != nil {
		t.Fatalf("TouchLastSeen: %v", err)
	}
	if touched.LastSeenAt == nil || !touched.LastSeenAt.Equal(at) {
		t.Fatalf("LastSeenAt = %v", touched.LastSeenAt)
	}

	if err := s.DeleteUser(ctx, alice.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := s.GetUser(ctx, alice.ID); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var nf NotFoundError
	if err := s.DeleteUser(ctx, alice.ID); !errors.As(err, &nf) || nf.ID != alice.ID {
		t.Fatalf("second delete: %v", err)
	}
}
