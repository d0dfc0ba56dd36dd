package user

import (
	"context"
	"errors"
	"testing"
)

type memoryStore struct {
	users  map[string]*User
	nextID int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{users: make(map[string]*User)}
}

func (m *memoryStore) CreateUser(_ context.Context, u *User) (*User, error) {
	if _, exists := m.users[u.Username]; exists {
		return nil, errors.New("username taken")
	}
	m.nextID++
	u.ID = m.nextID
	m.users[u.Username] = u
	return u, nil
}

func (m *memoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	u, ok := m.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) SearchUsers(_ context.Context, query string, limit int) ([]User, error) {
	return nil, nil
}

func TestLoginIssuesValidatableToken(t *testing.T) {
	svc := NewService(newMemoryStore(), "test-secret")
	ctx := context.Background()

	creds := &Credentials{Username: "alice", Password: "correct-horse"}
	if _, err := svc.Register(ctx, creds); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := svc.Login(ctx, creds)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.AccessToken == "" || res.Username != "alice" {
		t.Fatalf("unexpected login response %+v", res)
	}

	id, username, err := svc.ValidateToken(res.AccessToken)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if id != res.ID || username != "alice" {
		t.Fatalf("token claims mismatch: id=%d username=%q", id, username)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc := NewService(newMemoryStore(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, &Credentials{Username: "bob", Password: "right-password"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := svc.Login(ctx, &Credentials{Username: "bob", Password: "wrong-password"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterValidatesCredentials(t *testing.T) {
	svc := NewService(newMemoryStore(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, &Credentials{Username: "ab", Password: "long-enough"}); err == nil {
		t.Fatal("expected short username rejection")
	}
	if _, err := svc.Register(ctx, &Credentials{Username: "carol", Password: "short"}); err == nil {
		t.Fatal("expected short password rejection")
	}
}

func TestValidateTokenRejectsForgedSignature(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	issuer := NewService(store, "secret-one")
	creds := &Credentials{Username: "dave", Password: "valid-password"}
	if _, err := issuer.Register(ctx, creds); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := issuer.Login(ctx, creds)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	verifier := NewService(store, "secret-two")
	if _, _, err := verifier.ValidateToken(res.AccessToken); err == nil {
		t.Fatal("expected signature verification failure")
	}
}
