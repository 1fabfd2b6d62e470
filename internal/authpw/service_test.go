package authpw

import (
	"context"
	"testing"

	"github.com/tpwrules/labelous/internal/store"
)

type mockUserStore struct {
	users  map[string]store.User
	nextID int64
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]store.User), nextID: 1}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if user, ok := m.users[email]; ok {
		return user, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) (int64, error) {
	user.ID = m.nextID
	m.nextID++
	m.users[user.Email] = user
	return user.ID, nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	id, err := svc.SignUp(ctx, "a@example.com", "hunter22222", "Alice")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if id == 0 {
		t.Fatalf("SignUp returned id 0")
	}

	user, err := svc.SignIn(ctx, "a@example.com", "hunter22222")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if user.ID != id || user.DisplayName != "Alice" {
		t.Fatalf("SignIn returned %+v", user)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, "", "hunter22222", "Alice"); err == nil {
		t.Errorf("empty email accepted")
	}
	if _, err := svc.SignUp(ctx, "a@example.com", "short", "Alice"); err == nil {
		t.Errorf("short password accepted")
	}
	if _, err := svc.SignUp(ctx, "a@example.com", "hunter22222", ""); err == nil {
		t.Errorf("empty display name accepted")
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, "a@example.com", "hunter22222", "Alice"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, "a@example.com", "different11", "Imposter"); err == nil {
		t.Fatalf("duplicate email accepted")
	}
}

func TestSignInFailures(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, "a@example.com", "hunter22222", "Alice"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	if _, err := svc.SignIn(ctx, "a@example.com", "wrongwrong"); err == nil {
		t.Errorf("wrong password accepted")
	}
	unknownErr := func() error {
		_, err := svc.SignIn(ctx, "b@example.com", "hunter22222")
		return err
	}()
	if unknownErr == nil {
		t.Fatalf("unknown email accepted")
	}
	// Wrong password and unknown email answer identically.
	_, wrongErr := svc.SignIn(ctx, "a@example.com", "wrongwrong")
	if wrongErr.Error() != unknownErr.Error() {
		t.Errorf("error messages differ: %q vs %q", wrongErr, unknownErr)
	}
}
