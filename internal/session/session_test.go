package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("client-does-not-know"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestWaitInitializedBlocksUntilInitialize(t *testing.T) {
	current := New(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := current.WaitInitialized(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wait to time out before initialization, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- current.WaitInitialized(context.Background())
	}()
	if err := current.Initialize(signedToken(t, "user-1")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be released")
	}

	principal, ok := current.Principal()
	if !ok || principal != "user-1" {
		t.Fatalf("unexpected principal %q %v", principal, ok)
	}
}

func TestSignOutKeepsSessionInitialized(t *testing.T) {
	current := New(nil)
	if err := current.Initialize(signedToken(t, "user-1")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	current.SignOut()

	if !current.Initialized() {
		t.Fatal("expected initialized after sign out")
	}
	if _, ok := current.Principal(); ok {
		t.Fatal("expected no principal after sign out")
	}
	if _, err := current.Token(); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestInitializeRejectsMalformedToken(t *testing.T) {
	current := New(nil)
	if err := current.Initialize("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if !current.Initialized() {
		t.Fatal("a rejected token still completes initialization")
	}
	if _, ok := current.Principal(); ok {
		t.Fatal("expected anonymous session")
	}
}

func TestInitializeAnonymous(t *testing.T) {
	current := New(nil)
	if err := current.Initialize(""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := current.WaitInitialized(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, ok := current.Principal(); ok {
		t.Fatal("expected anonymous session")
	}
}
