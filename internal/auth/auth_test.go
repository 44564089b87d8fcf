package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("HELPMESH_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndParseToken(t *testing.T) {
	setSecret(t, "test-secret")

	token, err := GenerateToken("user-1", []string{"Admin", "admin", " "}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("roles = %v, want [admin]", claims.Roles)
	}
	if claims.Issuer != "helpmesh" {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	setSecret(t, "test-secret")

	token, err := GenerateToken("user-1", nil, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	setSecret(t, "first-secret")
	token, err := GenerateToken("user-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	setSecret(t, "second-secret")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	setSecret(t, "")
	if _, err := GenerateToken("user-1", nil, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
	if Enabled() {
		t.Fatal("Enabled should be false without a secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "user-7", []string{"Admin"})

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("UserIDFromContext = %q, %v", id, ok)
	}
	if !HasRole(ctx, "admin") {
		t.Fatal("expected admin role")
	}
	if !IsAdmin(ctx) {
		t.Fatal("IsAdmin should be true")
	}
	if HasRole(ctx, "operator") {
		t.Fatal("unexpected operator role")
	}

	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no user")
	}
	if IsAdmin(context.Background()) {
		t.Fatal("empty context should not be admin")
	}
}
