package auth

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", ":memory:", storage.DefaultConfig())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, "test-secret", time.Hour, "device-salt")
}

func TestSetupOnlySucceedsOnce(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	needsSetup, err := svc.NeedsSetup(ctx)
	if err != nil || !needsSetup {
		t.Fatalf("expected NeedsSetup() = true on an empty DB, got %v, err=%v", needsSetup, err)
	}

	if _, err := svc.Setup(ctx, "admin", "hunter2"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	needsSetup, err = svc.NeedsSetup(ctx)
	if err != nil || needsSetup {
		t.Fatalf("expected NeedsSetup() = false after the first Setup, got %v, err=%v", needsSetup, err)
	}

	if _, err := svc.Setup(ctx, "someone-else", "password"); hub.KindOf(err) != hub.KindPermissionDenied {
		t.Fatalf("expected a second Setup call to be refused, got %v", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if _, err := svc.Setup(ctx, "admin", "correct-password"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	if _, _, err := svc.Login(ctx, "admin", "wrong-password"); hub.KindOf(err) != hub.KindInvalidCredentials {
		t.Fatalf("expected invalid_credentials, got %v", err)
	}

	token, user, err := svc.Login(ctx, "admin", "correct-password")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token == "" || user.Username != "admin" {
		t.Fatalf("expected a token and the admin user, got token=%q user=%+v", token, user)
	}
}

func TestAuthenticateResolvesUserToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if _, err := svc.Setup(ctx, "admin", "secret"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	token, user, err := svc.Login(ctx, "admin", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	principal, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if principal.Kind != PrincipalUser || principal.User.ID != user.ID {
		t.Fatalf("expected to resolve back to the logged-in user, got %+v", principal)
	}
}

func TestAuthenticateResolvesDeviceToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	admin, err := svc.Setup(ctx, "admin", "secret")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	device, plaintext, err := svc.CreateDevice(ctx, admin.ID, "laptop", "linux", nil)
	if err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if plaintext == "" {
		t.Fatal("expected a non-empty plaintext device token")
	}

	principal, err := svc.Authenticate(ctx, plaintext)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if principal.Kind != PrincipalDevice || principal.Device.ID != device.ID {
		t.Fatalf("expected to resolve back to the created device, got %+v", principal)
	}
	if principal.UserID() != admin.ID {
		t.Fatalf("expected Principal.UserID() to resolve through the device, got %q", principal.UserID())
	}
}

func TestAuthenticateRejectsGarbageToken(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Authenticate(context.Background(), "not-a-real-token"); err == nil {
		t.Fatal("expected an error for an unrecognized bearer token")
	}
	if _, err := svc.Authenticate(context.Background(), ""); hub.KindOf(err) != hub.KindInvalidCredentials {
		t.Fatalf("expected invalid_credentials for an empty bearer token, got %v", err)
	}
}

func TestAuthenticateDeviceTokenRejectsUserToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if _, err := svc.Setup(ctx, "admin", "secret"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	token, _, err := svc.Login(ctx, "admin", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := svc.AuthenticateDeviceToken(ctx, token); err == nil {
		t.Fatal("expected AuthenticateDeviceToken to reject a user JWT")
	}
}

func TestCreateDeviceDisambiguatesDisplayName(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	admin, err := svc.Setup(ctx, "admin", "secret")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	first, _, err := svc.CreateDevice(ctx, admin.ID, "laptop", "linux", nil)
	if err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	second, _, err := svc.CreateDevice(ctx, admin.ID, "laptop", "linux", nil)
	if err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if first.DisplayName == second.DisplayName {
		t.Fatalf("expected a disambiguated display name for the second device, got %q twice", first.DisplayName)
	}
}
