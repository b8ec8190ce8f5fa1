package storage

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/hub/pkg/hub"
)

// openTestStore opens a fresh in-memory sqlite database for this package's tests.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), "sqlite", ":memory:", DefaultConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", DefaultConfig())
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := EnsureSchema(ctx, store.DB(), "sqlite"); err != nil {
		t.Fatalf("second EnsureSchema() error = %v", err)
	}
}

func TestUserDeviceSessionMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	user, err := store.Users.Create(ctx, "alice", "hash", "", true)
	if err != nil {
		t.Fatalf("Users.Create() error = %v", err)
	}

	device, err := store.Devices.Create(ctx, user.ID, "laptop", "hashed-token", "linux", map[string]string{"build": "1.2.3"})
	if err != nil {
		t.Fatalf("Devices.Create() error = %v", err)
	}
	if device.Metadata["build"] != "1.2.3" {
		t.Fatalf("Metadata[build] = %q, want 1.2.3", device.Metadata["build"])
	}

	session, err := store.Sessions.Create(ctx, device.ID, user.ID, "", "")
	if err != nil {
		t.Fatalf("Sessions.Create() error = %v", err)
	}
	if session.Channel != "api" || session.ChannelID != device.ID {
		t.Fatalf("expected defaulted channel=api/channel_id=%s, got channel=%q channel_id=%q", device.ID, session.Channel, session.ChannelID)
	}

	msg, err := store.Messages.Append(ctx, &hub.Message{
		SessionID: session.ID,
		Role:      hub.RoleUser,
		Content:   "hello",
	})
	if err != nil {
		t.Fatalf("Messages.Append() error = %v", err)
	}
	if msg.ID == "" {
		t.Fatal("expected generated message id")
	}

	got, err := store.Messages.ListBySession(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("expected one message %q, got %+v", "hello", got)
	}

	if err := store.Sessions.TouchActivity(ctx, session.ID, time.Now().UTC()); err != nil {
		t.Fatalf("TouchActivity() error = %v", err)
	}

	if err := store.Sessions.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Sessions.Delete(ctx, session.ID); err == nil {
		t.Fatal("expected not-found deleting an already-deleted session")
	}
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	got := rebind("postgres", "SELECT * FROM t WHERE a = ? AND b = ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2"
	if got != want {
		t.Fatalf("rebind() = %q, want %q", got, want)
	}
	if got := rebind("sqlite", "a = ?"); got != "a = ?" {
		t.Fatalf("rebind(sqlite) should pass through unchanged, got %q", got)
	}
}
