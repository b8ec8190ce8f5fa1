package sessionsvc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

func newTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", ":memory:", storage.DefaultConfig())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store.Sessions, store.Messages), store
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"turn on the lights", "turn on the lights"},
		{strings.Repeat("a", 60), strings.Repeat("a", 60)},
	}
	for _, c := range cases {
		if got := deriveTitle(c.in); got != c.want {
			t.Errorf("deriveTitle(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := strings.Repeat("word ", 30)
	got := deriveTitle(long)
	if len(got) == 0 || !strings.HasSuffix(got, "…") {
		t.Fatalf("expected a truncated, ellipsis-terminated title for long input, got %q", got)
	}
	if strings.Count(got, "…") != 1 {
		t.Fatalf("expected exactly one ellipsis, got %q", got)
	}
}

func TestLockReturnsSameMutexPerSession(t *testing.T) {
	svc, _ := newTestService(t)
	a1 := svc.Lock("session-a")
	a2 := svc.Lock("session-a")
	b := svc.Lock("session-b")
	if a1 != a2 {
		t.Fatal("expected the same mutex for repeated calls with the same session id")
	}
	if a1 == b {
		t.Fatal("expected distinct mutexes for distinct session ids")
	}
}

func TestTouchAndMaybeTitleSetsTitleOnFirstMessage(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	user, _ := store.Users.Create(ctx, "alice", "hash", "", false)
	device, _ := store.Devices.Create(ctx, user.ID, "laptop", "token", "linux", nil)
	session, err := svc.Create(ctx, device.ID, user.ID, "", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := store.Messages.Append(ctx, &hub.Message{SessionID: session.ID, Role: hub.RoleUser, Content: "turn on the kitchen lights"}); err != nil {
		t.Fatalf("Messages.Append() error = %v", err)
	}

	now := time.Now().UTC()
	if err := svc.TouchAndMaybeTitle(ctx, session, "turn on the kitchen lights", now); err != nil {
		t.Fatalf("TouchAndMaybeTitle() error = %v", err)
	}
	if session.Title != "turn on the kitchen lights" {
		t.Fatalf("expected derived title, got %q", session.Title)
	}

	reloaded, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if reloaded.Title != "turn on the kitchen lights" {
		t.Fatalf("expected persisted title, got %q", reloaded.Title)
	}

	// A second message must not retitle the session.
	if _, err := store.Messages.Append(ctx, &hub.Message{SessionID: session.ID, Role: hub.RoleUser, Content: "what's the weather"}); err != nil {
		t.Fatalf("Messages.Append() error = %v", err)
	}
	if err := svc.TouchAndMaybeTitle(ctx, reloaded, "what's the weather", now); err != nil {
		t.Fatalf("TouchAndMaybeTitle() error = %v", err)
	}
	if reloaded.Title != "turn on the kitchen lights" {
		t.Fatalf("expected title to stay stable after the first message, got %q", reloaded.Title)
	}
}
