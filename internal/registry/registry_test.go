package registry

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

func newTestRegistry(t *testing.T, presence Presence) (*Registry, *storage.Store, *hub.User, *hub.Device) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", ":memory:", storage.DefaultConfig())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	user, err := store.Users.Create(context.Background(), "alice", "hash", "", false)
	if err != nil {
		t.Fatalf("Users.Create() error = %v", err)
	}
	device, err := store.Devices.Create(context.Background(), user.ID, "laptop", "token", "linux", nil)
	if err != nil {
		t.Fatalf("Devices.Create() error = %v", err)
	}

	return New(store, presence, time.Minute, nil, nil), store, user, device
}

type alwaysOnline struct{}

func (alwaysOnline) IsOnline(string) bool { return true }

func TestRegisterIsIdempotentReplacement(t *testing.T) {
	ctx := context.Background()
	reg, _, user, device := newTestRegistry(t, alwaysOnline{})

	first, err := reg.Register(ctx, device.ID, []hub.Skill{
		{ClassName: "Lights", MethodName: "on", Signature: "on()"},
		{ClassName: "Lights", MethodName: "off", Signature: "off()"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if first.Count != 2 {
		t.Fatalf("expected 2 skills registered, got %d", first.Count)
	}

	second, err := reg.Register(ctx, device.ID, []hub.Skill{
		{ClassName: "Lights", MethodName: "dim", Signature: "dim(level)"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if second.Count != 1 {
		t.Fatalf("expected the second Register to fully replace the first, got count %d", second.Count)
	}

	hits, err := reg.Search(ctx, user.ID, "on", device.ID)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, h := range hits {
		if h.Path == "Lights.on" {
			t.Fatal("stale skill from the first Register call should no longer be live")
		}
	}
}

func TestSearchRanking(t *testing.T) {
	ctx := context.Background()
	reg, _, user, device := newTestRegistry(t, alwaysOnline{})

	if _, err := reg.Register(ctx, device.ID, []hub.Skill{
		{ClassName: "Lights", MethodName: "on", Signature: "on()", Docstring: "turn lights on"},
		{ClassName: "Thermostat", MethodName: "set", Signature: "set(temp)", Docstring: "adjust the thermostat"},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	hits, err := reg.Search(ctx, user.ID, "on", device.ID)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) == 0 || hits[0].Path != "Lights.on" {
		t.Fatalf("expected exact method match ranked first, got %+v", hits)
	}
}

func TestSearchFiltersOfflineDevices(t *testing.T) {
	ctx := context.Background()
	reg, _, user, device := newTestRegistry(t, presenceFunc(func(string) bool { return false }))

	if _, err := reg.Register(ctx, device.ID, []hub.Skill{
		{ClassName: "Lights", MethodName: "on", Signature: "on()"},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	hits, err := reg.Search(ctx, user.ID, "", device.ID)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits for an offline device, got %+v", hits)
	}
}

type presenceFunc func(string) bool

func (f presenceFunc) IsOnline(id string) bool { return f(id) }

func TestDescribeRequiresClassDotMethod(t *testing.T) {
	ctx := context.Background()
	reg, _, user, device := newTestRegistry(t, alwaysOnline{})
	if _, err := reg.Register(ctx, device.ID, []hub.Skill{
		{ClassName: "Lights", MethodName: "on", Signature: "on()", Docstring: "turns lights on"},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	skill, err := reg.Describe(ctx, user.ID, "Lights.on")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if skill.Docstring != "turns lights on" {
		t.Fatalf("unexpected skill: %+v", skill)
	}

	if _, err := reg.Describe(ctx, user.ID, "not-a-valid-path"); hub.KindOf(err) != hub.KindValidationFailed {
		t.Fatalf("expected validation error for malformed path, got %v", err)
	}

	if _, err := reg.Describe(ctx, user.ID, "Missing.method"); err != hub.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepDeletesStaleSkills(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", ":memory:", storage.DefaultConfig())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	user, _ := store.Users.Create(ctx, "alice", "hash", "", false)
	device, _ := store.Devices.Create(ctx, user.ID, "laptop", "token", "linux", nil)

	reg := New(store, alwaysOnline{}, time.Millisecond, nil, nil)
	if _, err := reg.Register(ctx, device.ID, []hub.Skill{
		{ClassName: "Lights", MethodName: "on", Signature: "on()"},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err := reg.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept skill, got %d", n)
	}
}
