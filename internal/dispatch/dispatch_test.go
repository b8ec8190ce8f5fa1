package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/hub/internal/registry"
	"github.com/haasonsaas/hub/internal/spoke"
	"github.com/haasonsaas/hub/internal/storage"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", ":memory:", storage.DefaultConfig())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	spokes := spoke.NewManager(nil, time.Minute, 16, nil, nil)
	reg := registry.New(store, spokes, time.Minute, nil, nil)
	spokes.SetRegistry(reg)

	return New(reg, spokes, DefaultConfig(), nil, nil), store
}

func TestDispatchUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t)
	cache := NewTurnCache()
	result := d.Dispatch(context.Background(), cache, "not_a_real_tool", json.RawMessage(`{}`), "user-1", "device-1")
	if result.Success {
		t.Fatal("expected failure for an unknown tool name")
	}
}

func TestDispatchSearchSkillsInvalidArgs(t *testing.T) {
	d, _ := newTestDispatcher(t)
	cache := NewTurnCache()
	result := d.Dispatch(context.Background(), cache, ToolSearchSkills, json.RawMessage(`not json`), "user-1", "device-1")
	if result.Success {
		t.Fatal("expected failure for invalid JSON arguments")
	}
}

func TestDispatchPythonExecDeviceOffline(t *testing.T) {
	d, _ := newTestDispatcher(t)
	cache := NewTurnCache()
	args, _ := json.Marshal(pythonExecArgs{Code: "print(1)"})
	result := d.Dispatch(context.Background(), cache, ToolPythonExec, args, "user-1", "device-that-is-not-connected")
	if result.Success {
		t.Fatal("expected failure when the target device has no open channel")
	}
	if result.Error != "device_offline" {
		t.Fatalf("expected device_offline, got %q", result.Error)
	}
}

func TestDispatchPythonExecRejectsEmptyCode(t *testing.T) {
	d, _ := newTestDispatcher(t)
	cache := NewTurnCache()
	args, _ := json.Marshal(pythonExecArgs{Code: "   "})
	result := d.Dispatch(context.Background(), cache, ToolPythonExec, args, "user-1", "device-1")
	if result.Success {
		t.Fatal("expected failure for empty code")
	}
}

func TestTurnCacheReturnsCachedResultOnRepeat(t *testing.T) {
	d, _ := newTestDispatcher(t)
	cache := NewTurnCache()
	args := json.RawMessage(`{"query":"lights"}`)

	first := d.Dispatch(context.Background(), cache, ToolSearchSkills, args, "user-1", "device-1")
	if first.Cached {
		t.Fatal("first call should not be marked cached")
	}

	second := d.Dispatch(context.Background(), cache, ToolSearchSkills, args, "user-1", "device-1")
	if !second.Cached {
		t.Fatal("identical (tool, args) within the same turn should return a cached result")
	}
}

func TestTurnCacheKeyIgnoresArgumentFormatting(t *testing.T) {
	a := cacheKey("search_skills", json.RawMessage(`{"query": "lights", "limit":5}`))
	b := cacheKey("search_skills", json.RawMessage(`{"limit":5,"query":"lights"}`))
	if a != b {
		t.Fatalf("expected canonical cache keys to match regardless of field order, got %q vs %q", a, b)
	}
}

func TestResolveTargetPrefersExplicitDeviceOverParsedCode(t *testing.T) {
	d, store := newTestDispatcher(t)
	ctx := context.Background()
	user, _ := store.Users.Create(ctx, "alice", "hash", "", false)
	a, _ := store.Devices.Create(ctx, user.ID, "devicea", "token-a", "linux", nil)
	b, _ := store.Devices.Create(ctx, user.ID, "deviceb", "token-b", "linux", nil)

	target, err := d.resolveTarget(ctx, user.ID, a.ID, "devices.deviceb.Lights.on()", "")
	if err != nil {
		t.Fatalf("resolveTarget() error = %v", err)
	}
	if target != b.ID {
		t.Fatalf("expected parsed device reference to resolve to deviceb, got %q", target)
	}

	target, err = d.resolveTarget(ctx, user.ID, a.ID, "devices.deviceb.Lights.on()", "devicea")
	if err != nil {
		t.Fatalf("resolveTarget() error = %v", err)
	}
	if target != a.ID {
		t.Fatalf("expected explicit device argument to win over parsed code, got %q", target)
	}

	target, err = d.resolveTarget(ctx, user.ID, a.ID, "no device reference here", "")
	if err != nil {
		t.Fatalf("resolveTarget() error = %v", err)
	}
	if target != a.ID {
		t.Fatalf("expected fallback to caller's own device, got %q", target)
	}
}
