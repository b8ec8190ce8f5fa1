package spoke

import (
	"context"
	"testing"
	"time"
)

func TestIsOnlineForUnknownDevice(t *testing.T) {
	m := NewManager(nil, time.Minute, 16, nil, nil)
	if m.IsOnline("no-such-device") {
		t.Fatal("expected an unregistered device to be offline")
	}
}

func TestForwardToolCallDeviceOffline(t *testing.T) {
	m := NewManager(nil, time.Minute, 16, nil, nil)
	result := m.ForwardToolCall(context.Background(), "never-connected", "python_exec", "print(1)", time.Second)
	if result.Success {
		t.Fatal("expected failure for a device with no open channel")
	}
	if result.Err != "device_offline" {
		t.Fatalf("expected device_offline, got %q", result.Err)
	}
}

func TestPendingCallResolvesExactlyOnce(t *testing.T) {
	p := &PendingCall{result: make(chan Result, 1)}
	p.resolve(Result{Success: true, Output: "first"})
	p.resolve(Result{Success: true, Output: "second"})

	got := <-p.result
	if got.Output != "first" {
		t.Fatalf("expected the first resolution to win, got %q", got.Output)
	}
	select {
	case extra := <-p.result:
		t.Fatalf("expected resolve to be a no-op after the first call, got %+v", extra)
	default:
	}
}

func TestFailAllPendingOnEmptyManager(t *testing.T) {
	m := NewManager(nil, time.Minute, 16, nil, nil)
	m.FailAllPending() // must not panic with no channels registered
}
