package agentloop

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/internal/llm"
	"github.com/haasonsaas/hub/internal/registry"
	"github.com/haasonsaas/hub/internal/spoke"
	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

type scriptedProvider struct {
	outcomes []*ChatOutcomeOrErr
	calls    int
}

type ChatOutcomeOrErr struct {
	outcome *llm.ChatOutcome
	err     error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Infer(ctx context.Context, messages []llm.Message, tools []dispatch.ToolSchema) (*llm.ChatOutcome, error) {
	step := p.outcomes[p.calls]
	p.calls++
	return step.outcome, step.err
}

func (p *scriptedProvider) InferStream(ctx context.Context, messages []llm.Message, tools []dispatch.ToolSchema) (<-chan llm.StreamChunk, error) {
	return nil, nil
}

func newTestHarness(t *testing.T, outcomes ...*ChatOutcomeOrErr) (*Loop, *hub.Session, *storage.Store) {
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
	session, err := store.Sessions.Create(context.Background(), device.ID, user.ID, "", "")
	if err != nil {
		t.Fatalf("Sessions.Create() error = %v", err)
	}

	spokes := spoke.NewManager(nil, time.Minute, 16, nil, nil)
	reg := registry.New(store, spokes, time.Minute, nil, nil)
	spokes.SetRegistry(reg)
	dispatcher := dispatch.New(reg, spokes, dispatch.DefaultConfig(), nil, nil)

	provider := &scriptedProvider{outcomes: outcomes}
	gateway := llm.NewGateway([]llm.Provider{provider}, llm.DefaultConfig(), nil, nil)

	loop := New(gateway, dispatcher, store.Messages, Config{MaxIterations: 5}, nil, nil)
	return loop, session, store
}

func drain(ch <-chan Event) []Event {
	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func TestRunWithoutToolCallsEmitsAssistantThenDone(t *testing.T) {
	loop, session, _ := newTestHarness(t, &ChatOutcomeOrErr{
		outcome: &llm.ChatOutcome{AssistantText: "the lights are on"},
	})

	events := drain(loop.Run(context.Background(), session, "turn on the lights", nil))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventAssistantMsg || events[0].Content != "the lights are on" {
		t.Fatalf("expected assistant_message first, got %+v", events[0])
	}
	if events[1].Type != EventDone {
		t.Fatalf("expected done last, got %+v", events[1])
	}
}

func TestRunWithToolCallExecutesThenContinues(t *testing.T) {
	loop, session, _ := newTestHarness(t,
		&ChatOutcomeOrErr{outcome: &llm.ChatOutcome{
			ToolCalls: []hub.ToolCall{{ID: "call-1", Name: dispatch.ToolSearchSkills, Arguments: []byte(`{"query":"lights"}`)}},
		}},
		&ChatOutcomeOrErr{outcome: &llm.ChatOutcome{AssistantText: "done searching"}},
	)

	events := drain(loop.Run(context.Background(), session, "find lights skill", nil))

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []EventType{EventToolCallStarted, EventToolCallResult, EventAssistantMsg, EventDone}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	outcomes := make([]*ChatOutcomeOrErr, 0, 5)
	for i := 0; i < 5; i++ {
		outcomes = append(outcomes, &ChatOutcomeOrErr{outcome: &llm.ChatOutcome{
			ToolCalls: []hub.ToolCall{{ID: "call", Name: dispatch.ToolSearchSkills, Arguments: []byte(`{"query":"x"}`)}},
		}})
	}
	loop, session, _ := newTestHarness(t, outcomes...)
	loop.cfg.MaxIterations = 2

	events := drain(loop.Run(context.Background(), session, "loop forever", nil))
	last := events[len(events)-2]
	if last.Type != EventAssistantMsg || last.Content == "" {
		t.Fatalf("expected an exhaustion message before done, got %+v", last)
	}
	if events[len(events)-1].Type != EventDone {
		t.Fatal("expected the run to still terminate with done after hitting max iterations")
	}
}

func TestRunPersistsUserMessage(t *testing.T) {
	loop, session, store := newTestHarness(t, &ChatOutcomeOrErr{
		outcome: &llm.ChatOutcome{AssistantText: "ok"},
	})
	drain(loop.Run(context.Background(), session, "hello there", nil))

	history, err := store.Messages.ListBySession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(history) < 2 {
		t.Fatalf("expected at least the user message and the assistant reply, got %d", len(history))
	}
	if history[0].Role != hub.RoleUser || history[0].Content != "hello there" {
		t.Fatalf("expected the user message first, got %+v", history[0])
	}
}
