package main

import (
	"errors"
	"testing"
)

func TestExitCodeForBindError(t *testing.T) {
	err := &bindError{cause: errors.New("address already in use")}
	if got := exitCodeFor(err); got != 2 {
		t.Fatalf("exitCodeFor(bindError) = %d, want 2", got)
	}
}

func TestExitCodeForOtherErrors(t *testing.T) {
	if got := exitCodeFor(errors.New("bad config")); got != 1 {
		t.Fatalf("exitCodeFor(generic error) = %d, want 1", got)
	}
}

func TestBindErrorUnwraps(t *testing.T) {
	cause := errors.New("listen tcp :8080: bind: address already in use")
	err := &bindError{cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected bindError to unwrap to its cause")
	}
}

func TestBuildRootCmdRegistersSubcommands(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	if !names["serve"] || !names["migrate"] {
		t.Fatalf("expected serve and migrate subcommands, got %v", names)
	}
}
