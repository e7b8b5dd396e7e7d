package escrow

import (
	"errors"
	"testing"

	"OpenMCP-Escrow/internal/ledger"
)

func TestRegistryKeepsListAndMapInSync(t *testing.T) {
	reg := NewRegistry()
	ids := []string{"a1", "a2", "a3"}
	for _, id := range ids {
		if err := reg.Register(id, ledger.NewObjectID()); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	if err := reg.Register("a2", ledger.NewObjectID()); !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected duplicate agent, got %v", err)
	}
	if reg.Len() != len(ids) {
		t.Fatalf("failed registration changed the registry: %d", reg.Len())
	}

	listed := reg.List()
	seen := make(map[string]bool)
	for i, id := range listed {
		if id != ids[i] {
			t.Fatalf("registration order lost: %v", listed)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s in list", id)
		}
		seen[id] = true
		if !reg.Contains(id) {
			t.Fatalf("listed id %s missing from map", id)
		}
	}
	if len(reg.agents) != len(listed) {
		t.Fatalf("map size %d != list size %d", len(reg.agents), len(listed))
	}

	listed[0] = "mutated"
	if reg.List()[0] != "a1" {
		t.Fatal("List must return a copy")
	}
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("  ", ledger.NewObjectID()); err == nil {
		t.Fatal("expected error for empty id")
	}
	if reg.Len() != 0 {
		t.Fatal("registry should stay empty")
	}
}

func TestRegistryTruncateOnlyRemovesTail(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("a1", ledger.NewObjectID())
	_ = reg.Register("a2", ledger.NewObjectID())

	reg.truncate("a1")
	if reg.Len() != 2 {
		t.Fatal("truncate must only undo the latest registration")
	}
	reg.truncate("a2")
	if reg.Len() != 1 || reg.Contains("a2") {
		t.Fatalf("unexpected registry after truncate: %v", reg.List())
	}
}

func TestIsTerminal(t *testing.T) {
	for _, err := range []error{ErrInvalidSignature, ErrAgentNotFound, ErrDuplicateAgent, ErrInsufficientBalance, ErrInvalidAmount, ErrNotAuthorized} {
		if !IsTerminal(err) {
			t.Fatalf("%v should be terminal", err)
		}
	}
	if IsTerminal(errors.New("io")) {
		t.Fatal("plain errors are not terminal")
	}
}
