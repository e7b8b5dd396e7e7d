package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"OpenMCP-Escrow/internal/ledger"
)

var (
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	player  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func newAgent(id string) *Agent {
	return &Agent{
		ID:             ledger.NewObjectID(),
		AgentID:        id,
		Creator:        creator,
		CostPerMessage: 10,
		SystemPrompt:   "guard the vault",
	}
}

func TestMemoryStoreCommitsAllChanges(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	agent := newAgent("a1")

	events, err := store.Update(ctx, func(tx Tx) error {
		if err := tx.Credit(player, ledger.NewCoin(100)); err != nil {
			return err
		}
		if err := tx.RegisterAgent(agent); err != nil {
			return err
		}
		coin, err := tx.Debit(player, 40)
		if err != nil {
			return err
		}
		stored, err := tx.Agent(agent.ID)
		if err != nil {
			return err
		}
		if err := stored.Balance.Join(coin); err != nil {
			return err
		}
		if err := tx.PutAgent(stored); err != nil {
			return err
		}
		return tx.Emit(Event{Type: EventAgentFunded, AgentID: "a1", Amount: 40})
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 1 {
		t.Fatalf("unexpected emitted events: %+v", events)
	}

	err = store.View(ctx, func(tx Tx) error {
		stored, err := tx.Agent(agent.ID)
		if err != nil {
			return err
		}
		if stored.Balance.Value() != 40 {
			t.Fatalf("unexpected agent balance %d", stored.Balance.Value())
		}
		bal, _ := tx.AccountBalance(player)
		if bal.Value() != 60 {
			t.Fatalf("unexpected player balance %d", bal.Value())
		}
		ref, ok, _ := tx.LookupAgent("a1")
		if !ok || ref != agent.ID {
			t.Fatalf("registry lookup mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Update(ctx, func(tx Tx) error {
		return tx.Credit(player, ledger.NewCoin(5))
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	boom := errors.New("boom")
	agent := newAgent("a1")
	_, err := store.Update(ctx, func(tx Tx) error {
		if err := tx.RegisterAgent(agent); err != nil {
			return err
		}
		if err := tx.Credit(creator, ledger.NewCoin(7)); err != nil {
			return err
		}
		if _, err := tx.Debit(player, 5); err != nil {
			return err
		}
		if err := tx.Emit(Event{Type: EventAgentRegistered, AgentID: "a1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = store.View(ctx, func(tx Tx) error {
		if n, _ := tx.AgentCount(); n != 0 {
			t.Fatalf("registry not rolled back: %d", n)
		}
		if _, ok, _ := tx.LookupAgent("a1"); ok {
			t.Fatal("agent still registered")
		}
		if bal, _ := tx.AccountBalance(player); bal.Value() != 5 {
			t.Fatalf("player balance not restored: %d", bal.Value())
		}
		if bal, _ := tx.AccountBalance(creator); bal.Value() != 0 {
			t.Fatalf("creator credit not rolled back: %d", bal.Value())
		}
		if evts, _ := tx.Events(EventFilter{}); len(evts) != 0 {
			t.Fatalf("events not rolled back: %+v", evts)
		}
		return nil
	})

	if _, err := store.Update(ctx, func(tx Tx) error { return tx.RegisterAgent(agent) }); err != nil {
		t.Fatalf("agent id should be free after rollback: %v", err)
	}
}

func TestMemoryStoreDuplicateAgent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Update(ctx, func(tx Tx) error { return tx.RegisterAgent(newAgent("a1")) }); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := store.Update(ctx, func(tx Tx) error { return tx.RegisterAgent(newAgent("a1")) })
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected duplicate agent, got %v", err)
	}
	_ = store.View(ctx, func(tx Tx) error {
		ids, _ := tx.AgentIDs()
		if len(ids) != 1 {
			t.Fatalf("unexpected ids %v", ids)
		}
		return nil
	})
}

func TestMemoryStoreAgentIDsAreExact(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a1", "A1"} {
		if _, err := store.Update(ctx, func(tx Tx) error { return tx.RegisterAgent(newAgent(id)) }); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	_ = store.View(ctx, func(tx Tx) error {
		lower, _, _ := tx.LookupAgent("a1")
		upper, _, _ := tx.LookupAgent("A1")
		if lower == "" || upper == "" || lower == upper {
			t.Fatalf("case variants should be separate agents: %s %s", lower, upper)
		}
		return nil
	})
}

func TestMemoryStoreViewIsReadOnly(t *testing.T) {
	store := NewMemoryStore()
	err := store.View(context.Background(), func(tx Tx) error {
		return tx.Credit(player, ledger.NewCoin(1))
	})
	if err == nil {
		t.Fatal("expected read-only error")
	}
}

func TestMemoryStoreEventFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.Update(ctx, func(tx Tx) error {
		for _, evt := range []Event{
			{Type: EventAgentRegistered, AgentID: "a1"},
			{Type: EventAgentFunded, AgentID: "a1", Amount: 5},
			{Type: EventAgentRegistered, AgentID: "a2"},
			{Type: EventPromptConsumed, AgentID: "a1"},
		} {
			if err := tx.Emit(evt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	_ = store.View(ctx, func(tx Tx) error {
		evts, _ := tx.Events(EventFilter{AgentID: "a1"})
		if len(evts) != 3 {
			t.Fatalf("expected 3 events for a1, got %d", len(evts))
		}
		evts, _ = tx.Events(EventFilter{Types: []EventType{EventAgentRegistered}})
		if len(evts) != 2 || evts[1].AgentID != "a2" {
			t.Fatalf("unexpected type filter result %+v", evts)
		}
		evts, _ = tx.Events(EventFilter{AfterSeq: 2, Limit: 1})
		if len(evts) != 1 || evts[0].Seq != 3 {
			t.Fatalf("unexpected paging result %+v", evts)
		}
		return nil
	})
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore().Update(ctx, func(Tx) error { return nil }); err == nil {
		t.Fatal("expected cancelled context error")
	}
}
