package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"OpenMCP-Escrow/internal/ledger"
	"OpenMCP-Escrow/internal/storage/mysql/mysqltest"
)

const (
	insertAgentSQL = `INSERT INTO escrow_agents
        (object_id, agent_id, creator, cost_per_message, system_prompt, balance, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	selectAccountForUpdateSQL = `SELECT balance FROM escrow_accounts WHERE address = ? FOR UPDATE`
	upsertAccountSQL          = `INSERT INTO escrow_accounts (address, balance, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE balance = VALUES(balance), updated_at = VALUES(updated_at)`
	insertEventSQL = `INSERT INTO escrow_events (event_type, agent_id, payload, created_at) VALUES (?, ?, ?, ?)`
)

func fixedNow() time.Time { return time.UnixMilli(1747898372482) }

func TestMySQLStoreRegisterDuplicateRollsBack(t *testing.T) {
	agent := newAgent("a1")
	db, drv := mysqltest.NewDB(t,
		mysqltest.Begin(),
		mysqltest.Exec(insertAgentSQL, mysqltest.Result{}).WithErr(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
		mysqltest.Rollback(),
	)
	store := NewMySQLStoreWithDB(db)

	_, err := store.Update(context.Background(), func(tx Tx) error { return tx.RegisterAgent(agent) })
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected duplicate agent, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreCreditAndEmit(t *testing.T) {
	db, drv := mysqltest.NewDB(t,
		mysqltest.Begin(),
		mysqltest.Query(selectAccountForUpdateSQL, mysqltest.Rows{
			Columns: []string{"balance"},
			Values:  [][]any{{int64(5)}},
		}).WithArgs(player.Hex()),
		mysqltest.Exec(upsertAccountSQL, mysqltest.Result{Affected: 1}).WithArgs(player.Hex(), int64(45), int64(1747898372482)),
		mysqltest.Exec(insertEventSQL, mysqltest.Result{LastInsertID: 9, Affected: 1}),
		mysqltest.Commit(),
	)
	store := NewMySQLStoreWithDB(db)
	store.now = fixedNow

	events, err := store.Update(context.Background(), func(tx Tx) error {
		if err := tx.Credit(player, ledger.NewCoin(40)); err != nil {
			return err
		}
		return tx.Emit(Event{Type: EventAgentDefeated, AgentID: "a1", Amount: 40})
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 9 {
		t.Fatalf("unexpected events %+v", events)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreDebitInsufficientRollsBack(t *testing.T) {
	db, drv := mysqltest.NewDB(t,
		mysqltest.Begin(),
		mysqltest.Query(selectAccountForUpdateSQL, mysqltest.Rows{Columns: []string{"balance"}}),
		mysqltest.Rollback(),
	)
	store := NewMySQLStoreWithDB(db)

	_, err := store.Update(context.Background(), func(tx Tx) error {
		_, err := tx.Debit(player, 1)
		return err
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreViewAgent(t *testing.T) {
	ref := ledger.NewObjectID()
	db, drv := mysqltest.NewDB(t,
		mysqltest.Begin(),
		mysqltest.Query(`SELECT agent_id FROM escrow_agents ORDER BY registry_seq ASC`, mysqltest.Rows{
			Columns: []string{"agent_id"},
			Values:  [][]any{{"a1"}, {"a2"}},
		}),
		mysqltest.Query(`SELECT object_id, agent_id, creator, cost_per_message, system_prompt, balance, created_at, updated_at
        FROM escrow_agents WHERE object_id = ?`, mysqltest.Rows{
			Columns: []string{"object_id", "agent_id", "creator", "cost_per_message", "system_prompt", "balance", "created_at", "updated_at"},
			Values:  [][]any{{ref.String(), "a1", creator.Hex(), int64(1000), "hi", int64(77), int64(1), int64(2)}},
		}).WithArgs(ref.String()),
		mysqltest.Rollback(),
	)
	store := NewMySQLStoreWithDB(db)

	err := store.View(context.Background(), func(tx Tx) error {
		ids, err := tx.AgentIDs()
		if err != nil {
			return err
		}
		if len(ids) != 2 || ids[0] != "a1" {
			t.Fatalf("unexpected ids %v", ids)
		}
		agent, err := tx.Agent(ref)
		if err != nil {
			return err
		}
		if agent.Creator != creator || agent.CostPerMessage != 1000 || agent.Balance.Value() != 77 {
			t.Fatalf("unexpected agent %+v", agent)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreAgentNotFound(t *testing.T) {
	ref := ledger.NewObjectID()
	db, drv := mysqltest.NewDB(t,
		mysqltest.Begin(),
		mysqltest.Query(`SELECT object_id, agent_id, creator, cost_per_message, system_prompt, balance, created_at, updated_at
        FROM escrow_agents WHERE object_id = ? FOR UPDATE`, mysqltest.Rows{
			Columns: []string{"object_id"},
		}),
		mysqltest.Rollback(),
	)
	store := NewMySQLStoreWithDB(db)

	_, err := store.Update(context.Background(), func(tx Tx) error {
		_, err := tx.Agent(ref)
		return err
	})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}
	drv.AssertConsumed(t)
}
