package settlement

import (
	"context"

	"OpenMCP-Escrow/internal/escrow"
	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
)

// AgentExists 判断 agentID 是否已注册。
func (e *Engine) AgentExists(ctx context.Context, agentID string) (bool, error) {
	var exists bool
	err := e.store.View(ctx, func(tx escrow.Tx) error {
		_, ok, err := tx.LookupAgent(agentID)
		exists = ok
		return err
	})
	return exists, err
}

// AgentRef 返回 agentID 对应的对象引用。
func (e *Engine) AgentRef(ctx context.Context, agentID string) (ledger.ObjectID, error) {
	var ref ledger.ObjectID
	err := e.store.View(ctx, func(tx escrow.Tx) error {
		found, ok, err := tx.LookupAgent(agentID)
		if err != nil {
			return err
		}
		if !ok {
			return xerrors.New(escrow.CodeAgentNotFound, "", xerrors.WithMetadata("agent_id", agentID))
		}
		ref = found
		return nil
	})
	return ref, err
}

// AgentDetails 返回 agent 的完整信息。
func (e *Engine) AgentDetails(ctx context.Context, ref ledger.ObjectID) (escrow.Details, error) {
	var details escrow.Details
	err := e.store.View(ctx, func(tx escrow.Tx) error {
		agent, err := tx.Agent(ref)
		if err != nil {
			return err
		}
		details = agent.Details()
		return nil
	})
	return details, err
}

// AgentDetailsByID 先查注册表再返回 agent 信息。
func (e *Engine) AgentDetailsByID(ctx context.Context, agentID string) (escrow.Details, error) {
	var details escrow.Details
	err := e.store.View(ctx, func(tx escrow.Tx) error {
		ref, ok, err := tx.LookupAgent(agentID)
		if err != nil {
			return err
		}
		if !ok {
			return xerrors.New(escrow.CodeAgentNotFound, "", xerrors.WithMetadata("agent_id", agentID))
		}
		agent, err := tx.Agent(ref)
		if err != nil {
			return err
		}
		details = agent.Details()
		return nil
	})
	return details, err
}

// Balance 返回 agent 当前托管余额。
func (e *Engine) Balance(ctx context.Context, ref ledger.ObjectID) (uint64, error) {
	details, err := e.AgentDetails(ctx, ref)
	if err != nil {
		return 0, err
	}
	return details.Balance, nil
}

// AgentCount 返回已注册 agent 数量。
func (e *Engine) AgentCount(ctx context.Context) (int, error) {
	var count int
	err := e.store.View(ctx, func(tx escrow.Tx) error {
		n, err := tx.AgentCount()
		count = n
		return err
	})
	return count, err
}

// AgentIDs 返回按注册顺序排列的全部 agentID。
func (e *Engine) AgentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := e.store.View(ctx, func(tx escrow.Tx) error {
		list, err := tx.AgentIDs()
		ids = list
		return err
	})
	return ids, err
}

// AccountBalance 返回账户余额。
func (e *Engine) AccountBalance(ctx context.Context, addr ledger.Address) (uint64, error) {
	var balance uint64
	err := e.store.View(ctx, func(tx escrow.Tx) error {
		b, err := tx.AccountBalance(addr)
		balance = b.Value()
		return err
	})
	return balance, err
}

// Events 按过滤条件查询已提交的事件。
func (e *Engine) Events(ctx context.Context, filter escrow.EventFilter) ([]escrow.Event, error) {
	var events []escrow.Event
	err := e.store.View(ctx, func(tx escrow.Tx) error {
		list, err := tx.Events(filter)
		events = list
		return err
	})
	return events, err
}
