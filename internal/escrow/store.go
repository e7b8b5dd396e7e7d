package escrow

import (
	"context"

	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
)

// Store 提供全有或全无的事务语义：Update 中 fn 返回错误时所有写入都被丢弃。
type Store interface {
	// Update 在读写事务中执行 fn，成功提交后返回本次事务产生的事件。
	Update(ctx context.Context, fn func(Tx) error) ([]Event, error)
	// View 在只读事务中执行 fn。
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx 是单个事务内可见的账本视图，读取总是返回事务内的最新值。
type Tx interface {
	LookupAgent(agentID string) (ledger.ObjectID, bool, error)
	AgentIDs() ([]string, error)
	AgentCount() (int, error)
	Agent(ref ledger.ObjectID) (*Agent, error)
	AccountBalance(addr ledger.Address) (ledger.Balance, error)
	Events(filter EventFilter) ([]Event, error)

	RegisterAgent(agent *Agent) error
	PutAgent(agent *Agent) error
	Credit(addr ledger.Address, coin ledger.Coin) error
	Debit(addr ledger.Address, amount uint64) (ledger.Coin, error)
	Emit(evt Event) error
}

var errReadOnly = xerrors.New(xerrors.CodeInvalidArgument, "只读事务不允许写入")
