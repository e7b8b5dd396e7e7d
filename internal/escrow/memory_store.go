package escrow

import (
	"context"
	"sync"

	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
)

// MemoryStore 将账本保存在进程内存中。写事务互斥执行，
// 每次修改都记录撤销操作，失败时按逆序回放。
type MemoryStore struct {
	mu       sync.RWMutex
	registry *Registry
	agents   map[ledger.ObjectID]*Agent
	accounts map[ledger.Address]ledger.Balance
	events   []Event
}

// NewMemoryStore 创建空的内存账本。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registry: NewRegistry(),
		agents:   make(map[ledger.ObjectID]*Agent),
		accounts: make(map[ledger.Address]ledger.Balance),
	}
}

// Update 实现 Store。
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "事务已取消")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, writable: true}
	defer func() {
		if r := recover(); r != nil {
			tx.revert()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.revert()
		return nil, err
	}
	return tx.emitted, nil
}

// View 实现 Store。
func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "事务已取消")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{store: s})
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	store    *MemoryStore
	writable bool
	journal  []func()
	emitted  []Event
}

func (t *memoryTx) revert() {
	for i := len(t.journal) - 1; i >= 0; i-- {
		t.journal[i]()
	}
	t.journal = nil
	t.emitted = nil
}

func (t *memoryTx) LookupAgent(agentID string) (ledger.ObjectID, bool, error) {
	ref, ok := t.store.registry.Lookup(agentID)
	return ref, ok, nil
}

func (t *memoryTx) AgentIDs() ([]string, error) {
	return t.store.registry.List(), nil
}

func (t *memoryTx) AgentCount() (int, error) {
	return t.store.registry.Len(), nil
}

func (t *memoryTx) Agent(ref ledger.ObjectID) (*Agent, error) {
	agent, ok := t.store.agents[ref]
	if !ok {
		return nil, xerrors.New(CodeAgentNotFound, "", xerrors.WithMetadata("agent_ref", ref.String()))
	}
	return agent.Clone(), nil
}

func (t *memoryTx) AccountBalance(addr ledger.Address) (ledger.Balance, error) {
	return t.store.accounts[addr], nil
}

func (t *memoryTx) Events(filter EventFilter) ([]Event, error) {
	filter.applyDefaults()
	out := make([]Event, 0)
	for _, evt := range t.store.events {
		if !filter.matches(evt) {
			continue
		}
		out = append(out, evt)
		if len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (t *memoryTx) RegisterAgent(agent *Agent) error {
	if !t.writable {
		return errReadOnly
	}
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if _, exists := t.store.agents[agent.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "agent 引用已存在")
	}
	if err := t.store.registry.Register(agent.AgentID, agent.ID); err != nil {
		return err
	}
	t.store.agents[agent.ID] = agent.Clone()

	ref, agentID := agent.ID, agent.AgentID
	t.journal = append(t.journal, func() {
		delete(t.store.agents, ref)
		t.store.registry.truncate(agentID)
	})
	return nil
}

func (t *memoryTx) PutAgent(agent *Agent) error {
	if !t.writable {
		return errReadOnly
	}
	prev, ok := t.store.agents[agent.ID]
	if !ok {
		return xerrors.New(CodeAgentNotFound, "", xerrors.WithMetadata("agent_ref", agent.ID.String()))
	}
	t.store.agents[agent.ID] = agent.Clone()
	t.journal = append(t.journal, func() {
		t.store.agents[prev.ID] = prev
	})
	return nil
}

func (t *memoryTx) Credit(addr ledger.Address, coin ledger.Coin) error {
	if !t.writable {
		return errReadOnly
	}
	prev, existed := t.store.accounts[addr]
	next := prev
	if err := next.Join(coin); err != nil {
		return err
	}
	t.store.accounts[addr] = next
	t.journal = append(t.journal, t.restoreAccount(addr, prev, existed))
	return nil
}

func (t *memoryTx) Debit(addr ledger.Address, amount uint64) (ledger.Coin, error) {
	if !t.writable {
		return ledger.Coin{}, errReadOnly
	}
	prev, existed := t.store.accounts[addr]
	next := prev
	coin, err := next.Split(amount)
	if err != nil {
		return ledger.Coin{}, err
	}
	t.store.accounts[addr] = next
	t.journal = append(t.journal, t.restoreAccount(addr, prev, existed))
	return coin, nil
}

func (t *memoryTx) restoreAccount(addr ledger.Address, prev ledger.Balance, existed bool) func() {
	return func() {
		if existed {
			t.store.accounts[addr] = prev
			return
		}
		delete(t.store.accounts, addr)
	}
}

func (t *memoryTx) Emit(evt Event) error {
	if !t.writable {
		return errReadOnly
	}
	evt.Seq = uint64(len(t.store.events)) + 1
	t.store.events = append(t.store.events, evt)
	t.emitted = append(t.emitted, evt)

	n := len(t.store.events) - 1
	t.journal = append(t.journal, func() {
		t.store.events = t.store.events[:n]
	})
	return nil
}
