package escrow

import (
	"strings"

	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
)

// Registry 维护 agent_id 到 agent 引用的唯一映射，以及按注册顺序追加的列表。
// 映射与列表始终包含完全相同的标识。
type Registry struct {
	agents map[string]ledger.ObjectID
	list   []string
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]ledger.ObjectID)}
}

// Register 插入新的 agent；标识已存在时返回 ErrDuplicateAgent 且不做任何修改。
func (r *Registry) Register(agentID string, ref ledger.ObjectID) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	if _, exists := r.agents[agentID]; exists {
		return xerrors.New(CodeDuplicateAgent, "", xerrors.WithMetadata("agent_id", agentID))
	}
	r.agents[agentID] = ref
	r.list = append(r.list, agentID)
	return nil
}

// Lookup 返回 agent 引用。
func (r *Registry) Lookup(agentID string) (ledger.ObjectID, bool) {
	ref, ok := r.agents[agentID]
	return ref, ok
}

// Contains 判断标识是否已注册。
func (r *Registry) Contains(agentID string) bool {
	_, ok := r.agents[agentID]
	return ok
}

// List 返回按注册顺序排列的标识副本。
func (r *Registry) List() []string {
	out := make([]string, len(r.list))
	copy(out, r.list)
	return out
}

// Len 返回已注册数量。
func (r *Registry) Len() int { return len(r.list) }

// truncate 撤销最近一次注册，仅供事务回滚使用。
func (r *Registry) truncate(agentID string) {
	n := len(r.list)
	if n == 0 || r.list[n-1] != agentID {
		return
	}
	r.list = r.list[:n-1]
	delete(r.agents, agentID)
}
