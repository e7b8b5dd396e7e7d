package escrow

import (
	"OpenMCP-Escrow/internal/ledger"
)

// Agent 是托管实体：身份、创建者、计费与提示词元数据以及托管余额。
type Agent struct {
	ID             ledger.ObjectID `json:"id"`
	AgentID        string          `json:"agent_id"`
	Creator        ledger.Address  `json:"creator"`
	CostPerMessage uint64          `json:"cost_per_message"`
	SystemPrompt   string          `json:"system_prompt"`
	Balance        ledger.Balance  `json:"balance"`
	CreatedAt      uint64          `json:"created_at"`
	UpdatedAt      uint64          `json:"updated_at"`
}

// Clone 返回 agent 的深拷贝。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// Depleted 余额为 0 时后续赔付均为空操作。
func (a *Agent) Depleted() bool {
	return a.Balance.Value() == 0
}

// IsCreator 判断 sender 是否拥有管理权限。
func (a *Agent) IsCreator(sender ledger.Address) bool {
	return a.Creator == sender
}

// Details 是查询接口返回的完整元组。
type Details struct {
	ID             ledger.ObjectID `json:"id"`
	AgentID        string          `json:"agent_id"`
	Creator        ledger.Address  `json:"creator"`
	CostPerMessage uint64          `json:"cost_per_message"`
	SystemPrompt   string          `json:"system_prompt"`
	Balance        uint64          `json:"balance"`
}

// Details 导出只读视图。
func (a *Agent) Details() Details {
	return Details{
		ID:             a.ID,
		AgentID:        a.AgentID,
		Creator:        a.Creator,
		CostPerMessage: a.CostPerMessage,
		SystemPrompt:   a.SystemPrompt,
		Balance:        a.Balance.Value(),
	}
}
