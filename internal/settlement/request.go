package settlement

import (
	"OpenMCP-Escrow/internal/escrow"
	"OpenMCP-Escrow/internal/ledger"
)

// RegisterRequest 是注册 agent 的调用参数，除 Creator 外与 enclave 签署的 verdict 一一对应。
type RegisterRequest struct {
	AgentID        string `json:"agent_id"`
	CostPerMessage uint64 `json:"cost_per_message"`
	SystemPrompt   string `json:"system_prompt"`
	TimestampMs    uint64 `json:"timestamp_ms"`
	Signature      []byte `json:"signature"`
	EnclaveID      string `json:"enclave_id,omitempty"`
	// Payment 非零时从调用方账户扣款作为初始托管金额。
	Payment uint64 `json:"payment,omitempty"`
}

// FundRequest 为 agent 追加托管资金。
type FundRequest struct {
	AgentRef ledger.ObjectID `json:"agent_ref"`
	Amount   uint64          `json:"amount"`
}

// ConsumeRequest 提交一次交互的 enclave 评判。
type ConsumeRequest struct {
	AgentID     string          `json:"agent_id"`
	AgentRef    ledger.ObjectID `json:"agent_ref"`
	UserPrompt  string          `json:"user_prompt"`
	Success     bool            `json:"success"`
	Explanation string          `json:"explanation"`
	Score       uint8           `json:"score"`
	TimestampMs uint64          `json:"timestamp_ms"`
	Signature   []byte          `json:"signature"`
	EnclaveID   string          `json:"enclave_id,omitempty"`
	Payment     uint64          `json:"payment,omitempty"`
}

// UpdateCostRequest 修改单条消息价格。
type UpdateCostRequest struct {
	AgentRef       ledger.ObjectID `json:"agent_ref"`
	CostPerMessage uint64          `json:"cost_per_message"`
}

// UpdatePromptRequest 修改系统提示词。
type UpdatePromptRequest struct {
	AgentRef     ledger.ObjectID `json:"agent_ref"`
	SystemPrompt string          `json:"system_prompt"`
}

// WithdrawRequest 由创建者取回部分托管资金。
type WithdrawRequest struct {
	AgentRef ledger.ObjectID `json:"agent_ref"`
	Amount   uint64          `json:"amount"`
}

// ConsumeResult 描述一次结算的资金流向。
type ConsumeResult struct {
	AgentID  string         `json:"agent_id"`
	Payout   uint64         `json:"payout"`
	Fee      uint64         `json:"fee"`
	Defeated bool           `json:"defeated"`
	Balance  uint64         `json:"balance"`
	Events   []escrow.Event `json:"events"`
}
