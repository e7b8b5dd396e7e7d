package escrow

import (
	"OpenMCP-Escrow/internal/ledger"
)

// EventType 标识事件种类。
type EventType string

const (
	EventAgentRegistered EventType = "AgentRegistered"
	EventAgentFunded     EventType = "AgentFunded"
	EventPromptConsumed  EventType = "PromptConsumed"
	EventFeeTransferred  EventType = "FeeTransferred"
	EventAgentDefeated   EventType = "AgentDefeated"
	EventAgentUpdated    EventType = "AgentUpdated"
	EventAgentWithdrawn  EventType = "AgentWithdrawn"
)

// Event 是追加写入、可被外部消费的状态变更记录。
// 各事件类型只填充与其相关的字段。
type Event struct {
	Seq            uint64          `json:"seq"`
	Type           EventType       `json:"type"`
	AgentID        string          `json:"agent_id"`
	AgentRef       ledger.ObjectID `json:"agent_ref,omitempty"`
	Actor          ledger.Address  `json:"actor"`
	Recipient      *ledger.Address `json:"recipient,omitempty"`
	Amount         uint64          `json:"amount"`
	CostPerMessage uint64          `json:"cost_per_message,omitempty"`
	SystemPrompt   string          `json:"system_prompt,omitempty"`
	UserPrompt     string          `json:"user_prompt,omitempty"`
	Explanation    string          `json:"explanation,omitempty"`
	Success        bool            `json:"success,omitempty"`
	Score          uint8           `json:"score,omitempty"`
	TimestampMs    uint64          `json:"timestamp_ms"`
}

// EventFilter 用于查询事件。
type EventFilter struct {
	AgentID  string
	Types    []EventType
	AfterSeq uint64
	Limit    int
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

func (f *EventFilter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = defaultEventLimit
	}
	if f.Limit > maxEventLimit {
		f.Limit = maxEventLimit
	}
}

func (f EventFilter) matches(evt Event) bool {
	if evt.Seq <= f.AfterSeq {
		return false
	}
	if f.AgentID != "" && evt.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, typ := range f.Types {
		if typ == evt.Type {
			return true
		}
	}
	return false
}
