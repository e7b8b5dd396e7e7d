package submission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
	"OpenMCP-Escrow/internal/settlement"
)

// RegisterAgentPayload 对应 register_agent 交易。
type RegisterAgentPayload struct {
	AgentID        string        `json:"agent_id"`
	CostPerMessage uint64        `json:"cost_per_message"`
	SystemPrompt   string        `json:"system_prompt"`
	TimestampMs    uint64        `json:"timestamp_ms"`
	Signature      hexutil.Bytes `json:"signature"`
	EnclaveID      string        `json:"enclave_id,omitempty"`
	Payment        uint64        `json:"payment,omitempty"`
}

// FundAgentPayload 对应 fund_agent 交易。
type FundAgentPayload struct {
	AgentRef string `json:"agent_ref"`
	Amount   uint64 `json:"amount"`
}

// ConsumePromptPayload 对应 consume_prompt 交易。
type ConsumePromptPayload struct {
	AgentID     string        `json:"agent_id"`
	AgentRef    string        `json:"agent_ref"`
	UserPrompt  string        `json:"user_prompt"`
	Success     bool          `json:"success"`
	Explanation string        `json:"explanation"`
	Score       uint8         `json:"score"`
	TimestampMs uint64        `json:"timestamp_ms"`
	Signature   hexutil.Bytes `json:"signature"`
	EnclaveID   string        `json:"enclave_id,omitempty"`
	Payment     uint64        `json:"payment,omitempty"`
}

// UpdateCostPayload 对应 update_cost 交易。
type UpdateCostPayload struct {
	AgentRef       string `json:"agent_ref"`
	CostPerMessage uint64 `json:"cost_per_message"`
}

// UpdatePromptPayload 对应 update_prompt 交易。
type UpdatePromptPayload struct {
	AgentRef     string `json:"agent_ref"`
	SystemPrompt string `json:"system_prompt"`
}

// WithdrawPayload 对应 withdraw 交易。
type WithdrawPayload struct {
	AgentRef string `json:"agent_ref"`
	Amount   uint64 `json:"amount"`
}

// DecodeRequest 把 payload 解码为对应的结算请求，未知字段视为错误。
func DecodeRequest(kind Kind, payload json.RawMessage) (any, error) {
	switch kind {
	case KindRegisterAgent:
		var p RegisterAgentPayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.AgentID) == "" {
			return nil, xerrors.New(CodeSubmissionValidation, "agent_id 不能为空")
		}
		return settlement.RegisterRequest{
			AgentID:        p.AgentID,
			CostPerMessage: p.CostPerMessage,
			SystemPrompt:   p.SystemPrompt,
			TimestampMs:    p.TimestampMs,
			Signature:      p.Signature,
			EnclaveID:      p.EnclaveID,
			Payment:        p.Payment,
		}, nil
	case KindFundAgent:
		var p FundAgentPayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, err
		}
		ref, err := parseRef(p.AgentRef)
		if err != nil {
			return nil, err
		}
		return settlement.FundRequest{AgentRef: ref, Amount: p.Amount}, nil
	case KindConsumePrompt:
		var p ConsumePromptPayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, err
		}
		ref, err := parseRef(p.AgentRef)
		if err != nil {
			return nil, err
		}
		return settlement.ConsumeRequest{
			AgentID:     p.AgentID,
			AgentRef:    ref,
			UserPrompt:  p.UserPrompt,
			Success:     p.Success,
			Explanation: p.Explanation,
			Score:       p.Score,
			TimestampMs: p.TimestampMs,
			Signature:   p.Signature,
			EnclaveID:   p.EnclaveID,
			Payment:     p.Payment,
		}, nil
	case KindUpdateCost:
		var p UpdateCostPayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, err
		}
		ref, err := parseRef(p.AgentRef)
		if err != nil {
			return nil, err
		}
		return settlement.UpdateCostRequest{AgentRef: ref, CostPerMessage: p.CostPerMessage}, nil
	case KindUpdatePrompt:
		var p UpdatePromptPayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, err
		}
		ref, err := parseRef(p.AgentRef)
		if err != nil {
			return nil, err
		}
		return settlement.UpdatePromptRequest{AgentRef: ref, SystemPrompt: p.SystemPrompt}, nil
	case KindWithdraw:
		var p WithdrawPayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, err
		}
		ref, err := parseRef(p.AgentRef)
		if err != nil {
			return nil, err
		}
		return settlement.WithdrawRequest{AgentRef: ref, Amount: p.Amount}, nil
	default:
		return nil, xerrors.New(CodeSubmissionValidation, fmt.Sprintf("不支持的交易类型 %q", kind))
	}
}

func strictDecode(payload json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(CodeSubmissionValidation, err, "解析交易 payload 失败")
	}
	return nil
}

func parseRef(raw string) (ledger.ObjectID, error) {
	ref, err := ledger.ParseObjectID(raw)
	if err != nil {
		return "", xerrors.Wrap(CodeSubmissionValidation, err, "agent_ref 格式错误")
	}
	return ref, nil
}
