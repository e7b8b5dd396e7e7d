// Package verdict defines the signable messages an enclave produces and the
// canonical byte encoding that both the signer and the verifier must agree on.
package verdict

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	xerrors "OpenMCP-Escrow/internal/errors"
)

// Intent 将签名限定在一种消息形态上，防止跨用途重放。
type Intent uint8

const (
	IntentRegistration Intent = 1
	IntentConsumption  Intent = 2
)

// String 实现 fmt.Stringer。
func (i Intent) String() string {
	switch i {
	case IntentRegistration:
		return "registration"
	case IntentConsumption:
		return "consumption"
	default:
		return fmt.Sprintf("intent(%d)", uint8(i))
	}
}

// ParseIntent 解析配置中的意图名称或数字。
func ParseIntent(raw string) (Intent, error) {
	switch raw {
	case "registration", "register", "1":
		return IntentRegistration, nil
	case "consumption", "consume", "2":
		return IntentConsumption, nil
	default:
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的 intent: %q", raw))
	}
}

// Verdict 是 enclave 可签名的消息。
type Verdict interface {
	Intent() Intent
}

// RegisterVerdict 证明 enclave 认可了这组注册参数。
// 字段顺序即编码顺序，不可调整。
type RegisterVerdict struct {
	AgentID        string
	Creator        common.Address
	CostPerMessage uint64
	SystemPrompt   string
	IsDefeated     bool
}

// Intent 实现 Verdict。
func (RegisterVerdict) Intent() Intent { return IntentRegistration }

// ConsumeVerdict 是 enclave 对一次交互的评判。
type ConsumeVerdict struct {
	AgentID     string
	UserPrompt  string
	Success     bool
	Explanation string
	Score       uint8
}

// Intent 实现 Verdict。
func (ConsumeVerdict) Intent() Intent { return IntentConsumption }

// IntentMessage 是真正被签名的外层结构。
type IntentMessage struct {
	Intent      Intent
	TimestampMs uint64
	Payload     any
}

const CodeIntentMismatch xerrors.Code = "INTENT_MISMATCH"

// ErrIntentMismatch 表示消息形态与请求的 intent 不一致。
var ErrIntentMismatch = xerrors.New(CodeIntentMismatch, "verdict shape does not belong to intent")

func init() {
	xerrors.Register(CodeIntentMismatch, xerrors.Attributes{
		Message:    "verdict shape does not belong to intent",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 400,
	})
}

// Encode 返回 (intent, timestamp, verdict) 的规范 RLP 编码。
func Encode(intent Intent, timestampMs uint64, v Verdict) ([]byte, error) {
	if v == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "verdict 不能为空")
	}
	if v.Intent() != intent {
		return nil, xerrors.New(CodeIntentMismatch, "",
			xerrors.WithMetadata("requested", intent.String()),
			xerrors.WithMetadata("shape", v.Intent().String()))
	}

	var payload any
	switch typed := v.(type) {
	case RegisterVerdict:
		payload = typed
	case *RegisterVerdict:
		payload = *typed
	case ConsumeVerdict:
		payload = typed
	case *ConsumeVerdict:
		payload = *typed
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的 verdict 类型 %T", v))
	}

	encoded, err := rlp.EncodeToBytes(IntentMessage{Intent: intent, TimestampMs: timestampMs, Payload: payload})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 verdict 失败")
	}
	return encoded, nil
}

// Digest 返回编码结果的 Keccak-256 摘要，secp256k1 方案签的就是它。
func Digest(intent Intent, timestampMs uint64, v Verdict) ([]byte, error) {
	encoded, err := Encode(intent, timestampMs, v)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(encoded), nil
}
