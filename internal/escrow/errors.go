package escrow

import (
	"net/http"

	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
)

const (
	CodeInvalidSignature    xerrors.Code = "INVALID_SIGNATURE"
	CodeAgentNotFound       xerrors.Code = "AGENT_NOT_FOUND"
	CodeDuplicateAgent      xerrors.Code = "DUPLICATE_AGENT"
	CodeInsufficientBalance              = ledger.CodeInsufficientBalance
	CodeInvalidAmount       xerrors.Code = "INVALID_AMOUNT"
	CodeNotAuthorized       xerrors.Code = "NOT_AUTHORIZED"
)

var (
	// ErrInvalidSignature 表示 enclave 签名校验未通过。
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "invalid enclave signature")
	// ErrAgentNotFound 表示注册表中不存在该 agent，或引用与注册表不一致。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrDuplicateAgent 表示 agent_id 已被注册。
	ErrDuplicateAgent = xerrors.New(CodeDuplicateAgent, "agent already registered")
	// ErrInsufficientBalance 表示托管余额不足以支付。
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	// ErrInvalidAmount 表示支付金额不满足要求。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid payment amount")
	// ErrNotAuthorized 表示调用方不是 agent 的创建者。
	ErrNotAuthorized = xerrors.New(CodeNotAuthorized, "caller is not the agent creator")
)

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:    "invalid enclave signature",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnauthorized,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeDuplicateAgent, xerrors.Attributes{
		Message:    "agent already registered",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:    "invalid payment amount",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{
		Message:    "caller is not the agent creator",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
}

// IsTerminal 判断错误是否属于前置条件失败，这类错误重试没有意义。
func IsTerminal(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodeInvalidSignature, CodeAgentNotFound, CodeDuplicateAgent, CodeInsufficientBalance,
		CodeInvalidAmount, CodeNotAuthorized, ledger.CodeBalanceOverflow, xerrors.CodeInvalidArgument:
		return true
	default:
		return false
	}
}
