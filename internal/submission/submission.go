package submission

import (
	"encoding/json"
	"net/http"

	xerrors "OpenMCP-Escrow/internal/errors"
)

// Status 表示交易提交在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusFailed 表示可重试的失败，仍可被再次领取。
	StatusFailed Status = "failed"
	// StatusRejected 表示账本拒绝了该交易，不会再执行。
	StatusRejected Status = "rejected"
)

// Kind 标识交易调用的结算操作。
type Kind string

const (
	KindRegisterAgent Kind = "register_agent"
	KindFundAgent     Kind = "fund_agent"
	KindConsumePrompt Kind = "consume_prompt"
	KindUpdateCost    Kind = "update_cost"
	KindUpdatePrompt  Kind = "update_prompt"
	KindWithdraw      Kind = "withdraw"
)

// Kinds 返回全部支持的交易类型。
func Kinds() []Kind {
	return []Kind{KindRegisterAgent, KindFundAgent, KindConsumePrompt, KindUpdateCost, KindUpdatePrompt, KindWithdraw}
}

// IsValidKind 检查交易类型是否受支持。
func IsValidKind(kind Kind) bool {
	for _, k := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// Submission 描述一笔已受理、排队执行的交易。
type Submission struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Sender     string          `json:"sender"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Finished 判断交易是否已到达终态。
func (s *Submission) Finished() bool {
	return s.Status == StatusSucceeded || s.Status == StatusRejected
}

const (
	CodeSubmissionNotFound   xerrors.Code = "SUBMISSION_NOT_FOUND"
	CodeSubmissionConflict   xerrors.Code = "SUBMISSION_CONFLICT"
	CodeSubmissionCompleted  xerrors.Code = "SUBMISSION_COMPLETED"
	CodeSubmissionExhausted  xerrors.Code = "SUBMISSION_RETRIES_EXHAUSTED"
	CodeSubmissionValidation xerrors.Code = "SUBMISSION_VALIDATION_FAILED"
	CodeSubmissionPublish    xerrors.Code = "SUBMISSION_PUBLISH_FAILED"
	CodeSubmissionProcessing xerrors.Code = "SUBMISSION_PROCESSING_FAILED"
)

var (
	// ErrSubmissionNotFound 表示指定的交易不存在。
	ErrSubmissionNotFound = xerrors.New(CodeSubmissionNotFound, "submission not found")
	// ErrSubmissionConflict 表示交易在当前状态下无法进行所请求的操作。
	ErrSubmissionConflict = xerrors.New(CodeSubmissionConflict, "submission conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSubmissionCompleted 表示交易已经执行完毕。
	ErrSubmissionCompleted = xerrors.New(CodeSubmissionCompleted, "submission already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrSubmissionExhausted 表示交易的重试次数已经耗尽。
	ErrSubmissionExhausted = xerrors.New(CodeSubmissionExhausted, "submission retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func init() {
	xerrors.Register(CodeSubmissionNotFound, xerrors.Attributes{
		Message:    "submission not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeSubmissionConflict, xerrors.Attributes{
		Message:    "submission conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeSubmissionCompleted, xerrors.Attributes{
		Message:    "submission already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeSubmissionExhausted, xerrors.Attributes{
		Message:    "submission retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeSubmissionValidation, xerrors.Attributes{
		Message:    "submission validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeSubmissionPublish, xerrors.Attributes{
		Message:    "failed to publish submission",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeSubmissionProcessing, xerrors.Attributes{
		Message:    "submission execution failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

func cloneSubmission(sub *Submission) *Submission {
	clone := *sub
	clone.Payload = cloneRaw(sub.Payload)
	clone.Result = cloneRaw(sub.Result)
	return &clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
