package submission

import (
	"context"
	"encoding/json"

	xerrors "OpenMCP-Escrow/internal/errors"
)

// Store 抽象了交易提交状态的持久化接口。
type Store interface {
	Create(ctx context.Context, sub *Submission) error
	Get(ctx context.Context, id string) (*Submission, error)
	Claim(ctx context.Context, id string) (*Submission, error)
	MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Submission, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
