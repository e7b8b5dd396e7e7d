package submission

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/observability/metrics"
	"OpenMCP-Escrow/pkg/logger"
)

// Service 负责交易的受理与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造交易服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 校验信封签名，持久化交易并推送到队列。相同信封重复提交时返回已有记录。
func (s *Service) Submit(ctx context.Context, env Envelope) (*Submission, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化")
	}
	if !IsValidKind(env.Kind) {
		return nil, xerrors.New(CodeSubmissionValidation, "不支持的交易类型", xerrors.WithMetadata("kind", string(env.Kind)))
	}
	if len(env.Payload) == 0 {
		return nil, xerrors.New(CodeSubmissionValidation, "payload 不能为空")
	}
	if _, err := DecodeRequest(env.Kind, env.Payload); err != nil {
		return nil, err
	}
	digest, err := env.Digest()
	if err != nil {
		return nil, err
	}
	sender, err := env.Sender()
	if err != nil {
		return nil, err
	}
	id := submissionID(digest, sender)

	if existing, err := s.store.Get(ctx, id); err == nil {
		return existing, nil
	} else if !stdErrors.Is(err, ErrSubmissionNotFound) {
		return nil, err
	}

	sub := &Submission{
		ID:         id,
		Kind:       env.Kind,
		Sender:     sender.Hex(),
		Payload:    cloneRaw(env.Payload),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		if stdErrors.Is(err, ErrSubmissionConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("交易入队失败", slog.Any("error", err), slog.String("submission_id", id))
		wrapped := xerrors.Wrap(CodeSubmissionPublish, err, "发布交易到队列失败")
		if markErr := s.store.MarkFailed(ctx, id, CodeSubmissionPublish, wrapped.Error(), true); markErr != nil {
			logger.L().Error("标记交易失败状态出错", slog.Any("error", markErr), slog.String("submission_id", id))
		}
		metrics.ObserveSubmission(string(sub.Kind), string(StatusRejected))
		return nil, wrapped
	}
	metrics.ObserveSubmission(string(sub.Kind), string(StatusPending))
	logger.Audit().Info("交易入队成功",
		slog.String("submission_id", id),
		slog.String("kind", string(sub.Kind)),
		slog.String("sender", sub.Sender),
		slog.Uint64("nonce", env.Nonce),
	)
	return sub, nil
}

// Get 返回指定交易的状态。
func (s *Service) Get(ctx context.Context, id string) (*Submission, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的交易列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Submission, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的交易统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询直到交易成功或被拒绝。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Submission, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sub, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.Finished() {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
