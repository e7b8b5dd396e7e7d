package submission

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Escrow/internal/escrow"
	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/observability/alerting"
	"OpenMCP-Escrow/internal/observability/metrics"
	"OpenMCP-Escrow/pkg/logger"
)

// Processor 负责从队列消费交易并交给执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithAlertDispatcher 设置告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动交易处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 领取并执行一笔交易。
func (p *Processor) Handle(ctx context.Context, id string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	sub, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrSubmissionNotFound) || stdErrors.Is(err, ErrSubmissionCompleted) ||
			stdErrors.Is(err, ErrSubmissionExhausted) || stdErrors.Is(err, ErrSubmissionConflict) {
			p.logDebug("跳过交易", slog.String("submission_id", id), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取交易失败", slog.Any("error", err), slog.String("submission_id", id))
		return err
	}

	result, execErr := p.executor.Execute(ctx, sub)
	if execErr != nil {
		return p.handleFailure(ctx, sub, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, sub.ID, result); err != nil {
		// 账本已提交，只能记录结果失败；不能重投，否则会重复执行。
		logger.L().Error("标记交易成功状态失败", slog.Any("error", err), slog.String("submission_id", sub.ID))
		p.emitAlert(ctx, sub, xerrors.CodeStorageFailure, err, "record_result")
		return err
	}
	metrics.ObserveSubmission(string(sub.Kind), string(StatusSucceeded))
	logger.Audit().Info("交易执行成功",
		slog.String("submission_id", sub.ID),
		slog.String("kind", string(sub.Kind)),
		slog.String("sender", sub.Sender),
		slog.Int("attempts", sub.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, sub *Submission, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeSubmissionProcessing
	}
	rejected := escrow.IsTerminal(execErr) || code == CodeSubmissionValidation
	retryable := !rejected && xerrors.RetryableError(execErr)
	terminal := rejected || !retryable || sub.Attempts >= sub.MaxRetries

	if storeErr := p.store.MarkFailed(ctx, sub.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记交易失败状态出错", slog.Any("error", storeErr), slog.String("submission_id", sub.ID))
		p.emitAlert(ctx, sub, xerrors.CodeStorageFailure, storeErr, "record_failure")
		return storeErr
	}

	status := StatusFailed
	if terminal {
		status = StatusRejected
	}
	metrics.ObserveSubmission(string(sub.Kind), string(status))
	logger.Audit().Warn("交易执行失败",
		slog.String("submission_id", sub.ID),
		slog.String("kind", string(sub.Kind)),
		slog.String("sender", sub.Sender),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", sub.Attempts),
		slog.Int("max_retries", sub.MaxRetries),
	)

	switch {
	case terminal && !rejected && retryable:
		p.emitAlert(ctx, sub, CodeSubmissionExhausted, execErr, "execute")
	case terminal && xerrors.ShouldAlert(execErr):
		p.emitAlert(ctx, sub, code, execErr, "execute")
	}

	if !terminal {
		if p.producer == nil {
			return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易生产者")
		}
		if pubErr := p.producer.Publish(ctx, sub.ID); pubErr != nil {
			p.emitAlert(ctx, sub, CodeSubmissionPublish, pubErr, "requeue")
			return xerrors.Wrap(CodeSubmissionPublish, pubErr, fmt.Sprintf("交易 %s 重投失败", sub.ID))
		}
		p.logDebug("交易已重新排队", slog.String("submission_id", sub.ID), slog.Int("attempts", sub.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, sub *Submission, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || sub == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{}
	if cause != nil {
		message = cause.Error()
		if causeCode := xerrors.CodeOf(cause); causeCode != code && causeCode != xerrors.CodeUnknown {
			metadata["cause_code"] = string(causeCode)
		}
	}
	event := alerting.Event{
		Code:         code,
		Message:      message,
		Severity:     attrs.Severity,
		Stage:        stage,
		SubmissionID: sub.ID,
		Kind:         string(sub.Kind),
		Sender:       sub.Sender,
		Attempts:     sub.Attempts,
		MaxRetries:   sub.MaxRetries,
		Metadata:     metadata,
		OccurredAt:   time.Now().UTC(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("submission_id", sub.ID),
			slog.String("stage", stage),
		)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
