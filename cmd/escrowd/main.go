package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"OpenMCP-Escrow/internal/api"
	"OpenMCP-Escrow/internal/auth"
	"OpenMCP-Escrow/internal/config"
	"OpenMCP-Escrow/internal/enclave"
	"OpenMCP-Escrow/internal/escrow"
	"OpenMCP-Escrow/internal/observability/alerting"
	"OpenMCP-Escrow/internal/observability/metrics"
	"OpenMCP-Escrow/internal/settlement"
	storagemysql "OpenMCP-Escrow/internal/storage/mysql"
	"OpenMCP-Escrow/internal/submission"
	"OpenMCP-Escrow/pkg/logger"
)

// main 是托管守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("escrowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	escrowStore, submissionStore, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer escrowStore.Close()
	defer submissionStore.Close()

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Error("关闭交易队列失败", slog.Any("error", err))
		}
	}()

	defs, err := enclave.LoadDefinitions(cfg.Enclave.DefinitionsPath)
	if err != nil {
		return err
	}
	enclaves, err := enclave.NewRegistry(defs, cfg.Enclave.Default)
	if err != nil {
		return err
	}

	policy, err := settlement.ParsePolicy(cfg.Settlement.Policy, *cfg.Settlement.ScoreThreshold, cfg.Settlement.RewardAmount)
	if err != nil {
		return err
	}
	engine, err := settlement.NewEngine(escrowStore, enclaves,
		settlement.WithPolicy(policy),
		settlement.WithLogger(logger.Named("settlement")),
	)
	if err != nil {
		return err
	}
	logger.L().Info("结算引擎已就绪",
		slog.String("policy", policy.Name()),
		slog.Any("enclaves", enclaves.IDs()),
		slog.String("default_enclave", enclaves.DefaultID()),
	)

	events := make(chan escrow.Event, 256)
	sub := engine.SubscribeEvents(events)
	defer sub.Unsubscribe()
	go logEvents(ctx, events, sub.Err())

	svc := submission.NewService(submissionStore, queue, cfg.Queue.MaxRetries)
	processorOpts := []submission.ProcessorOption{
		submission.WithWorkerCount(cfg.Queue.Workers),
		submission.WithProcessorLogger(logger.Named("processor")),
	}
	if cfg.Alerting.Enabled {
		notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
		if cfg.Alerting.WebhookURL != "" {
			notifiers = append(notifiers, &alerting.WebhookNotifier{
				URL:    cfg.Alerting.WebhookURL,
				Client: &http.Client{Timeout: cfg.Alerting.Timeout()},
			})
		}
		dispatcher := alerting.NewFanout(notifiers...)
		processorOpts = append(processorOpts, submission.WithAlertDispatcher(dispatcher))
		logger.L().Info("交易告警已启用", slog.Any("channels", dispatcher.Channels()))
	}
	processor := submission.NewProcessor(submission.NewSettlementExecutor(engine), submissionStore, queue, queue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("交易处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	tokens := make([]auth.Token, 0, len(cfg.Auth.Tokens))
	for _, tok := range cfg.Auth.Tokens {
		tokens = append(tokens, auth.Token{Name: tok.Name, Secret: tok.ResolveSecret(), Permissions: tok.Permissions})
	}
	authService, err := auth.NewService(auth.Mode(cfg.Auth.Mode), tokens)
	if err != nil {
		return err
	}
	if cfg.Ledger.AllowMint && authService.Mode() == auth.ModeDisabled {
		logger.L().Warn("开发水龙头已开启且未启用认证，任何人都可以给账户发币")
	}
	server := api.NewServer(cfg.Server.Address, svc, engine,
		api.WithMint(cfg.Ledger.AllowMint),
		api.WithMintGuard(authService.Middleware(auth.PermissionMint)),
		api.WithTimeouts(cfg.Server.ReadTimeout(), cfg.Server.WriteTimeout(), cfg.Server.ShutdownGrace()),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (escrow.Store, submission.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return escrow.NewMemoryStore(), submission.NewMemoryStore(), nil
	case "mysql":
		dbCfg := storagemysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		}
		escrowStore, err := escrow.NewMySQLStore(ctx, dbCfg)
		if err != nil {
			return nil, nil, err
		}
		submissionStore, err := submission.NewMySQLStore(ctx, dbCfg)
		if err != nil {
			escrowStore.Close()
			return nil, nil, err
		}
		return escrowStore, submissionStore, nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (submission.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return submission.NewMemoryQueue(cfg.Queue.BufferSize), nil
	case "redis":
		return submission.NewRedisQueue(ctx, submission.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return submission.NewRabbitMQQueue(submission.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// logEvents 把已提交的事件写入审计日志。
func logEvents(ctx context.Context, events <-chan escrow.Event, errs <-chan error) {
	audit := logger.Audit()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				logger.L().Error("事件订阅中断", slog.Any("error", err))
			}
			return
		case evt := <-events:
			audit.Info("托管事件",
				slog.Uint64("seq", evt.Seq),
				slog.String("type", string(evt.Type)),
				slog.String("agent_id", evt.AgentID),
				slog.String("actor", evt.Actor.Hex()),
				slog.Uint64("amount", evt.Amount),
			)
		}
	}
}
