package main

import (
	"context"
	stdErrors "errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"VaultOps/internal/api"
	"VaultOps/internal/app"
	"VaultOps/internal/auth"
	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/observability/alerting"
	"VaultOps/internal/observability/metrics"
	storemysql "VaultOps/internal/storage/mysql"
	"VaultOps/internal/task"
	"VaultOps/pkg/logger"
)

// main 是 VaultOps 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 VAULTOPS_CONFIG 或 configs/vaultops.json")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, resolveConfigPath(*configPath)); err != nil {
		if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
			log.Fatalf("vaultopsd 运行失败: [%s] %v", code, err)
		}
		log.Fatalf("vaultopsd 运行失败: %v", err)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("VAULTOPS_CONFIG"); env != "" {
		return env
	}
	return filepath.Join("configs", "vaultops.json")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("vaultopsd")

	shutdownTracing, err := metrics.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			lg.Warn("关闭链路追踪失败", slog.Any("error", err))
		}
	}()

	rt, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	registry, err := rt.Operations(ctx)
	if err != nil {
		return err
	}

	store, err := openTaskStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	queue, err := openTaskQueue(ctx, cfg.TaskQueue)
	if err != nil {
		_ = store.Close()
		return err
	}
	jobs := task.NewService(store, queue, registry, cfg.Storage.TaskStore.Retries)
	defer func() {
		if err := jobs.Close(); err != nil {
			lg.Warn("关闭作业服务失败", slog.Any("error", err))
		}
	}()

	processor := task.NewProcessor(registry, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithAlertDispatcher(alerting.FromConfig(cfg.Alerting)),
		task.WithObserver(rt.Metrics),
	)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	if !authSvc.Enabled() {
		lg.Warn("API 认证未启用，所有请求以匿名管理员身份处理")
	}

	server := api.NewServer(cfg.Server.Address, jobs, registry, authSvc,
		api.WithMetrics(rt.Metrics, rt.Metrics.Handler()))

	lg.Info("vaultopsd 启动",
		slog.String("network", rt.Network.String()),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("store", cfg.Storage.TaskStore.Driver),
		slog.Int("workers", cfg.TaskQueue.Workers),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(groupCtx) })
	group.Go(func() error { return processor.Start(groupCtx) })
	if cfg.Server.MetricsAddress != "" {
		group.Go(func() error { return rt.Metrics.StartServer(groupCtx, cfg.Server.MetricsAddress) })
	}

	if err := group.Wait(); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("vaultopsd 已停止")
	return nil
}

func openTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, storemysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的作业存储驱动: %s", cfg.Driver))
	}
}

func openTaskQueue(ctx context.Context, cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq":
		return task.NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.Driver))
	}
}
