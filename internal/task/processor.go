package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/observability/alerting"
	"VaultOps/internal/observability/metrics"
	"VaultOps/internal/ops"
	"VaultOps/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
)

// Executor 执行一个具名运维操作，*ops.Registry 满足该接口。
type Executor interface {
	Execute(ctx context.Context, name string, params ops.Params) (ops.Result, error)
}

// Observer 接收作业执行结果，用于指标采集。
type Observer interface {
	ObserveJob(operation, status string, duration time.Duration)
}

// Processor 负责从队列消费作业并交给操作注册表执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    Observer
	now         func() time.Time
	requeues    sync.WaitGroup
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
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

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithObserver 配置作业指标观察者。
func WithObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
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
		logger:      logger.Named("task.processor"),
		now:         time.Now,
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

// Start 启动作业处理循环，直到 ctx 结束或消费者返回错误。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	err := p.consumer.Consume(ctx, p.workerCount, p.handle)
	// 所有工作协程已退出，此后不会再有新的重投。
	p.requeues.Wait()
	return err
}

// handle 只在基础设施失败时返回错误，操作本身的失败记录在存储中。
func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	ctx, span := metrics.StartSpan(ctx, "job.handle", attribute.String("job.id", jobID))
	defer span.End()

	task, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Task{ID: jobID}, CodeTaskProcessing, err, "claim")
		return err
	}

	started := p.now()
	result, execErr := p.executor.Execute(ctx, task.Operation, ops.Params(cloneParams(task.Params)))
	if execErr != nil {
		p.observe(task.Operation, string(StatusFailed), started)
		return p.handleExecutionFailure(ctx, task, execErr)
	}
	p.observe(task.Operation, string(StatusSucceeded), started)

	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		// 链上操作已经完成，不能重投，否则交易会被重复发送。
		p.logger.Error("记录作业成功状态失败", slog.Any("error", err), slog.String("job_id", task.ID))
		p.emitAlert(ctx, task, xerrors.CodeStorageFailure, err, "record")
		return nil
	}
	logger.Audit().Info("作业执行成功",
		slog.String("job_id", task.ID),
		slog.String("operation", task.Operation),
		slog.String("network", task.Network),
		slog.Int("tx_count", len(result.TxHashes)),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记作业失败状态出错", slog.Any("error", storeErr), slog.String("job_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", task.ID),
		slog.String("operation", task.Operation),
		slog.String("network", task.Network),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	switch {
	case terminal && retryable:
		p.emitAlert(ctx, task, code, execErr, "exhausted")
	case terminal:
		p.emitAlert(ctx, task, code, execErr, "terminal")
	case xerrors.ShouldAlert(execErr):
		p.emitAlert(ctx, task, code, execErr, "retry")
	}

	if !terminal {
		p.requeue(ctx, task)
	}
	return nil
}

// requeue 在独立协程中重投作业，工作协程不会因队列已满而阻塞在自身的消费路径上。
func (p *Processor) requeue(ctx context.Context, task *Task) {
	if p.producer == nil {
		p.emitAlert(ctx, task, CodeTaskPublish, xerrors.New(CodeTaskPublish, "未配置作业生产者"), "requeue")
		return
	}
	p.requeues.Add(1)
	go func() {
		defer p.requeues.Done()
		if err := p.producer.Publish(ctx, task.ID); err != nil {
			wrapped := xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("作业 %s 重投失败", task.ID))
			p.logger.Error("作业重投失败", slog.Any("error", wrapped), slog.String("job_id", task.ID))
			p.emitAlert(ctx, task, CodeTaskPublish, wrapped, "requeue")
			return
		}
		p.logger.Debug("作业已重新排队", slog.String("job_id", task.ID), slog.Int("attempts", task.Attempts))
	}()
}

func (p *Processor) observe(operation, status string, started time.Time) {
	if p.observer != nil {
		p.observer.ObserveJob(operation, status, p.now().Sub(started))
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	severity := attrs.Severity
	if _, ok := xerrors.From(cause); ok {
		severity = xerrors.SeverityOf(cause)
	}
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   severity,
		JobID:      task.ID,
		Operation:  task.Operation,
		Network:    task.Network,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
