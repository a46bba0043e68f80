package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"VaultOps/internal/auth"
	xerrors "VaultOps/internal/errors"
	"VaultOps/pkg/logger"
)

// OperationChecker 判断操作是否已注册，*ops.Registry 满足该接口。
type OperationChecker interface {
	Has(name string) bool
	Network() string
}

// Request 描述一次作业提交。
type Request struct {
	ID         string         `json:"id,omitempty"`
	Operation  string         `json:"operation"`
	Params     map[string]any `json:"params,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// Service 负责作业的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	operations OperationChecker
	maxRetries int
}

// NewService 构造作业服务。
func NewService(store Store, producer Producer, operations OperationChecker, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, operations: operations, maxRetries: maxRetries}
}

// Submit 创建作业并推送到队列。相同 ID 的重复提交返回已有作业。
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	operation := strings.TrimSpace(req.Operation)
	if operation == "" {
		return nil, xerrors.New(CodeTaskValidation, "operation 不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	if s.operations != nil && !s.operations.Has(operation) {
		return nil, xerrors.New(CodeTaskValidation, fmt.Sprintf("未知操作 %q", operation))
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		task, err := s.store.Get(ctx, jobID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}
	var network string
	if s.operations != nil {
		network = s.operations.Network()
	}

	task := &Task{
		ID:         jobID,
		Operation:  operation,
		Network:    network,
		Params:     cloneParams(req.Params),
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布作业到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("作业入队成功",
		slog.String("job_id", jobID),
		slog.String("actor", auth.Actor(ctx)),
		slog.String("operation", operation),
		slog.String("network", network),
		slog.Int("max_retries", maxRetries),
	)
	return task, nil
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的作业统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询作业直到成功或不可再重试的失败。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
