package task

import (
	"context"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/ops"
)

// Store 抽象了作业状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 原子地把 pending 或可重试的 failed 作业置为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ops.Result) error
	// MarkFailed 记录失败；terminal 为 true 时把重试上限收紧到当前尝试次数，之后不再被领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
