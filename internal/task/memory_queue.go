package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "VaultOps/internal/errors"
	"VaultOps/pkg/logger"
)

// MemoryQueue 使用 channel 模拟消息队列，适用于单进程部署与测试。
type MemoryQueue struct {
	ch      chan string
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup
	log     *slog.Logger
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
		log:  logger.Named("task.queue.memory"),
	}
}

// Publish 将作业投递到队列。缓冲区满时阻塞，直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	select {
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeQueueFailure, ctx.Err(), "投递作业被取消")
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case q.ch <- jobID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的作业，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, jobID); err != nil {
						// 内存队列不重投，作业状态保留在存储中。
						q.log.Warn("作业处理失败", slog.String("job_id", jobID), slog.Any("error", err))
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，消费协程在取完剩余作业后退出。
// 阻塞中的 Publish 会立即返回错误，所有发送方退出后才关闭 channel。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.senders.Wait()
	close(q.ch)
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
