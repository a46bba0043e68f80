package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
	"VaultOps/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const defaultRedisQueue = "vaultops:jobs"

// RedisQueue 使用 Redis list 实现作业队列，LPUSH 投递、BRPOP 消费。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例并检查连通性。
func NewRedisQueue(ctx context.Context, cfg config.RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 复用已有客户端。
func NewRedisQueueWithClient(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = defaultRedisQueue
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, log: logger.Named("task.queue.redis")}
}

// Publish 将作业投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布作业失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取作业；处理失败时放回队尾等待重试。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					switch {
					case errors.Is(err, redis.Nil):
						continue
					case ctx.Err() != nil:
						return
					case errors.Is(err, redis.ErrClosed):
						fail(xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 连接已关闭"))
						return
					default:
						fail(xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取作业失败"))
						return
					}
				}
				if len(values) != 2 {
					continue
				}
				jobID := values[1]
				if handlerErr := handler(ctx, jobID); handlerErr != nil {
					q.log.Warn("作业处理失败，重新入队", slog.String("job_id", jobID), slog.Any("error", handlerErr))
					if err := q.client.RPush(context.WithoutCancel(ctx), q.queue, jobID).Err(); err != nil {
						q.log.Error("作业重新入队失败", slog.String("job_id", jobID), slog.Any("error", err))
					}
				}
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
