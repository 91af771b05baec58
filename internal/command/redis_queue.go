package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisQueue     = "openorch:commands"
	defaultRedisBlockWait = 5 * time.Second
)

// RedisQueueConfig 汇总 Redis 队列所需的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 用 Redis list 承载命令 ID：LPush 投递、BRPop 消费，
// 处理失败的 ID 会被放回队尾。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 建立连接并用 ping 验证可达性。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis 地址未配置")
	}
	q := &RedisQueue{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		queue: cfg.Queue,
		wait:  cfg.BlockWait,
	}
	if q.queue == "" {
		q.queue = defaultRedisQueue
	}
	if q.wait <= 0 {
		q.wait = defaultRedisBlockWait
	}
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("Redis 连通性检查失败: %w", err)
	}
	return q, nil
}

// Publish 把命令 ID 推到队尾。
func (q *RedisQueue) Publish(ctx context.Context, commandID string) error {
	if err := q.client.LPush(ctx, q.queue, commandID).Err(); err != nil {
		return fmt.Errorf("Redis 发布命令失败: %w", err)
	}
	return nil
}

// Consume 启动 workerCount 个协程，通过 BRPop 轮询队列。
// 任一协程遇到不可恢复错误时整体返回。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			errCh <- q.consumeLoop(ctx, handler)
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) consumeLoop(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, redis.ErrClosed):
			return err
		default:
			return fmt.Errorf("Redis 取命令失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		commandID := values[1]
		if handlerErr := handler(ctx, commandID); handlerErr != nil {
			// 失败的命令放回队尾等待重试。
			_ = q.client.RPush(ctx, q.queue, commandID).Err()
		}
	}
}

// Close 断开与 Redis 的连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
