package command

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue 是基于 channel 的进程内队列，面向单机部署与测试场景。
type MemoryQueue struct {
	ids    chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ids: make(chan string, size)}
}

// Publish 投递命令 ID，队列满时阻塞直到出现空位或 ctx 取消。
func (q *MemoryQueue) Publish(ctx context.Context, commandID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("命令队列已关闭")
	}
	select {
	case q.ids <- commandID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 启动 workerCount 个协程消费队列，阻塞到 ctx 取消为止。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			q.drain(ctx, handler)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case commandID, ok := <-q.ids:
			if !ok {
				return
			}
			_ = handler(ctx, commandID)
		}
	}
}

// Close 关闭队列，此后的 Publish 直接报错。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ids)
		q.closed = true
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
