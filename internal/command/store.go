package command

import (
	"context"

	xerrors "OpenOrch/internal/errors"
)

// Store 定义命令日志的持久化接口。
type Store interface {
	// Create 创建新的命令记录，ID 冲突时返回 ErrCommandConflict。
	Create(ctx context.Context, cmd *Command) error
	// Get 返回指定命令，不存在时返回 ErrCommandNotFound。
	Get(ctx context.Context, id string) (*Command, error)
	// Claim 将命令标记为运行中并累加尝试次数。命令已完成、正在运行
	// 或重试耗尽时返回对应的哨兵错误以及当前快照。
	Claim(ctx context.Context, id string) (*Command, error)
	// MarkSucceeded 记录成功结果并清除错误信息。
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败原因与错误码。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// List 返回符合过滤条件的命令列表。
	List(ctx context.Context, opts ListOptions) ([]*Command, error)
	// Stats 返回符合过滤条件的命令统计信息。
	Stats(ctx context.Context, opts ListOptions) (CommandStats, error)
	// Close 释放底层资源。
	Close() error
}
