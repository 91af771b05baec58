package command

import "context"

// RecoveryHandler 定义了在命令执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 依据失败原因尝试产出降级结果。
	// 返回的 ExecutionResult 会作为降级结果写回命令；返回 nil 表示放弃补偿，走失败流程。
	Recover(ctx context.Context, cmd *Command, cause error) (*ExecutionResult, error)
}

// RecoveryFunc 将普通函数适配为 RecoveryHandler。
type RecoveryFunc func(ctx context.Context, cmd *Command, cause error) (*ExecutionResult, error)

// Recover 实现 RecoveryHandler。
func (f RecoveryFunc) Recover(ctx context.Context, cmd *Command, cause error) (*ExecutionResult, error) {
	return f(ctx, cmd, cause)
}
