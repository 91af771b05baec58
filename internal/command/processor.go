package command

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "OpenOrch/internal/errors"
	"OpenOrch/internal/observability/alerting"
	"OpenOrch/pkg/logger"
)

// Executor 定义了处理器所需的命令执行能力，由插件宿主的派发器适配实现。
type Executor interface {
	Execute(ctx context.Context, cmd *Command) (*ExecutionResult, error)
}

// Processor 从队列领取命令，调用执行器并把结果回写到存储。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 以函数式选项微调 Processor。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志的输出目标。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置并发消费的 worker 数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 注入不可重试失败的补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 注入告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 组装命令处理器。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{executor: executor, store: store, consumer: consumer, producer: producer}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount < 1 {
		p.workerCount = 1
	}
	return p
}

// Start 阻塞消费队列，直到 ctx 取消或消费者退出。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置命令消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, commandID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器缺少存储或执行器")
	}
	cmd, err := p.claim(ctx, commandID)
	if err != nil || cmd == nil {
		return err
	}

	started := time.Now()
	result, execErr := p.executor.Execute(ctx, cmd)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, cmd, execErr)
	}
	return p.recordSuccess(ctx, cmd, result, started)
}

// claim 领取命令。已完成、不存在或重试耗尽的命令返回 (nil, nil)，直接跳过。
func (p *Processor) claim(ctx context.Context, commandID string) (*Command, error) {
	cmd, err := p.store.Claim(ctx, commandID)
	if err == nil {
		return cmd, nil
	}
	if stdErrors.Is(err, ErrCommandNotFound) || stdErrors.Is(err, ErrCommandCompleted) || stdErrors.Is(err, ErrCommandExhausted) {
		p.logDebug("命令无需处理", slog.String("command_id", commandID), slog.String("reason", err.Error()))
		return nil, nil
	}
	logger.L().Error("领取命令失败", slog.Any("error", err), slog.String("command_id", commandID))
	p.emitAlert(ctx, &Command{ID: commandID}, CodeCommandProcessing, err, "claim")
	return nil, err
}

func (p *Processor) recordSuccess(ctx context.Context, cmd *Command, result *ExecutionResult, started time.Time) error {
	var record ExecutionResult
	if result != nil {
		record = *result
	}
	if record.ElapsedMs == 0 {
		record.ElapsedMs = time.Since(started).Milliseconds()
	}
	if err := p.store.MarkSucceeded(ctx, cmd.ID, record); err != nil {
		logger.L().Error("标记命令成功状态失败", slog.Any("error", err), slog.String("command_id", cmd.ID))
		if requeueErr := p.requeueAfterStoreFailure(ctx, cmd, CodeCommandProcessing, err); requeueErr != nil {
			return requeueErr
		}
		logger.Audit().Warn("成功结果落库失败，命令已重投",
			slog.String("command_id", cmd.ID),
			slog.String("capability", cmd.Capability),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Audit().Info("命令执行成功",
		slog.String("command_id", cmd.ID),
		slog.String("capability", cmd.Capability),
		slog.String("plugin", record.Plugin),
		slog.Int64("elapsed_ms", record.ElapsedMs),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, cmd *Command, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeCommandProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := cmd.Attempts >= cmd.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if handled, err := p.tryCompensate(ctx, cmd, code, execErr); handled || err != nil {
			return err
		}
	}

	if storeErr := p.store.MarkFailed(ctx, cmd.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记命令失败状态出错", slog.Any("error", storeErr), slog.String("command_id", cmd.ID))
		return storeErr
	}
	logger.Audit().Warn("命令执行失败",
		slog.String("command_id", cmd.ID),
		slog.String("capability", cmd.Capability),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", cmd.Attempts),
		slog.Int("max_retries", cmd.MaxRetries),
	)
	p.emitAlert(ctx, cmd, code, execErr, failureStage(retryable, terminal))

	if terminal {
		return nil
	}
	// 仍有剩余重试额度，重新投递等待下一轮消费。
	if pubErr := p.producer.Publish(ctx, cmd.ID); pubErr != nil {
		return xerrors.Wrap(CodeCommandPublish, pubErr, fmt.Sprintf("命令 %s 重投失败", cmd.ID))
	}
	p.logDebug("命令已重新排队", slog.String("command_id", cmd.ID), slog.Int("attempts", cmd.Attempts))
	return nil
}

// tryCompensate 调用补偿策略生成降级结果。返回 true 表示命令已降级收尾，
// 调用方不再走失败落库流程。
func (p *Processor) tryCompensate(ctx context.Context, cmd *Command, code xerrors.Code, execErr error) (bool, error) {
	fallback, recErr := p.recovery.Recover(ctx, cmd, execErr)
	if recErr != nil {
		wrapped := xerrors.Wrap(CodeCommandCompensate, recErr, "命令补偿失败")
		logger.L().Error("补偿策略执行失败",
			slog.Any("error", wrapped),
			slog.String("command_id", cmd.ID))
		p.emitAlert(ctx, cmd, CodeCommandCompensate, wrapped, "compensate")
		return false, nil
	}
	if fallback == nil {
		return false, nil
	}
	if fallback.Output == nil {
		fallback.Output = map[string]any{"degraded": execErr.Error()}
	}
	if err := p.store.MarkSucceeded(ctx, cmd.ID, *fallback); err != nil {
		logger.L().Error("写入降级结果失败", slog.Any("error", err), slog.String("command_id", cmd.ID))
		return true, p.requeueAfterStoreFailure(ctx, cmd, code, err)
	}
	logger.Audit().Warn("命令降级完成",
		slog.String("command_id", cmd.ID),
		slog.String("capability", cmd.Capability),
		slog.String("plugin", fallback.Plugin),
	)
	p.emitAlert(ctx, cmd, code, execErr, "degraded")
	return true, nil
}

// requeueAfterStoreFailure 在结果落库失败后把命令恢复为可重试的失败态并重新
// 投递，下一次消费会重做整个执行。
func (p *Processor) requeueAfterStoreFailure(ctx context.Context, cmd *Command, code xerrors.Code, cause error) error {
	if storeErr := p.store.MarkFailed(ctx, cmd.ID, code, cause.Error(), false); storeErr != nil {
		logger.L().Error("标记重试状态失败", slog.Any("error", storeErr), slog.String("command_id", cmd.ID))
		return storeErr
	}
	if pubErr := p.producer.Publish(ctx, cmd.ID); pubErr != nil {
		return xerrors.Wrap(CodeCommandPublish, pubErr, fmt.Sprintf("命令 %s 重投失败", cmd.ID))
	}
	return nil
}

func failureStage(retryable, terminal bool) string {
	switch {
	case terminal:
		return "terminal"
	case !retryable:
		return "non_retryable"
	default:
		return "retry"
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	p.logger.Debug(msg, args...)
}

func (p *Processor) emitAlert(ctx context.Context, cmd *Command, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || cmd == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage":       stage,
		"attempts":    strconv.Itoa(cmd.Attempts),
		"max_retries": strconv.Itoa(cmd.MaxRetries),
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		Capability:  cmd.Capability,
		ExecutionID: cmd.ID,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if cmd.Result != nil {
		event.Plugin = cmd.Result.Plugin
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警投递失败",
			slog.Any("error", err),
			slog.String("command_id", cmd.ID),
			slog.String("stage", stage),
		)
	}
}
