package command

import (
	stdErrors "errors"

	xerrors "OpenOrch/internal/errors"
	"OpenOrch/pkg/plugin"
)

// Status 表示命令在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存一次命令执行的结果。
type ExecutionResult struct {
	Plugin      string         `json:"plugin,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	ElapsedMs   int64          `json:"elapsed_ms,omitempty"`
}

// Command 描述了排队执行的插件能力调用。
type Command struct {
	ID         string            `json:"id"`
	Capability string            `json:"capability"`
	Target     string            `json:"target,omitempty"`
	Args       map[string]any    `json:"args,omitempty"`
	Caller     plugin.Caller     `json:"caller,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *ExecutionResult  `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

var (
	// ErrCommandNotFound 表示指定的命令不存在。
	ErrCommandNotFound = xerrors.New(CodeCommandNotFound, "command not found")
	// ErrCommandConflict 表示命令在当前状态下无法进行所请求的操作。
	ErrCommandConflict = xerrors.New(CodeCommandConflict, "command conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrCommandCompleted 表示命令已经成功完成。
	ErrCommandCompleted = xerrors.New(CodeCommandCompleted, "command already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrCommandExhausted 表示命令的重试次数已经耗尽。
	ErrCommandExhausted = xerrors.New(CodeCommandExhausted, "command retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeCommandNotFound   xerrors.Code = "COMMAND_NOT_FOUND"
	CodeCommandConflict   xerrors.Code = "COMMAND_CONFLICT"
	CodeCommandCompleted  xerrors.Code = "COMMAND_COMPLETED"
	CodeCommandExhausted  xerrors.Code = "COMMAND_RETRIES_EXHAUSTED"
	CodeCommandValidation xerrors.Code = "COMMAND_VALIDATION_FAILED"
	CodeCommandPublish    xerrors.Code = "COMMAND_PUBLISH_FAILED"
	CodeCommandProcessing xerrors.Code = "COMMAND_PROCESSING_FAILED"
	CodeCommandCompensate xerrors.Code = "COMMAND_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeCommandNotFound, xerrors.Attributes{
		Message:   "command not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCommandConflict, xerrors.Attributes{
		Message:   "command conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCommandCompleted, xerrors.Attributes{
		Message:   "command already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCommandExhausted, xerrors.Attributes{
		Message:   "command retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeCommandValidation, xerrors.Attributes{
		Message:   "command validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCommandPublish, xerrors.Attributes{
		Message:   "failed to publish command",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeCommandProcessing, xerrors.Attributes{
		Message:   "command execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeCommandCompensate, xerrors.Attributes{
		Message:   "command compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsCommandError 判断错误是否为统一命令错误。
func IsCommandError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrCommandNotFound) {
		return target == CodeCommandNotFound
	}
	if stdErrors.Is(err, ErrCommandConflict) {
		return target == CodeCommandConflict
	}
	if stdErrors.Is(err, ErrCommandCompleted) {
		return target == CodeCommandCompleted
	}
	if stdErrors.Is(err, ErrCommandExhausted) {
		return target == CodeCommandExhausted
	}
	return false
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	cloned := make(map[string]any, len(args))
	for key, value := range args {
		cloned[key] = value
	}
	return cloned
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// IsValidStatus 检查给定的命令状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
