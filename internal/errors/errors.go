package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

// Error 是带错误码的统一错误类型。码表提供默认的严重程度、可重试与告警
// 行为，单个实例可以用 Option 覆盖。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// New 创建一个错误。message 为空时使用码表中的默认文案。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外套上错误码，原始错误保留在链上。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("[%s] %s", e.code, e.message)
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap 暴露原始错误给 errors.Is / errors.As。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码判定两个 *Error 是否等价。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	other, ok := target.(*Error)
	return ok && e.code == other.code
}

// Code 返回结构化错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回对外文案。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回排障上下文的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Retryable 返回实例覆盖值，否则落回码表默认值。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 返回实例覆盖值，否则落回码表默认值。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回实例覆盖值，否则落回码表默认值。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Option 在构造时调整单个错误实例的行为。
type Option func(*Error)

// WithMetadata 附加一对排障上下文。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖码表中的可重试标记。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 覆盖码表中的告警标记。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖码表中的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// From 从任意 error 链上提取 *Error。
func From(err error) (*Error, bool) {
	var e *Error
	if err != nil && stdErrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf 返回任意 error 的错误码，非统一错误按 UNKNOWN 处理。
func CodeOf(err error) Code {
	e, ok := From(err)
	if !ok {
		return CodeUnknown
	}
	return e.Code()
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断任意 error 是否需要触发告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回任意 error 的严重程度。
func SeverityOf(err error) Severity {
	e, ok := From(err)
	if !ok {
		return AttributesOf(CodeUnknown).Severity
	}
	return e.Severity()
}
