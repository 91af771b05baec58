package errors

import "sync"

// Code 是全系统统一的错误码。各子系统在 init 阶段可以追加自己的码表。
type Code string

// Severity 描述错误的严重程度，供告警与审计通道分级使用。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// 插件子系统错误码。
	CodeManifestInvalid    Code = "MANIFEST_INVALID"
	CodeCapabilityNotFound Code = "CAPABILITY_NOT_FOUND"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeQueueFull          Code = "QUEUE_FULL"
	CodePluginFailure      Code = "PLUGIN_FAILURE"
)

// Attributes 描述一个错误码的默认行为：对外文案、严重程度、是否可重试、
// 是否需要推送告警。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeAlreadyCompleted:      {Message: "resource already completed", Severity: SeverityInfo},
		CodeRetriesExhausted:      {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
		CodeInitializationFailure: {Message: "component not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeExecutorFailure:       {Message: "executor failure", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeManifestInvalid:       {Message: "plugin manifest invalid", Severity: SeverityWarning},
		CodeCapabilityNotFound:    {Message: "capability not found", Severity: SeverityInfo},
		CodePermissionDenied:      {Message: "permission denied", Severity: SeverityWarning},
		CodeQueueFull:             {Message: "execution queue full", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodePluginFailure:         {Message: "plugin failure", Severity: SeverityWarning, Alert: true},
	}
)

// Register 在码表中登记或覆盖一个错误码。业务包通常在 init 中调用。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码的属性，未登记的码退回 UNKNOWN 的默认属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
