package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 表示插件宿主内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于审计日志分级。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeAccessDenied          Code = "ACCESS_DENIED"
	CodeValidationFailed      Code = "VALIDATION_FAILED"
	CodeDependencyMissing     Code = "DEPENDENCY_MISSING"
	CodeDependencyMismatch    Code = "DEPENDENCY_VERSION_MISMATCH"
	CodeDependencyCycle       Code = "DEPENDENCY_CYCLE"
	CodeCapabilityDenied      Code = "CAPABILITY_DENIED"
	CodePluginRuntimeFailure  Code = "PLUGIN_RUNTIME_FAILURE"
	CodePluginNotFound        Code = "PLUGIN_NOT_FOUND"
	CodePluginUninstalled     Code = "PLUGIN_UNINSTALLED"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	HTTPStatus int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, HTTPStatus: http.StatusInternalServerError},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeUnauthorized:          {Message: "unauthorized", Severity: SeverityWarning, HTTPStatus: http.StatusUnauthorized},
		CodeAccessDenied:          {Message: "access denied", Severity: SeverityWarning, HTTPStatus: http.StatusForbidden},
		CodeValidationFailed:      {Message: "plugin metadata invalid", Severity: SeverityInfo, HTTPStatus: http.StatusUnprocessableEntity},
		CodeDependencyMissing:     {Message: "plugin dependency missing", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeDependencyMismatch:    {Message: "plugin dependency version mismatch", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeDependencyCycle:       {Message: "cyclic plugin dependency", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeCapabilityDenied:      {Message: "plugin capability not permitted", Severity: SeverityWarning, HTTPStatus: http.StatusForbidden},
		CodePluginRuntimeFailure:  {Message: "plugin entry point failed", Severity: SeverityWarning, HTTPStatus: http.StatusUnprocessableEntity},
		CodePluginNotFound:        {Message: "plugin not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodePluginUninstalled:     {Message: "plugin uninstalled", Severity: SeverityInfo, HTTPStatus: http.StatusGone},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, HTTPStatus: http.StatusServiceUnavailable},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// HTTPStatus 返回错误码映射的 HTTP 状态码。
func HTTPStatus(code Code) int {
	if status := AttributesOf(code).HTTPStatus; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	return ok && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
