package errors

import (
	stdErrors "errors"
	"fmt"
)

// Code 表示插件宿主内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于审计日志。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInvalidManifest       Code = "INVALID_MANIFEST"
	CodeCapabilityUnavailable Code = "CAPABILITY_UNAVAILABLE"
	CodeHostState             Code = "HOST_STATE"
	CodeIncompatibleEngine    Code = "INCOMPATIBLE_ENGINE"
	CodeLoadFailure           Code = "LOAD_FAILURE"
	CodeSignatureRejected     Code = "SIGNATURE_REJECTED"
	CodeSigningFailure        Code = "SIGNING_FAILURE"
	CodeKeyNotFound           Code = "KEY_NOT_FOUND"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodePublishFailure        Code = "PUBLISH_FAILURE"
)

// attributes 在编译期固定，运行期只读。
var attributes = map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeInvalidManifest:       {Message: "invalid manifest", Severity: SeverityInfo},
	CodeCapabilityUnavailable: {Message: "capability unavailable", Severity: SeverityWarning},
	CodeHostState:             {Message: "invalid host state", Severity: SeverityWarning},
	CodeIncompatibleEngine:    {Message: "incompatible engine", Severity: SeverityInfo},
	CodeLoadFailure:           {Message: "plugin load failed", Severity: SeverityWarning, Retryable: true},
	CodeSignatureRejected:     {Message: "plugin signature rejected", Severity: SeverityCritical},
	CodeSigningFailure:        {Message: "signing failed", Severity: SeverityWarning},
	CodeKeyNotFound:           {Message: "key not found", Severity: SeverityInfo},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true},
	CodePublishFailure:        {Message: "event publish failed", Severity: SeverityWarning, Retryable: true},
}

// AttributesOf 返回错误码对应的属性。若未登记则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	if attr, ok := attributes[code]; ok {
		return attr
	}
	return attributes[CodeUnknown]
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
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
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

// Newf 使用格式化信息创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
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
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不带错误码前缀的错误信息。
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

// HasCode 判断错误链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
