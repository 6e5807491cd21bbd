package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Code 是跨包共享的错误码，各包在 init 中登记自己的错误码。
type Code string

// Severity 决定错误进入审计日志与告警时的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的缺省行为。Retryable 的错误会让任务稍后重新认领，Alert 的错误会派发告警。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 通用错误码。领域错误码（数据集、任务、插件、参数）在各自的包中登记。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeResultFailure         Code = "RESULT_FAILURE"
	CodeTransient             Code = "TRANSIENT_FAILURE"
)

type codeTable struct {
	mu    sync.RWMutex
	attrs map[Code]Attributes
}

var codes = &codeTable{attrs: map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "dataset store failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "job queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeResultFailure:         {Message: "result file failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeTransient:             {Message: "temporary external failure", Severity: SeverityWarning, Retryable: true},
}}

// Register 登记或覆盖错误码的缺省行为。
func Register(code Code, attr Attributes) {
	codes.mu.Lock()
	defer codes.mu.Unlock()
	codes.attrs[code] = attr
}

// AttributesOf 返回错误码的缺省行为，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	codes.mu.RLock()
	defer codes.mu.RUnlock()
	if attr, ok := codes.attrs[code]; ok {
		return attr
	}
	return codes.attrs[CodeUnknown]
}

// Registered 返回已登记的全部错误码，按字母序。
func Registered() []Code {
	codes.mu.RLock()
	defer codes.mu.RUnlock()
	out := make([]Code, 0, len(codes.attrs))
	for code := range codes.attrs {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Error 携带错误码、面向调用方的描述、底层原因与附加键值。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加一个键值，API 错误响应会原样返回。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithDataset 标记错误所属的数据集。
func WithDataset(key string) Option {
	return WithMetadata("dataset", key)
}

// WithRetryable 覆盖错误码的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖错误码的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建错误；message 为空时使用错误码登记的描述。
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

// Wrap 以错误码包装底层原因。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Transient 包装外部依赖的临时失败（限流、5xx、连接重置），始终可重试。
func Transient(cause error, message string) *Error {
	return Wrap(CodeTransient, cause, message, WithRetryable(true))
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，因此包级哨兵错误可以匹配带不同描述的同码错误。
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

// Message 返回不含错误码前缀与原因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加键值的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
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

// Severity 返回严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 在错误链中查找 *Error。
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

// CodeOf 返回错误链中第一个错误码，没有时为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试；未编码的错误不可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断错误码是否要求告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Alert
	}
	return false
}

// LogAttrs 返回用于 slog 的错误属性：错误码、严重程度、可重试标记与附加键值。
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	e, ok := From(err)
	if !ok {
		return []any{slog.String("error", err.Error())}
	}
	attrs := []any{
		slog.String("error", err.Error()),
		slog.String("code", string(e.Code())),
		slog.String("severity", string(e.Severity())),
		slog.Bool("retryable", e.Retryable()),
	}
	keys := make([]string, 0, len(e.metadata))
	for k := range e.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, e.metadata[k]))
	}
	return attrs
}
