package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于提示与诊断日志。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
//
// Recoverable 表示错误只影响当前一次连接尝试，调用方可以再次发起；
// Advisory 表示需要以非致命提示的形式展示给用户。
type Attributes struct {
	Message     string
	Severity    Severity
	Recoverable bool
	Advisory    bool
}

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeUserRejected      Code = "USER_REJECTED"
	CodeAgentUnavailable  Code = "AGENT_UNAVAILABLE"
	CodeChainUnrecognized Code = "CHAIN_UNRECOGNIZED"
	CodeAgentFailure      Code = "AGENT_FAILURE"
	CodeNetworkFailure    Code = "NETWORK_FAILURE"
	CodeStorageFailure    Code = "STORAGE_FAILURE"
	CodeNotifyFailure     Code = "NOTIFY_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Severity: SeverityCritical,
		},
		CodeInvalidArgument: {
			Message:  "invalid argument",
			Severity: SeverityInfo,
		},
		CodeNotFound: {
			Message:  "resource not found",
			Severity: SeverityInfo,
		},
		CodeConflict: {
			Message:     "operation already in progress",
			Severity:    SeverityInfo,
			Recoverable: true,
		},
		CodeUserRejected: {
			Message:     "To own a profile, connect your wallet and chose the Soneium blockchain network.",
			Severity:    SeverityWarning,
			Recoverable: true,
			Advisory:    true,
		},
		CodeAgentUnavailable: {
			Message:     "No MetaMask browser extension found. Please install MetaMask.",
			Severity:    SeverityWarning,
			Recoverable: true,
			Advisory:    true,
		},
		CodeChainUnrecognized: {
			Message:     "chain is not registered in the wallet",
			Severity:    SeverityInfo,
			Recoverable: true,
		},
		CodeAgentFailure: {
			Message:     "wallet agent request failed",
			Severity:    SeverityWarning,
			Recoverable: true,
		},
		CodeNetworkFailure: {
			Message:     "rpc endpoint unreachable",
			Severity:    SeverityWarning,
			Recoverable: true,
		},
		CodeStorageFailure: {
			Message:     "storage failure",
			Severity:    SeverityCritical,
			Recoverable: true,
		},
		CodeNotifyFailure: {
			Message:     "advisory delivery failed",
			Severity:    SeverityWarning,
			Recoverable: true,
		},
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

// Error 是系统内统一的错误类型。
type Error struct {
	code        Code
	message     string
	cause       error
	metadata    map[string]string
	recoverable *bool
	advisory    *bool
	severity    *Severity
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

// WithAdvisory 覆盖是否需要提示用户。
func WithAdvisory(advisory bool) Option {
	return func(e *Error) {
		e.advisory = &advisory
	}
}

// WithRecoverable 覆盖错误是否可恢复。
func WithRecoverable(recoverable bool) Option {
	return func(e *Error) {
		e.recoverable = &recoverable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
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

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
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

// Recoverable 判断错误是否仅影响本次尝试。
func (e *Error) Recoverable() bool {
	if e == nil {
		return false
	}
	if e.recoverable != nil {
		return *e.recoverable
	}
	return AttributesOf(e.code).Recoverable
}

// Advisory 判断是否需要向用户展示提示。
func (e *Error) Advisory() bool {
	if e == nil {
		return false
	}
	if e.advisory != nil {
		return *e.advisory
	}
	return AttributesOf(e.code).Advisory
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

// IsAdvisory 判断任意 error 是否需要提示用户。
func IsAdvisory(err error) bool {
	if e, ok := From(err); ok {
		return e.Advisory()
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
