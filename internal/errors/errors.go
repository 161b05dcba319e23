package errors

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Type 表示系统内统一的错误类型。
type Type string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Recoverability 描述错误的可恢复程度，决定采用的恢复策略。
type Recoverability string

const (
	Retryable         Recoverability = "RETRYABLE"
	FallbackAvailable Recoverability = "FALLBACK_AVAILABLE"
	Fatal             Recoverability = "FATAL"
)

const (
	TypeCircuitCompilationFailed Type = "CIRCUIT_COMPILATION_FAILED"
	TypeCircuitLoadFailed        Type = "CIRCUIT_LOAD_FAILED"
	TypeCircuitNotFound          Type = "CIRCUIT_NOT_FOUND"
	TypeInvalidCircuitParameters Type = "INVALID_CIRCUIT_PARAMETERS"

	TypeWitnessPreparationFailed Type = "WITNESS_PREPARATION_FAILED"
	TypeInvalidWitnessData       Type = "INVALID_WITNESS_DATA"

	TypeProofGenerationFailed  Type = "PROOF_GENERATION_FAILED"
	TypeProofGenerationTimeout Type = "PROOF_GENERATION_TIMEOUT"
	TypeProofValidationFailed  Type = "PROOF_VALIDATION_FAILED"

	TypeOutOfMemory       Type = "OUT_OF_MEMORY"
	TypeResourceExhausted Type = "RESOURCE_EXHAUSTED"
	TypeWorkerUnavailable Type = "WORKER_UNAVAILABLE"

	TypeNetworkError Type = "NETWORK_ERROR"
	TypeAPIError     Type = "API_ERROR"

	TypeSystemOverload Type = "SYSTEM_OVERLOAD"
	TypeInternalError  Type = "INTERNAL_ERROR"

	TypeInvalidArgument  Type = "INVALID_ARGUMENT"
	TypeNotFound         Type = "NOT_FOUND"
	TypeConflict         Type = "CONFLICT"
	TypeRetriesExhausted Type = "RETRIES_EXHAUSTED"
	TypeAccessDenied     Type = "ACCESS_DENIED"
	TypeRateLimited      Type = "RATE_LIMITED"
	TypeStorageFailure   Type = "STORAGE_FAILURE"
)

// Attributes 为错误类型提供默认行为。
type Attributes struct {
	Message        string
	Severity       Severity
	Recoverability Recoverability
	Alert          bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Type]Attributes{
		TypeCircuitCompilationFailed: {Message: "circuit compilation failed", Severity: SeverityHigh, Recoverability: FallbackAvailable, Alert: true},
		TypeCircuitLoadFailed:        {Message: "circuit load failed", Severity: SeverityMedium, Recoverability: Retryable},
		TypeCircuitNotFound:          {Message: "circuit not found", Severity: SeverityHigh, Recoverability: FallbackAvailable, Alert: true},
		TypeInvalidCircuitParameters: {Message: "invalid circuit parameters", Severity: SeverityHigh, Recoverability: Fatal},

		TypeWitnessPreparationFailed: {Message: "witness preparation failed", Severity: SeverityMedium, Recoverability: Retryable},
		TypeInvalidWitnessData:       {Message: "invalid witness data", Severity: SeverityHigh, Recoverability: Fatal},

		TypeProofGenerationFailed:  {Message: "proof generation failed", Severity: SeverityMedium, Recoverability: Retryable},
		TypeProofGenerationTimeout: {Message: "proof generation timed out", Severity: SeverityMedium, Recoverability: Retryable},
		TypeProofValidationFailed:  {Message: "proof validation failed", Severity: SeverityHigh, Recoverability: Fatal, Alert: true},

		TypeOutOfMemory:       {Message: "out of memory", Severity: SeverityCritical, Recoverability: FallbackAvailable, Alert: true},
		TypeResourceExhausted: {Message: "resource exhausted", Severity: SeverityHigh, Recoverability: FallbackAvailable, Alert: true},
		TypeWorkerUnavailable: {Message: "worker unavailable", Severity: SeverityMedium, Recoverability: Retryable},

		TypeNetworkError: {Message: "network error", Severity: SeverityLow, Recoverability: Retryable},
		TypeAPIError:     {Message: "api error", Severity: SeverityMedium, Recoverability: Retryable},

		TypeSystemOverload: {Message: "system overloaded", Severity: SeverityHigh, Recoverability: Retryable, Alert: true},
		TypeInternalError:  {Message: "internal error", Severity: SeverityHigh, Recoverability: Retryable, Alert: true},

		TypeInvalidArgument:  {Message: "invalid argument", Severity: SeverityLow, Recoverability: Fatal},
		TypeNotFound:         {Message: "resource not found", Severity: SeverityLow, Recoverability: Fatal},
		TypeConflict:         {Message: "resource conflict", Severity: SeverityMedium, Recoverability: Fatal},
		TypeRetriesExhausted: {Message: "retries exhausted", Severity: SeverityHigh, Recoverability: Fatal, Alert: true},
		TypeAccessDenied:     {Message: "access denied", Severity: SeverityMedium, Recoverability: Fatal},
		TypeRateLimited:      {Message: "rate limit exceeded", Severity: SeverityLow, Recoverability: Retryable},
		TypeStorageFailure:   {Message: "storage failure", Severity: SeverityHigh, Recoverability: Retryable, Alert: true},
	}
)

// 队列与 worker 池使用的哨兵错误，通过 Wrap 携带具体类型。
var (
	ErrQueueFull       = stdErrors.New("queue is full")
	ErrRequestNotFound = stdErrors.New("request not found")
	ErrWorkerNotFound  = stdErrors.New("worker not found")
	ErrPoolClosed      = stdErrors.New("worker pool closed")
)

// Register 允许业务模块在初始化阶段注册新的错误类型描述。
func Register(typ Type, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typ] = attr
}

// Registered 判断错误类型是否已注册。
func Registered(typ Type) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[typ]
	return ok
}

// AttributesOf 返回错误类型对应的属性。若未注册则返回 INTERNAL_ERROR 的属性。
func AttributesOf(typ Type) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[typ]; ok {
		return attr
	}
	return registry[TypeInternalError]
}

// ResourceUsage 记录错误发生时的资源占用。
type ResourceUsage struct {
	MemoryMB   float64 `json:"memoryMB,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
	DurationMs int64   `json:"durationMs,omitempty"`
}

// Metadata 是错误附带的上下文信息。
type Metadata struct {
	Timestamp     time.Time         `json:"timestamp"`
	AttemptNumber int               `json:"attemptNumber,omitempty"`
	CircuitType   string            `json:"circuitType,omitempty"`
	ResourceUsage *ResourceUsage    `json:"resourceUsage,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if m.ResourceUsage != nil {
		usage := *m.ResourceUsage
		out.ResourceUsage = &usage
	}
	if m.Context != nil {
		out.Context = make(map[string]string, len(m.Context))
		for k, v := range m.Context {
			out.Context[k] = v
		}
	}
	return out
}

// Error 是证明生成链路中统一的错误类型，创建后不可修改。
type Error struct {
	typ            Type
	message        string
	cause          error
	metadata       Metadata
	severity       *Severity
	recoverability *Recoverability
	alert          *bool
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外的上下文信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata.Context == nil {
			e.metadata.Context = make(map[string]string)
		}
		e.metadata.Context[key] = value
	}
}

// WithContext 批量附加上下文信息。
func WithContext(ctx map[string]string) Option {
	return func(e *Error) {
		if len(ctx) == 0 {
			return
		}
		if e.metadata.Context == nil {
			e.metadata.Context = make(map[string]string, len(ctx))
		}
		for k, v := range ctx {
			e.metadata.Context[k] = v
		}
	}
}

// WithAttempt 记录当前尝试次数。
func WithAttempt(attempt int) Option {
	return func(e *Error) {
		e.metadata.AttemptNumber = attempt
	}
}

// WithCircuit 记录出错的电路类型。
func WithCircuit(circuitType string) Option {
	return func(e *Error) {
		e.metadata.CircuitType = circuitType
	}
}

// WithResourceUsage 记录资源占用。
func WithResourceUsage(usage ResourceUsage) Option {
	return func(e *Error) {
		e.metadata.ResourceUsage = &usage
	}
}

// WithTimestamp 覆盖错误时间戳。
func WithTimestamp(ts time.Time) Option {
	return func(e *Error) {
		e.metadata.Timestamp = ts
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// WithRecoverability 覆盖默认可恢复程度。
func WithRecoverability(rec Recoverability) Option {
	return func(e *Error) {
		e.recoverability = &rec
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// New 创建一个新的错误实例。
func New(typ Type, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(typ).Message
	}
	e := &Error{typ: typ, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.metadata.Timestamp.IsZero() {
		e.metadata.Timestamp = time.Now()
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(typ Type, cause error, message string, opts ...Option) *Error {
	e := New(typ, message, opts...)
	e.cause = cause
	return e
}

// With 返回附加了新选项的副本，原错误保持不变。
func (e *Error) With(opts ...Option) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.metadata = e.metadata.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&clone)
		}
	}
	return &clone
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil && e.cause.Error() != e.message {
		return fmt.Sprintf("[%s] %s: %v", e.typ, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.typ, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误类型。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.typ == t.typ
}

// Type 返回错误类型。
func (e *Error) Type() Type {
	if e == nil {
		return TypeInternalError
	}
	return e.typ
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() Metadata {
	if e == nil {
		return Metadata{}
	}
	return e.metadata.clone()
}

// AttemptNumber 返回错误发生时的尝试次数。
func (e *Error) AttemptNumber() int {
	if e == nil {
		return 0
	}
	return e.metadata.AttemptNumber
}

// CircuitType 返回错误发生时使用的电路。
func (e *Error) CircuitType() string {
	if e == nil {
		return ""
	}
	return e.metadata.CircuitType
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityLow
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.typ).Severity
}

// Recoverability 返回错误的可恢复程度。
func (e *Error) Recoverability() Recoverability {
	if e == nil {
		return Fatal
	}
	if e.recoverability != nil {
		return *e.recoverability
	}
	return AttributesOf(e.typ).Recoverability
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool { return e.Recoverability() == Retryable }

// HasFallback 判断是否存在降级方案。
func (e *Error) HasFallback() bool { return e.Recoverability() == FallbackAvailable }

// IsFatal 判断是否为致命错误。
func (e *Error) IsFatal() bool { return e.Recoverability() == Fatal }

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.typ).Alert
}

type jsonError struct {
	Type           Type           `json:"type"`
	Message        string         `json:"message"`
	Severity       Severity       `json:"severity"`
	Recoverability Recoverability `json:"recoverability"`
	Metadata       Metadata       `json:"metadata"`
	OriginalError  string         `json:"originalError,omitempty"`
}

// MarshalJSON 输出结构化错误，便于日志与 API 返回。
func (e *Error) MarshalJSON() ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	payload := jsonError{
		Type:           e.typ,
		Message:        e.message,
		Severity:       e.Severity(),
		Recoverability: e.Recoverability(),
		Metadata:       e.metadata,
	}
	if e.cause != nil {
		payload.OriginalError = e.cause.Error()
	}
	return json.Marshal(payload)
}

// LogValue 实现 slog.LogValuer。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("type", string(e.typ)),
		slog.String("message", e.message),
		slog.String("severity", string(e.Severity())),
		slog.String("recoverability", string(e.Recoverability())),
	}
	if e.metadata.AttemptNumber > 0 {
		attrs = append(attrs, slog.Int("attempt", e.metadata.AttemptNumber))
	}
	if e.metadata.CircuitType != "" {
		attrs = append(attrs, slog.String("circuit", e.metadata.CircuitType))
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	return slog.GroupValue(attrs...)
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

// TypeOf 返回错误对应的错误类型。
func TypeOf(err error) Type {
	if e, ok := From(err); ok {
		return e.Type()
	}
	return TypeInternalError
}

// IsRetryable 判断任意 error 是否可重试。
func IsRetryable(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// HasFallback 判断任意 error 是否存在降级方案。
func HasFallback(err error) bool {
	if e, ok := From(err); ok {
		return e.HasFallback()
	}
	return false
}

// IsFatal 判断任意 error 是否为致命错误。
func IsFatal(err error) bool {
	if e, ok := From(err); ok {
		return e.IsFatal()
	}
	return err != nil
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(TypeInternalError).Severity
}
