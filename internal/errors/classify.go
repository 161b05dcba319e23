package errors

import (
	"context"
	stdErrors "errors"
	"net"
	"strings"
)

// Typed 由下层（电路、witness、worker）返回携带结构化错误码的错误时实现。
type Typed interface {
	ProofErrorType() string
}

type rule struct {
	typ   Type
	match func(msg string) bool
}

func containsAny(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

// 按顺序匹配，第一条命中的规则生效。
var rules = []rule{
	{TypeCircuitCompilationFailed, func(m string) bool {
		return strings.Contains(m, "circuit") && containsAny(m, "compile", "compilation")
	}},
	{TypeCircuitLoadFailed, func(m string) bool {
		return strings.Contains(m, "circuit") && strings.Contains(m, "load")
	}},
	{TypeOutOfMemory, func(m string) bool { return containsAny(m, "memory", "heap") }},
	{TypeProofGenerationTimeout, func(m string) bool { return containsAny(m, "timeout", "timed out") }},
	{TypeNetworkError, func(m string) bool { return containsAny(m, "network", "fetch") }},
	{TypeWitnessPreparationFailed, func(m string) bool { return strings.Contains(m, "witness") }},
}

// Classify 将任意错误转换为统一错误类型。
//
// 已是 *Error 的直接返回；其次识别结构化错误码、超时与网络错误；
// 最后才按错误信息的子串匹配，未命中时归为 INTERNAL_ERROR。
func Classify(err error, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if typed, ok := From(err); ok {
		return typed
	}

	message := err.Error()
	if typ, ok := structuredType(err); ok {
		return Wrap(typ, err, message, opts...)
	}

	lower := strings.ToLower(message)
	for _, r := range rules {
		if r.match(lower) {
			return Wrap(r.typ, err, message, opts...)
		}
	}
	return Wrap(TypeInternalError, err, message, opts...)
}

func structuredType(err error) (Type, bool) {
	var typed Typed
	if stdErrors.As(err, &typed) {
		typ := Type(strings.ToUpper(strings.TrimSpace(typed.ProofErrorType())))
		if Registered(typ) {
			return typ, true
		}
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return TypeProofGenerationTimeout, true
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		if netErr.Timeout() {
			return TypeProofGenerationTimeout, true
		}
		return TypeNetworkError, true
	}
	return "", false
}
