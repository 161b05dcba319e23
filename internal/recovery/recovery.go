package recovery

import (
	"context"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/pkg/logger"
)

// Strategy 定义了证明生成失败后的恢复策略。
type Strategy interface {
	// Name 返回策略名称，用于日志与指标。
	Name() string
	// CanRecover 判断该策略能否处理给定错误。
	CanRecover(err *xerrors.Error) bool
	// Recover 执行恢复动作（等待、释放资源等），真正的重试由调用方发起。
	Recover(ctx context.Context, err *xerrors.Error) error
}

// sleep 在等待期间响应上下文取消。
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryStrategy 以指数退避方式重试可重试错误。
type RetryStrategy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryStrategy 创建重试策略，参数非法时使用默认值 3 次、1s、30s。
func NewRetryStrategy(maxRetries int, baseDelay, maxDelay time.Duration) *RetryStrategy {
	if maxRetries < 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &RetryStrategy{maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

// Name 实现 Strategy 接口。
func (s *RetryStrategy) Name() string { return "retry" }

// MaxRetries 返回最大重试次数。
func (s *RetryStrategy) MaxRetries() int { return s.maxRetries }

// CanRecover 仅在错误可重试且尝试次数未达上限时返回 true。
func (s *RetryStrategy) CanRecover(err *xerrors.Error) bool {
	return err != nil && err.Retryable() && err.AttemptNumber() < s.maxRetries
}

// Delay 返回第 attempt 次尝试前的等待时长：min(base·2^attempt, max)。
func (s *RetryStrategy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(s.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.maxDelay) {
		return s.maxDelay
	}
	return time.Duration(delay)
}

// Recover 按退避时长等待。
func (s *RetryStrategy) Recover(ctx context.Context, err *xerrors.Error) error {
	return sleep(ctx, s.Delay(err.AttemptNumber()))
}

// NextAttempt 返回下一次尝试的序号。
func (s *RetryStrategy) NextAttempt(err *xerrors.Error) int {
	return err.AttemptNumber() + 1
}

// CircuitFallbackStrategy 在电路不可用时切换到备用电路。
type CircuitFallbackStrategy struct {
	fallbacks map[string]string
}

// NewCircuitFallbackStrategy 根据映射创建降级策略，映射会被复制。
func NewCircuitFallbackStrategy(fallbacks map[string]string) *CircuitFallbackStrategy {
	copied := make(map[string]string, len(fallbacks))
	for from, to := range fallbacks {
		copied[from] = to
	}
	return &CircuitFallbackStrategy{fallbacks: copied}
}

// Name 实现 Strategy 接口。
func (s *CircuitFallbackStrategy) Name() string { return "circuit_fallback" }

// CanRecover 要求错误允许降级且当前电路存在备用电路。
func (s *CircuitFallbackStrategy) CanRecover(err *xerrors.Error) bool {
	if err == nil || !err.HasFallback() {
		return false
	}
	_, ok := s.fallbacks[err.CircuitType()]
	return ok
}

// Recover 无需等待，备用电路由调用方通过 FallbackCircuit 获取。
func (s *CircuitFallbackStrategy) Recover(ctx context.Context, _ *xerrors.Error) error {
	return ctx.Err()
}

// FallbackCircuit 返回 circuitType 的备用电路。
func (s *CircuitFallbackStrategy) FallbackCircuit(circuitType string) (string, bool) {
	next, ok := s.fallbacks[circuitType]
	return next, ok
}

// DefaultCooldown 是资源释放后的等待时长。
const DefaultCooldown = 5 * time.Second

// ResourceOptimizationStrategy 处理内存不足与资源耗尽。
type ResourceOptimizationStrategy struct {
	cooldown time.Duration
	reclaim  func()

	mu          sync.Mutex
	lastRelease time.Time
}

// ResourceOption 定义资源策略的可选配置。
type ResourceOption func(*ResourceOptimizationStrategy)

// WithCooldown 覆盖默认冷却时间。
func WithCooldown(d time.Duration) ResourceOption {
	return func(s *ResourceOptimizationStrategy) {
		if d >= 0 {
			s.cooldown = d
		}
	}
}

// WithReclaimer 替换内存回收动作。
func WithReclaimer(fn func()) ResourceOption {
	return func(s *ResourceOptimizationStrategy) {
		if fn != nil {
			s.reclaim = fn
		}
	}
}

// NewResourceOptimizationStrategy 创建资源优化策略。
func NewResourceOptimizationStrategy(opts ...ResourceOption) *ResourceOptimizationStrategy {
	s := &ResourceOptimizationStrategy{cooldown: DefaultCooldown, reclaim: debug.FreeOSMemory}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Name 实现 Strategy 接口。
func (s *ResourceOptimizationStrategy) Name() string { return "resource_optimization" }

// Cooldown 返回冷却时长。
func (s *ResourceOptimizationStrategy) Cooldown() time.Duration { return s.cooldown }

// CanRecover 仅处理 OUT_OF_MEMORY 与 RESOURCE_EXHAUSTED。
func (s *ResourceOptimizationStrategy) CanRecover(err *xerrors.Error) bool {
	if err == nil {
		return false
	}
	switch err.Type() {
	case xerrors.TypeOutOfMemory, xerrors.TypeResourceExhausted:
		return true
	default:
		return false
	}
}

// Recover 触发一次内存回收，然后等待冷却时间。
func (s *ResourceOptimizationStrategy) Recover(ctx context.Context, err *xerrors.Error) error {
	s.mu.Lock()
	s.lastRelease = time.Now()
	s.mu.Unlock()

	s.reclaim()
	logger.L().Info("已触发内存回收，等待资源释放",
		slog.Duration("cooldown", s.cooldown),
		slog.String("error_type", string(err.Type())),
	)
	return sleep(ctx, s.cooldown)
}

// LastRelease 返回最近一次触发回收的时间。
func (s *ResourceOptimizationStrategy) LastRelease() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRelease
}

// Chain 按可恢复程度为错误挑选策略。
type Chain struct {
	Retry    *RetryStrategy
	Fallback *CircuitFallbackStrategy
	Resource *ResourceOptimizationStrategy
}

// Select 返回第一个能处理 err 的策略；致命错误或无可用策略时返回 nil。
//
// 可重试错误交给重试策略；可降级错误优先切换电路，其次释放资源。
func (c *Chain) Select(err *xerrors.Error) Strategy {
	if c == nil || err == nil {
		return nil
	}
	switch err.Recoverability() {
	case xerrors.Retryable:
		if c.Retry != nil && c.Retry.CanRecover(err) {
			return c.Retry
		}
	case xerrors.FallbackAvailable:
		if c.Fallback != nil && c.Fallback.CanRecover(err) {
			return c.Fallback
		}
		if c.Resource != nil && c.Resource.CanRecover(err) {
			return c.Resource
		}
	}
	return nil
}
