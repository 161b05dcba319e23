package validator

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerHour 是每个用户每小时允许发起的证明请求数。
const DefaultRequestsPerHour = 10

// AccessControl 维护允许名单与按用户的令牌桶限流。
//
// 允许名单为空时放行所有用户。
type AccessControl struct {
	mu       sync.Mutex
	allowed  map[string]struct{}
	limiters map[string]*rate.Limiter
	perHour  int
	now      func() time.Time
}

// AccessOption 定义可选配置。
type AccessOption func(*AccessControl)

// WithRequestsPerHour 设置每小时请求上限。
func WithRequestsPerHour(n int) AccessOption {
	return func(a *AccessControl) {
		if n > 0 {
			a.perHour = n
		}
	}
}

// WithAccessClock 替换时间来源。
func WithAccessClock(now func() time.Time) AccessOption {
	return func(a *AccessControl) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAccessControl 创建访问控制器。
func NewAccessControl(opts ...AccessOption) *AccessControl {
	a := &AccessControl{
		allowed:  make(map[string]struct{}),
		limiters: make(map[string]*rate.Limiter),
		perHour:  DefaultRequestsPerHour,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func normalizeUser(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

// AllowUser 将用户加入允许名单。
func (a *AccessControl) AllowUser(userID string) {
	a.mu.Lock()
	a.allowed[normalizeUser(userID)] = struct{}{}
	a.mu.Unlock()
}

// RevokeUser 将用户移出允许名单。
func (a *AccessControl) RevokeUser(userID string) {
	a.mu.Lock()
	delete(a.allowed, normalizeUser(userID))
	a.mu.Unlock()
}

// HasAccess 判断用户是否允许发起请求。
func (a *AccessControl) HasAccess(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.allowed) == 0 {
		return true
	}
	_, ok := a.allowed[normalizeUser(userID)]
	return ok
}

func (a *AccessControl) limiter(userID string) *rate.Limiter {
	key := normalizeUser(userID)
	l, ok := a.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Hour/time.Duration(a.perHour)), a.perHour)
		a.limiters[key] = l
	}
	return l
}

// CheckRateLimit 消耗一个令牌，超过限额时返回 false。
func (a *AccessControl) CheckRateLimit(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limiter(userID).AllowN(a.now(), 1)
}

// RemainingRequests 返回用户当前可用的请求数。
func (a *AccessControl) RemainingRequests(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[normalizeUser(userID)]
	if !ok {
		return a.perHour
	}
	tokens := int(l.TokensAt(a.now()))
	if tokens < 0 {
		return 0
	}
	return tokens
}
