package validator

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"TrustProof-Chain/pkg/logger"
)

// DefaultAuditCapacity 是内存中保留的审计记录条数。
const DefaultAuditCapacity = 1000

// AuditEntry 记录一次与证明相关的操作。
type AuditEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	RequestID string            `json:"request_id"`
	UserID    string            `json:"user_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
}

// AuditTrail 保存最近的审计记录，并同步写入审计日志。
type AuditTrail struct {
	mu       sync.Mutex
	entries  []AuditEntry
	capacity int
	now      func() time.Time
}

// NewAuditTrail 创建审计记录器，capacity<=0 时使用默认值。
func NewAuditTrail(capacity int) *AuditTrail {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditTrail{capacity: capacity, now: time.Now}
}

// Log 追加一条审计记录。
func (a *AuditTrail) Log(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	if over := len(a.entries) - a.capacity; over > 0 {
		a.entries = append([]AuditEntry(nil), a.entries[over:]...)
	}
	a.mu.Unlock()

	attrs := []any{
		slog.String("action", entry.Action),
		slog.String("request_id", entry.RequestID),
		slog.Bool("success", entry.Success),
	}
	if entry.UserID != "" {
		attrs = append(attrs, slog.String("user_id", entry.UserID))
	}
	if entry.Error != "" {
		attrs = append(attrs, slog.String("error", entry.Error))
	}
	for k, v := range entry.Details {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Audit().Info("证明审计事件", attrs...)
}

// Recent 返回最近 limit 条记录，limit<=0 返回全部。
func (a *AuditTrail) Recent(limit int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(a.entries) {
		start = len(a.entries) - limit
	}
	return append([]AuditEntry(nil), a.entries[start:]...)
}

// ForRequest 返回指定请求的记录。
func (a *AuditTrail) ForRequest(requestID string) []AuditEntry {
	return a.filter(func(e AuditEntry) bool { return e.RequestID == requestID })
}

// ForUser 返回指定用户的记录。
func (a *AuditTrail) ForUser(userID string) []AuditEntry {
	return a.filter(func(e AuditEntry) bool { return e.UserID == userID })
}

func (a *AuditTrail) filter(keep func(AuditEntry) bool) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEntry
	for _, e := range a.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Export 以 JSON 导出全部记录。
func (a *AuditTrail) Export() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.MarshalIndent(a.entries, "", "  ")
}

// Clear 清空记录。
func (a *AuditTrail) Clear() {
	a.mu.Lock()
	a.entries = nil
	a.mu.Unlock()
}
