package alerting

import (
	"context"
	"log/slog"

	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/pkg/logger"
)

// LogNotifier 将事件写入结构化日志，严重事件同时写入审计日志。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier 创建日志通知器，l 为空时使用全局 logger。
func NewLogNotifier(l *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: l}
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 输出日志。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	l := n.logger
	if l == nil {
		l = logger.L()
	}
	attrs := []slog.Attr{
		slog.String("kind", string(event.Kind)),
		slog.String("severity", string(event.Severity)),
	}
	if event.WorkerID != "" {
		attrs = append(attrs, slog.String("worker_id", event.WorkerID))
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.ErrorType != "" {
		attrs = append(attrs, slog.String("error_type", string(event.ErrorType)))
	}
	if event.MaxRetries > 0 {
		attrs = append(attrs, slog.Int("attempts", event.Attempts), slog.Int("max_retries", event.MaxRetries))
	}
	if event.Scale != nil {
		attrs = append(attrs,
			slog.Int("current", event.Scale.Current),
			slog.Int("target", event.Scale.Target),
			slog.Float64("utilization", event.Scale.Utilization))
	}

	level := slog.LevelInfo
	switch event.Severity {
	case xerrors.SeverityHigh, xerrors.SeverityCritical:
		level = slog.LevelError
		logger.Audit().LogAttrs(ctx, slog.LevelWarn, event.Message, attrs...)
	case xerrors.SeverityMedium:
		level = slog.LevelWarn
	}
	l.LogAttrs(ctx, level, event.Message, attrs...)
	return nil
}
