package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "TrustProof-Chain/internal/errors"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelMemory   Channel = "memory"
	ChannelRabbitMQ Channel = "rabbitmq"
)

// Kind 标识事件的类别。
type Kind string

const (
	KindWorkerRegistered   Kind = "worker.registered"
	KindWorkerUnregistered Kind = "worker.unregistered"
	KindWorkerOnline       Kind = "worker.online"
	KindWorkerOffline      Kind = "worker.offline"

	KindTaskSubmitted Kind = "task.submitted"
	KindTaskAssigned  Kind = "task.assigned"
	KindTaskCompleted Kind = "task.completed"
	KindTaskRetry     Kind = "task.retry"
	KindTaskFailed    Kind = "task.failed"

	KindScaleUp   Kind = "scaling.up"
	KindScaleDown Kind = "scaling.down"

	KindProofFailed Kind = "proof.failed"
)

// ScaleIntent 是交给外部扩缩容组件的建议，池本身不创建 worker。
type ScaleIntent struct {
	Current     int     `json:"current"`
	Target      int     `json:"target"`
	Utilization float64 `json:"utilization"`
	Pending     int     `json:"pending"`
}

// Event 描述一次需要通知的事件。
type Event struct {
	Kind       Kind              `json:"kind"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	ErrorType  xerrors.Type      `json:"error_type,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Scale      *ScaleIntent      `json:"scale,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// Nop 丢弃所有事件。
type Nop struct{}

// Notify 实现 Dispatcher。
func (Nop) Notify(context.Context, Event) error { return nil }

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道，未设置时间的事件补齐当前时间。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// KindFilter 只把指定类别的事件交给内部通知器。
type KindFilter struct {
	Notifier
	kinds map[Kind]struct{}
}

// FilterKinds 包装通知器，kinds 为空时不做过滤。
func FilterKinds(n Notifier, kinds ...Kind) Notifier {
	if len(kinds) == 0 {
		return n
	}
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &KindFilter{Notifier: n, kinds: set}
}

// Notify 实现 Notifier。
func (f *KindFilter) Notify(ctx context.Context, event Event) error {
	if _, ok := f.kinds[event.Kind]; !ok {
		return nil
	}
	return f.Notifier.Notify(ctx, event)
}
