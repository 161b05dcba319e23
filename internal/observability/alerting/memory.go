package alerting

import (
	"context"
	"sync"
)

// ChannelNotifier 在进程内分发事件，订阅者消费不及时的事件会被丢弃。
type ChannelNotifier struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped int
}

// NewChannelNotifier 创建进程内通知器，buffer 为每个订阅者的缓冲长度。
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelNotifier{subs: make(map[int]chan Event), buffer: buffer}
}

// Channel 返回内存渠道。
func (n *ChannelNotifier) Channel() Channel { return ChannelMemory }

// Subscribe 注册订阅者，ctx 结束时关闭通道。
func (n *ChannelNotifier) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, n.buffer)
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, id)
		close(ch)
		n.mu.Unlock()
	}()
	return ch
}

// Notify 非阻塞地投递事件。
func (n *ChannelNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- event:
		default:
			n.dropped++
		}
	}
	return nil
}

// Dropped 返回因订阅者阻塞而丢弃的事件数。
func (n *ChannelNotifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}
