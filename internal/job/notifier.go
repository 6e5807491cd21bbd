package job

import (
	"context"
	"sync"
)

// Notifier 在任务入队时唤醒等待中的 worker，减少轮询延迟。
// 通知只是提示：丢失通知不会丢失任务，worker 仍会按轮询周期认领。
type Notifier interface {
	Notify(ctx context.Context, jobType string) error
	// Subscribe 返回一个通道，ctx 取消后通道关闭。
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}

// NopNotifier 不发送任何通知。
type NopNotifier struct{}

// Notify 实现 Notifier 接口。
func (NopNotifier) Notify(context.Context, string) error { return nil }

// Subscribe 实现 Notifier 接口，返回的通道在 ctx 取消时关闭。
func (NopNotifier) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Close 实现 Notifier 接口。
func (NopNotifier) Close() error { return nil }

// MemoryNotifier 在进程内广播通知。
type MemoryNotifier struct {
	mu     sync.Mutex
	subs   map[chan string]struct{}
	closed bool
}

// NewMemoryNotifier 创建进程内通知器。
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[chan string]struct{})}
}

// Notify 实现 Notifier 接口。订阅者来不及消费时丢弃通知。
func (n *MemoryNotifier) Notify(_ context.Context, jobType string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- jobType:
		default:
		}
	}
	return nil
}

// Subscribe 实现 Notifier 接口。
func (n *MemoryNotifier) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch, nil
	}
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}()
	return ch, nil
}

// Close 关闭所有订阅。
func (n *MemoryNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for ch := range n.subs {
		delete(n.subs, ch)
		close(ch)
	}
	return nil
}
