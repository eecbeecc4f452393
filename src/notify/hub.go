package notify

import (
	"context"
	"sync"
	"time"
)

const (
	EventEntriesChanged = "entries_changed"

	DefaultWindow = 100 * time.Millisecond
)

// Message 推送给订阅者的消息
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Hub 把 Notifier 的信号去抖后广播。
// 订阅者 channel 满时直接丢弃消息，不会阻塞发送方。
type Hub struct {
	mu      sync.RWMutex
	clients map[chan Message]struct{}
	window  time.Duration
}

func NewHub(window time.Duration) *Hub {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Hub{
		clients: make(map[chan Message]struct{}),
		window:  window,
	}
}

// Subscribe 返回消息 channel 和取消函数
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		})
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast 向所有订阅者发送
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Run 消费 Notifier 直到 ctx 结束。
// 收到信号后等待一个窗口期再广播，窗口内的信号合并为一条。
func (h *Hub) Run(ctx context.Context, n *Notifier, data func() interface{}) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-n.C():
		}
		timer := time.NewTimer(h.window)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.closeAll()
			return
		case <-timer.C:
		}
		// 窗口期内到达的信号已包含在本次广播中
		select {
		case <-n.C():
		default:
		}
		msg := Message{Type: EventEntriesChanged}
		if data != nil {
			msg.Data = data()
		}
		h.Broadcast(msg)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}
