// Package notify 合并 entry 变更通知，并分发给订阅者
package notify

// Notifier 至多保留一个待处理信号，连续多次 Signal 只会被消费一次
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Signal 不会阻塞
func (n *Notifier) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *Notifier) C() <-chan struct{} {
	return n.ch
}
