// Package ratelimit 按 host 限制出站请求频率
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// HostRateLimiter 管理各个 host 的最小访问间隔
type HostRateLimiter struct {
	defaultInterval time.Duration
	limiters        map[string]*hostLimiter // host -> 限制器
	mu              sync.RWMutex
}

type hostLimiter struct {
	minInterval time.Duration
	lastAccess  time.Time
	mu          sync.Mutex
}

// New defaultInterval<=0 时未单独设置的 host 不受限制
func New(defaultInterval time.Duration) *HostRateLimiter {
	return &HostRateLimiter{
		defaultInterval: defaultInterval,
		limiters:        make(map[string]*hostLimiter),
	}
}

// SetHostLimit 设置或更新某个 host 的间隔，interval<=0 时移除
func (l *HostRateLimiter) SetHostLimit(host string, interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if interval <= 0 {
		delete(l.limiters, host)
		return
	}
	if hl, ok := l.limiters[host]; ok {
		hl.mu.Lock()
		hl.minInterval = interval
		hl.mu.Unlock()
		return
	}
	l.limiters[host] = &hostLimiter{minInterval: interval}
}

func (l *HostRateLimiter) limiterFor(host string) *hostLimiter {
	l.mu.RLock()
	hl, ok := l.limiters[host]
	l.mu.RUnlock()
	if ok {
		return hl
	}
	if l.defaultInterval <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if hl, ok = l.limiters[host]; !ok {
		hl = &hostLimiter{minInterval: l.defaultInterval}
		l.limiters[host] = hl
	}
	return hl
}

// Wait 等待直到允许访问 host，返回 false 表示被 context 取消。
// 等待期间不持有锁。
func (l *HostRateLimiter) Wait(ctx context.Context, host string) bool {
	if l == nil {
		return ctx.Err() == nil
	}
	hl := l.limiterFor(host)
	if hl == nil {
		return ctx.Err() == nil
	}
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		hl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(hl.lastAccess)
		if elapsed >= hl.minInterval {
			hl.lastAccess = now
			hl.mu.Unlock()
			return true
		}
		waitTime := hl.minInterval - elapsed
		hl.mu.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// NextAllowed host 下次允许访问的时间
func (l *HostRateLimiter) NextAllowed(host string) time.Time {
	hl := l.limiterFor(host)
	if hl == nil {
		return time.Now()
	}
	hl.mu.Lock()
	defer hl.mu.Unlock()
	return hl.lastAccess.Add(hl.minInterval)
}

// Reset 清空所有 host 的访问记录
func (l *HostRateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, hl := range l.limiters {
		hl.mu.Lock()
		hl.lastAccess = time.Time{}
		hl.mu.Unlock()
	}
}
