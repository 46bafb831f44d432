package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 在内存中保留最近的事件，主要用于测试与管理接口。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	limit  int
	closed bool
}

// NewMemoryPublisher 创建最多保留 limit 条事件的发布器。
func NewMemoryPublisher(limit int) *MemoryPublisher {
	if limit <= 0 {
		limit = 256
	}
	return &MemoryPublisher{limit: limit}
}

// Publish 记录事件，超过上限时丢弃最旧的事件。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("发布器已关闭")
	}
	p.events = append(p.events, event)
	if over := len(p.events) - p.limit; over > 0 {
		p.events = append(p.events[:0:0], p.events[over:]...)
	}
	return nil
}

// Recent 返回最近的至多 n 条事件，按时间从旧到新排列。n <= 0 返回全部。
func (p *MemoryPublisher) Recent(n int) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := 0
	if n > 0 && n < len(p.events) {
		start = len(p.events) - n
	}
	return append([]Event(nil), p.events[start:]...)
}

// Close 关闭发布器。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
