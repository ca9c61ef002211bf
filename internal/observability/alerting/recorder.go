package alerting

import (
	"context"
	"sync"
)

// Recorder 在内存中保留最近的提示，供 API 查询。
type Recorder struct {
	mu       sync.RWMutex
	capacity int
	events   []Event
}

// NewRecorder 创建容量为 capacity 的记录器，非正数时使用 50。
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 50
	}
	return &Recorder{capacity: capacity}
}

// Channel 返回记录器渠道。
func (r *Recorder) Channel() Channel { return ChannelRecorder }

// Notify 记录事件，超出容量时丢弃最旧的一条。
func (r *Recorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if over := len(r.events) - r.capacity; over > 0 {
		r.events = append([]Event(nil), r.events[over:]...)
	}
	return nil
}

// Recent 返回最近的事件，最新的在前。
func (r *Recorder) Recent(limit int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.events) {
		limit = len(r.events)
	}
	out := make([]Event, 0, limit)
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.events[i])
	}
	return out
}
