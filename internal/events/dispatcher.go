package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "hatago-plugin-host/internal/errors"
	"hatago-plugin-host/pkg/plugin"
	"hatago-plugin-host/pkg/signing"
)

// Dispatcher 将宿主状态迁移与签名校验结果转换为事件，并异步投递。
// 观察回调只做非阻塞入队，队列满时丢弃事件并计数。
type Dispatcher struct {
	publisher Publisher
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	queue   chan Event
	closed  bool
	dropped atomic.Int64
}

// NewDispatcher 创建调度器，buffer 为队列长度。
func NewDispatcher(publisher Publisher, buffer int, logger *slog.Logger) *Dispatcher {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		publisher: publisher,
		logger:    logger,
		timeout:   5 * time.Second,
		now:       time.Now,
		queue:     make(chan Event, buffer),
	}
}

// ObserveTransition 实现 plugin.Observer。
func (d *Dispatcher) ObserveTransition(t plugin.Transition) {
	event := New(TypeHostTransition, t.At)
	event.Plugin = t.Plugin
	event.Op = t.Op
	event.From = string(t.From)
	event.To = string(t.To)
	if t.Err != nil {
		event.Code = string(xerrors.CodeOf(t.Err))
		event.Error = t.Err.Error()
	}
	d.enqueue(event)
}

// ObserveVerification 可作为 signing.WithResultObserver 的回调。
func (d *Dispatcher) ObserveVerification(result signing.VerificationResult) {
	event := New(TypeSignatureVerified, result.VerifiedAt)
	event.Status = string(result.Status)
	event.Error = result.Error
	if result.Signer != nil {
		event.KeyID = result.Signer.KeyID
	}
	d.enqueue(event)
}

func (d *Dispatcher) enqueue(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
	}
}

// Dropped 返回因队列满或已关闭而丢弃的事件数。
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run 持续投递事件，直到队列被 Close 且清空，或 ctx 被取消。
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.publish(ctx, event)
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, event Event) {
	pubCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.publisher.Publish(pubCtx, event); err != nil {
		d.logger.WarnContext(ctx, "发布事件失败",
			slog.String("event_id", event.ID),
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Close 停止接收新事件。已入队的事件仍由 Run 投递。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}
