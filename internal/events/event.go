package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type 标识事件种类。
type Type string

const (
	TypeHostTransition    Type = "host.transition"
	TypeSignatureVerified Type = "signature.verified"
)

// Event 描述一次宿主状态迁移或签名校验结果。
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Plugin     string    `json:"plugin,omitempty"`
	Op         string    `json:"op,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Status     string    `json:"status,omitempty"`
	KeyID      string    `json:"keyId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// New 创建带有随机 ID 的事件。
func New(typ Type, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, OccurredAt: at.UTC()}
}

// Publisher 负责将事件投递到下游。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }
