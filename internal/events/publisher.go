// Package events publishes order lifecycle events for downstream consumers.
package events

import (
	"context"
	"time"
)

type RefundEvent struct {
	OrderID    int64     `json:"order_id"`
	OrderSN    string    `json:"order_sn,omitempty"`
	ChannelID  int64     `json:"channel_id"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	ObservedAt time.Time `json:"observed_at"`
}

type Publisher interface {
	PublishRefund(ctx context.Context, event RefundEvent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishRefund(context.Context, RefundEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
