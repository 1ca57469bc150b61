// Package cache holds short-lived markers shared between pollers, such as the
// claim taken before a refund notification is sent.
package cache

import (
	"context"
	"strconv"
	"time"
)

type Store interface {
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// NotifyKey is the claim marker for an order's refund notification.
func NotifyKey(orderID int64) string {
	return "dingdan:notified:" + strconv.FormatInt(orderID, 10)
}
