package service

import (
	"context"

	"github.com/ZRnown/dingdanBot/internal/client/backend"
	"github.com/ZRnown/dingdanBot/internal/models"
)

// OrderBackend is the part of the backend client the services use.
type OrderBackend interface {
	ListOrdersPage(ctx context.Context, page, pageSize int, channelID *int64) (*backend.PageResult, error)
	ListChannels(ctx context.Context) ([]backend.Channel, error)
	FetchOrderByID(ctx context.Context, orderID int64) (*models.Order, error)
	TriggerResync(ctx context.Context, orderID int64, maxAttempts int) backend.ResyncResult
}

var _ OrderBackend = (*backend.Client)(nil)

// Notifier delivers a text to the chat thread that asked for an order.
type Notifier interface {
	Notify(ctx context.Context, thread models.ChatThread, text string) error
}
