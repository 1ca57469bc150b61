package repository

import (
	"context"
	"time"

	"github.com/ZRnown/dingdanBot/internal/models"
)

type OrderRepository interface {
	UpsertOrder(ctx context.Context, item *models.Order) error
	UpsertOrders(ctx context.Context, items []models.Order) (int, error)
	OrderExists(ctx context.Context, orderID int64) (bool, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	FindOrderByLink(ctx context.Context, link string) (*models.Order, error)
	DeleteOrdersOlderThan(ctx context.Context, date string) (int64, error)
	DeleteOrdersNotInChannels(ctx context.Context, channelIDs []int64) (int64, error)
}

type ChannelRepository interface {
	ListChannelSettings(ctx context.Context) ([]models.ChannelSetting, error)
	SelectedChannelIDs(ctx context.Context) ([]int64, error)
	AllChannelsSelected(ctx context.Context) (bool, error)
	ReplaceChannelSettings(ctx context.Context, items []models.ChannelSetting) error
}

type SyncTaskRepository interface {
	UpsertSyncTask(ctx context.Context, item *models.SyncTask) error
	GetSyncTask(ctx context.Context, orderID int64) (*models.SyncTask, error)
	DueSyncTasks(ctx context.Context, interval time.Duration) ([]models.SyncTask, error)
	// UpdateSyncTask records a poll result only if the task still carries
	// token. It reports false when the task was re-tracked or removed meanwhile.
	UpdateSyncTask(ctx context.Context, orderID int64, token string, attempts int, syncedAt int64, statusText string) (bool, error)
	DeleteSyncTask(ctx context.Context, orderID int64) error
}

type SyncStateRepository interface {
	GetSyncState(ctx context.Context, scope string) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, state *models.SyncState) error
}

// Repository is everything the bot persists.
type Repository interface {
	OrderRepository
	ChannelRepository
	SyncTaskRepository
	SyncStateRepository
}
