package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ZRnown/dingdanBot/internal/links"
	"github.com/ZRnown/dingdanBot/internal/models"
	"github.com/ZRnown/dingdanBot/internal/repository"
)

var _ repository.Repository = (*Store)(nil)

const upsertBatchSize = 200

var orderUpdateColumns = []string{
	"create_at",
	"created_date",
	"order_sn",
	"other_order_sn",
	"user_id",
	"user_name",
	"goods_id",
	"goods_name",
	"order_status",
	"order_status_text",
	"order_amount",
	"price",
	"channel_id",
	"link",
	"params",
	"logs",
	"updated_at",
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the clock used by DueSyncTasks.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- orders -----------------------------------------------------------------

func (s *Store) UpsertOrder(ctx context.Context, item *models.Order) error {
	if s == nil || s.db == nil || item == nil || item.OrderID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns(orderUpdateColumns),
	}).Create(item).Error
}

func (s *Store) UpsertOrders(ctx context.Context, items []models.Order) (int, error) {
	if s == nil || s.db == nil || len(items) == 0 {
		return 0, nil
	}
	// One row per order_id inside a statement; the last occurrence wins.
	seen := make(map[int64]int, len(items))
	deduped := make([]models.Order, 0, len(items))
	for _, item := range items {
		if item.OrderID == 0 {
			continue
		}
		if idx, ok := seen[item.OrderID]; ok {
			deduped[idx] = item
			continue
		}
		seen[item.OrderID] = len(deduped)
		deduped = append(deduped, item)
	}
	if len(deduped) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns(orderUpdateColumns),
	}).CreateInBatches(&deduped, upsertBatchSize).Error
	if err != nil {
		return 0, err
	}
	return len(deduped), nil
}

func (s *Store) OrderExists(ctx context.Context, orderID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Order{}).Where("order_id = ?", orderID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Order
	err := s.db.WithContext(ctx).First(&item, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// FindOrderByLink tries exact equality on the normalized link first, then a
// contains match on the protocol-less core. Within each pass the most recently
// created order wins, ties broken by order_id descending.
func (s *Store) FindOrderByLink(ctx context.Context, link string) (*models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	clean := links.Normalize(link)
	if !links.HasScheme(clean) {
		return nil, nil
	}
	bare := strings.TrimRight(clean, "/")
	core := links.Core(clean)
	if core == "" {
		return nil, nil
	}

	var item models.Order
	err := s.db.WithContext(ctx).
		Where("link = ? OR link = ?", clean, bare).
		Order("create_at DESC").
		Order("order_id DESC").
		First(&item).Error
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	pattern := "%" + escapeLike(core)
	err = s.db.WithContext(ctx).
		Where(`link LIKE ? ESCAPE '\' OR link LIKE ? ESCAPE '\'`, pattern+"/%", pattern).
		Order("create_at DESC").
		Order("order_id DESC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) DeleteOrdersOlderThan(ctx context.Context, date string) (int64, error) {
	if s == nil || s.db == nil || strings.TrimSpace(date) == "" {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("created_date < ?", date).Delete(&models.Order{})
	return res.RowsAffected, res.Error
}

// DeleteOrdersNotInChannels is a no-op for an empty id list.
func (s *Store) DeleteOrdersNotInChannels(ctx context.Context, channelIDs []int64) (int64, error) {
	if s == nil || s.db == nil || len(channelIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("channel_id NOT IN ?", channelIDs).Delete(&models.Order{})
	return res.RowsAffected, res.Error
}

// --- channel settings -------------------------------------------------------

func (s *Store) ListChannelSettings(ctx context.Context) ([]models.ChannelSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.ChannelSetting
	if err := s.db.WithContext(ctx).Order("channel_id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SelectedChannelIDs(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&models.ChannelSetting{}).
		Where("is_selected = ?", true).
		Order("channel_id ASC").
		Pluck("channel_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AllChannelsSelected is true when no channel row is selected.
func (s *Store) AllChannelsSelected(ctx context.Context) (bool, error) {
	if s == nil || s.db == nil {
		return true, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ChannelSetting{}).Where("is_selected = ?", true).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

func (s *Store) ReplaceChannelSettings(ctx context.Context, items []models.ChannelSetting) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ChannelSetting{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(&items).Error
	})
}

// --- sync tasks -------------------------------------------------------------

// UpsertSyncTask inserts the task or resets the existing one for the same order.
func (s *Store) UpsertSyncTask(ctx context.Context, item *models.SyncTask) error {
	if s == nil || s.db == nil || item == nil || item.OrderID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"chat_id",
			"message_id",
			"attempts",
			"max_attempts",
			"last_synced_at",
			"status_text",
			"link",
			"channel_id",
			"order_sn",
			"track_token",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetSyncTask(ctx context.Context, orderID int64) (*models.SyncTask, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SyncTask
	err := s.db.WithContext(ctx).First(&item, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// DueSyncTasks returns tasks never synced or last synced before now-interval.
func (s *Store) DueSyncTasks(ctx context.Context, interval time.Duration) ([]models.SyncTask, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	cutoff := s.now().Add(-interval).Unix()
	var items []models.SyncTask
	err := s.db.WithContext(ctx).
		Where("last_synced_at = 0 OR last_synced_at < ?", cutoff).
		Order("last_synced_at ASC").
		Order("order_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateSyncTask(ctx context.Context, orderID int64, token string, attempts int, syncedAt int64, statusText string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.SyncTask{}).
		Where("order_id = ? AND track_token = ?", orderID, token).
		Updates(map[string]any{
			"attempts":       attempts,
			"last_synced_at": syncedAt,
			"status_text":    statusText,
			"updated_at":     s.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) DeleteSyncTask(ctx context.Context, orderID int64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Where("order_id = ?", orderID).Delete(&models.SyncTask{}).Error
}

// --- sync state -------------------------------------------------------------

func (s *Store) GetSyncState(ctx context.Context, scope string) (*models.SyncState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var state models.SyncState
	err := s.db.WithContext(ctx).First(&state, "scope = ?", scope).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Store) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	if s == nil || s.db == nil || state == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"watermark",
			"cycle_id",
			"last_success_at",
			"last_attempt_at",
			"last_error",
			"stats_json",
		}),
	}).Create(state).Error
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
