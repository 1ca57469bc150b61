package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/ZRnown/dingdanBot/internal/metrics"
	"github.com/ZRnown/dingdanBot/internal/models"
	"github.com/ZRnown/dingdanBot/internal/repository"
)

// SyncMode selects how far back a bulk sync pages.
type SyncMode string

const (
	// ModeFull pages every channel back to the retention cutoff.
	ModeFull SyncMode = "full"
	// ModeIncremental also stops at the highest order id already stored.
	ModeIncremental SyncMode = "incremental"
)

const orderSyncScope = "orders"

type BulkSyncConfig struct {
	PageSize      int
	MaxPages      int
	Workers       int
	RetentionDays int
}

type BulkSyncResult struct {
	CycleID        string   `json:"cycle_id"`
	Mode           SyncMode `json:"mode"`
	Filter         string   `json:"filter"`
	Channels       int      `json:"channels"`
	FailedChannels int      `json:"failed_channels"`
	Pages          int      `json:"pages"`
	FailedPages    int      `json:"failed_pages"`
	Fetched        int      `json:"fetched"`
	Filtered       int      `json:"filtered"`
	Upserted       int      `json:"upserted"`
	Expired        int64    `json:"expired"`
	Deselected     int64    `json:"deselected"`
	Watermark      int64    `json:"watermark"`
}

// BulkSyncService mirrors recent orders from the backend into the local store.
type BulkSyncService struct {
	Repo     repository.Repository
	Backend  OrderBackend
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Config   BulkSyncConfig
	Location *time.Location
	Now      func() time.Time

	mu sync.Mutex
}

type channelPages struct {
	orders []models.Order
	pages  int
	failed int
}

// Run syncs with the persisted channel selection.
func (s *BulkSyncService) Run(ctx context.Context, mode SyncMode) (BulkSyncResult, error) {
	filter, err := LoadChannelFilter(ctx, s.Repo)
	if err != nil {
		return BulkSyncResult{Mode: mode}, err
	}
	return s.RunWithFilter(ctx, mode, filter)
}

// RunWithFilter fetches the retention window for every channel the filter
// allows, upserts the result and evicts what falls outside window or filter.
// Concurrent calls are serialized.
func (s *BulkSyncService) RunWithFilter(ctx context.Context, mode SyncMode, filter ChannelFilter) (BulkSyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	result := BulkSyncResult{CycleID: uuid.NewString(), Mode: mode, Filter: filter.String()}
	log := s.logger().With(zap.String("cycle_id", result.CycleID), zap.String("filter", result.Filter))

	prev, err := s.Repo.GetSyncState(ctx, orderSyncScope)
	if err != nil {
		return result, fmt.Errorf("load sync state: %w", err)
	}
	var watermark int64
	if prev != nil {
		watermark = prev.Watermark
	}
	if mode == ModeIncremental && watermark == 0 {
		result.Mode = ModeFull
	}
	stopAt := int64(0)
	if result.Mode == ModeIncremental {
		stopAt = watermark
	}

	cutoff := s.CutoffDate()
	targets := channelTargets(filter)
	result.Channels = len(targets)

	var (
		mu      sync.Mutex
		fetched []models.Order
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for _, target := range targets {
		g.Go(func() error {
			pages, err := s.fetchChannel(gctx, target, cutoff, stopAt)
			mu.Lock()
			defer mu.Unlock()
			result.Pages += pages.pages
			result.FailedPages += pages.failed
			fetched = append(fetched, pages.orders...)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				result.FailedChannels++
				log.Warn("channel sync failed", zap.Int64p("channel_id", target), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.finish(ctx, log, prev, &result, started, err)
		return result, err
	}
	result.Fetched = len(fetched)

	kept := filter.Apply(fetched)
	result.Filtered = len(fetched) - len(kept)
	if result.Filtered > 0 {
		log.Warn("backend returned orders outside the channel filter", zap.Int("dropped", result.Filtered))
	}

	upserted, err := s.Repo.UpsertOrders(ctx, kept)
	if err != nil {
		err = fmt.Errorf("store orders: %w", err)
		s.finish(ctx, log, prev, &result, started, err)
		return result, err
	}
	result.Upserted = upserted

	if err := s.evict(ctx, filter, cutoff, &result); err != nil {
		s.finish(ctx, log, prev, &result, started, err)
		return result, err
	}

	result.Watermark = watermark
	for _, o := range kept {
		if o.OrderID > result.Watermark {
			result.Watermark = o.OrderID
		}
	}
	s.finish(ctx, log, prev, &result, started, nil)
	return result, nil
}

// Cleanup evicts expired orders and orders outside the persisted selection.
func (s *BulkSyncService) Cleanup(ctx context.Context) (BulkSyncResult, error) {
	result := BulkSyncResult{}
	filter, err := LoadChannelFilter(ctx, s.Repo)
	if err != nil {
		return result, err
	}
	result.Filter = filter.String()
	if err := s.evict(ctx, filter, s.CutoffDate(), &result); err != nil {
		return result, err
	}
	if result.Expired > 0 || result.Deselected > 0 {
		s.logger().Info("orders cleaned up",
			zap.Int64("expired", result.Expired),
			zap.Int64("deselected", result.Deselected),
		)
	}
	return result, nil
}

// CutoffDate is the oldest created_date kept, in the configured timezone.
func (s *BulkSyncService) CutoffDate() string {
	days := s.Config.RetentionDays
	if days <= 0 {
		days = 2
	}
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	return s.now().In(loc).AddDate(0, 0, -days).Format(time.DateOnly)
}

func (s *BulkSyncService) evict(ctx context.Context, filter ChannelFilter, cutoff string, result *BulkSyncResult) error {
	expired, err := s.Repo.DeleteOrdersOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("evict expired orders: %w", err)
	}
	result.Expired = expired
	s.Metrics.RecordEvicted("retention", expired)

	if filter.IsAll() {
		return nil
	}
	deselected, err := s.Repo.DeleteOrdersNotInChannels(ctx, filter.IDs())
	if err != nil {
		return fmt.Errorf("evict deselected orders: %w", err)
	}
	result.Deselected = deselected
	s.Metrics.RecordEvicted("channel", deselected)
	return nil
}

// fetchChannel pages one channel (nil for all channels) until an empty or
// short page, an order older than cutoff, an order at or below stopAt, or the
// page cap. A failed page is skipped.
func (s *BulkSyncService) fetchChannel(ctx context.Context, channelID *int64, cutoff string, stopAt int64) (channelPages, error) {
	var out channelPages
	pageSize := s.pageSize()
	for page := 1; page <= s.maxPages(); page++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.Backend.ListOrdersPage(ctx, page, pageSize, channelID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			out.failed++
			s.logger().Warn("order page failed, skipping",
				zap.Int64p("channel_id", channelID),
				zap.Int("page", page),
				zap.Error(err),
			)
			continue
		}
		out.pages++
		if res.Rows == 0 {
			break
		}
		stop := false
		for _, o := range res.Orders {
			if o.CreateAt == 0 {
				continue
			}
			if o.CreatedDate < cutoff || (stopAt > 0 && o.OrderID <= stopAt) {
				stop = true
				break
			}
			out.orders = append(out.orders, o)
		}
		if stop || res.Rows < pageSize {
			break
		}
	}
	if out.pages == 0 && out.failed > 0 {
		return out, fmt.Errorf("all %d pages failed", out.failed)
	}
	return out, nil
}

func (s *BulkSyncService) finish(ctx context.Context, log *zap.Logger, prev *models.SyncState, result *BulkSyncResult, started time.Time, runErr error) {
	took := time.Since(started)
	now := s.now().UTC()
	state := &models.SyncState{Scope: orderSyncScope, CycleID: result.CycleID, LastAttemptAt: &now}
	if prev != nil {
		state.Watermark = prev.Watermark
		state.LastSuccessAt = prev.LastSuccessAt
	}
	outcome := "ok"
	if runErr != nil {
		outcome = "error"
		msg := runErr.Error()
		state.LastError = &msg
		log.Warn("bulk sync failed", zap.String("mode", string(result.Mode)), zap.Duration("took", took), zap.Error(runErr))
	} else {
		state.Watermark = result.Watermark
		state.LastSuccessAt = &now
		log.Info("bulk sync finished",
			zap.String("mode", string(result.Mode)),
			zap.Int("channels", result.Channels),
			zap.Int("failed_channels", result.FailedChannels),
			zap.Int("pages", result.Pages),
			zap.Int("upserted", result.Upserted),
			zap.Int64("expired", result.Expired),
			zap.Int64("deselected", result.Deselected),
			zap.Int64("watermark", result.Watermark),
			zap.Duration("took", took),
		)
	}
	if stats, err := json.Marshal(result); err == nil {
		state.StatsJSON = datatypes.JSON(stats)
	}
	if err := s.Repo.SaveSyncState(context.WithoutCancel(ctx), state); err != nil {
		log.Warn("save sync state failed", zap.Error(err))
	}
	s.Metrics.RecordBulkSync(string(result.Mode), outcome, result.Upserted, took)
}

// channelTargets is one nil target for all channels, otherwise one per id.
func channelTargets(filter ChannelFilter) []*int64 {
	if filter.IsAll() {
		return []*int64{nil}
	}
	ids := filter.IDs()
	out := make([]*int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, &id)
	}
	return out
}

func (s *BulkSyncService) pageSize() int {
	if s.Config.PageSize <= 0 {
		return 500
	}
	return s.Config.PageSize
}

func (s *BulkSyncService) maxPages() int {
	if s.Config.MaxPages <= 0 {
		return 100
	}
	return s.Config.MaxPages
}

func (s *BulkSyncService) workers() int {
	if s.Config.Workers <= 0 {
		return 4
	}
	return s.Config.Workers
}

func (s *BulkSyncService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *BulkSyncService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
