package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ZRnown/dingdanBot/internal/client/backend"
	"github.com/ZRnown/dingdanBot/internal/models"
	"github.com/ZRnown/dingdanBot/internal/repository"
)

type ChannelOption struct {
	ID       int64
	Name     string
	Selected bool
}

// ChannelView is what the selection keyboard renders.
type ChannelView struct {
	Channels []ChannelOption
	Filter   ChannelFilter
}

func (v ChannelView) SelectedCount() int {
	n := 0
	for _, c := range v.Channels {
		if c.Selected {
			n++
		}
	}
	return n
}

// ChannelSelectionService edits the persisted channel selection.
type ChannelSelectionService struct {
	Repo    repository.Repository
	Backend OrderBackend
	Sync    *BulkSyncService
	Logger  *zap.Logger
}

// View lists the upstream channels with their current selection. A saved
// selection naming channels the backend no longer lists is rebuilt from the
// listed ones, falling back to all when none of them remain.
func (s *ChannelSelectionService) View(ctx context.Context) (ChannelView, error) {
	channels, err := s.Backend.ListChannels(ctx)
	if err != nil {
		return ChannelView{}, fmt.Errorf("list channels: %w", err)
	}
	filter, err := LoadChannelFilter(ctx, s.Repo)
	if err != nil {
		return ChannelView{}, err
	}
	view := ChannelView{Filter: filter, Channels: make([]ChannelOption, 0, len(channels))}
	for _, ch := range channels {
		view.Channels = append(view.Channels, ChannelOption{
			ID:       ch.ID,
			Name:     ch.Name,
			Selected: !filter.IsAll() && filter.Allows(ch.ID),
		})
	}
	if stale := staleChannelIDs(filter, channels); len(stale) > 0 && len(channels) > 0 {
		s.logger().Warn("saved channel selection has unlisted channels, rebuilding",
			zap.Int64s("stale", stale),
			zap.String("filter", filter.String()),
		)
		if err := s.save(ctx, &view); err != nil {
			return view, err
		}
	}
	return view, nil
}

func staleChannelIDs(filter ChannelFilter, channels []backend.Channel) []int64 {
	if filter.IsAll() {
		return nil
	}
	listed := make(map[int64]struct{}, len(channels))
	for _, ch := range channels {
		listed[ch.ID] = struct{}{}
	}
	var stale []int64
	for _, id := range filter.IDs() {
		if _, ok := listed[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale
}

// Toggle flips one channel. When the selection is non-empty afterwards, stored
// orders outside it are evicted at once.
func (s *ChannelSelectionService) Toggle(ctx context.Context, channelID int64) (ChannelView, error) {
	view, err := s.View(ctx)
	if err != nil {
		return view, err
	}
	for i := range view.Channels {
		if view.Channels[i].ID == channelID {
			view.Channels[i].Selected = !view.Channels[i].Selected
		}
	}
	if err := s.save(ctx, &view); err != nil {
		return view, err
	}
	if !view.Filter.IsAll() {
		n, err := s.Repo.DeleteOrdersNotInChannels(ctx, view.Filter.IDs())
		if err != nil {
			return view, fmt.Errorf("evict deselected orders: %w", err)
		}
		if n > 0 {
			s.logger().Info("deselected orders evicted", zap.Int64("count", n), zap.String("filter", view.Filter.String()))
		}
	}
	return view, nil
}

// SelectAll clears the selection. It reports false when it was already clear.
func (s *ChannelSelectionService) SelectAll(ctx context.Context) (ChannelView, bool, error) {
	view, err := s.View(ctx)
	if err != nil {
		return view, false, err
	}
	if view.Filter.IsAll() {
		return view, false, nil
	}
	for i := range view.Channels {
		view.Channels[i].Selected = false
	}
	if err := s.save(ctx, &view); err != nil {
		return view, false, err
	}
	return view, true, nil
}

// Finish runs a full sync restricted to the saved selection.
func (s *ChannelSelectionService) Finish(ctx context.Context) (BulkSyncResult, error) {
	if s.Sync == nil {
		return BulkSyncResult{}, fmt.Errorf("bulk sync is not configured")
	}
	return s.Sync.Run(ctx, ModeFull)
}

func (s *ChannelSelectionService) save(ctx context.Context, view *ChannelView) error {
	items := make([]models.ChannelSetting, 0, len(view.Channels))
	var ids []int64
	for _, c := range view.Channels {
		items = append(items, models.ChannelSetting{ChannelID: c.ID, Name: c.Name, IsSelected: c.Selected})
		if c.Selected {
			ids = append(ids, c.ID)
		}
	}
	if err := s.Repo.ReplaceChannelSettings(ctx, items); err != nil {
		return fmt.Errorf("save channel selection: %w", err)
	}
	view.Filter = AllChannels()
	if len(ids) > 0 {
		view.Filter = OnlyChannels(ids...)
	}
	s.logger().Info("channel selection saved", zap.String("filter", view.Filter.String()))
	return nil
}

func (s *ChannelSelectionService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
