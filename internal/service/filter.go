package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/ZRnown/dingdanBot/internal/models"
	"github.com/ZRnown/dingdanBot/internal/repository"
)

// ChannelFilter selects which upstream channels are tracked. The zero value
// means all channels.
type ChannelFilter struct {
	only bool
	ids  map[int64]struct{}
}

func AllChannels() ChannelFilter {
	return ChannelFilter{}
}

// OnlyChannels restricts tracking to ids. With no ids it matches nothing.
func OnlyChannels(ids ...int64) ChannelFilter {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return ChannelFilter{only: true, ids: set}
}

func (f ChannelFilter) IsAll() bool {
	return !f.only
}

func (f ChannelFilter) Allows(channelID int64) bool {
	if !f.only {
		return true
	}
	_, ok := f.ids[channelID]
	return ok
}

// IDs returns the selected ids in ascending order, or nil for all channels.
func (f ChannelFilter) IDs() []int64 {
	if !f.only {
		return nil
	}
	out := make([]int64, 0, len(f.ids))
	for id := range f.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply keeps the orders whose channel the filter allows.
func (f ChannelFilter) Apply(orders []models.Order) []models.Order {
	if !f.only {
		return orders
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if f.Allows(o.ChannelID) {
			out = append(out, o)
		}
	}
	return out
}

func (f ChannelFilter) String() string {
	if !f.only {
		return "all"
	}
	return fmt.Sprint(f.IDs())
}

// LoadChannelFilter reads the persisted selection. No selected rows means all
// channels.
func LoadChannelFilter(ctx context.Context, repo repository.ChannelRepository) (ChannelFilter, error) {
	if repo == nil {
		return AllChannels(), nil
	}
	ids, err := repo.SelectedChannelIDs(ctx)
	if err != nil {
		return AllChannels(), fmt.Errorf("load channel selection: %w", err)
	}
	if len(ids) == 0 {
		return AllChannels(), nil
	}
	return OnlyChannels(ids...), nil
}
