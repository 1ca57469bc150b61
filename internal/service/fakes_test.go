package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ZRnown/dingdanBot/internal/client/backend"
	"github.com/ZRnown/dingdanBot/internal/links"
	"github.com/ZRnown/dingdanBot/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memRepo is an in-memory repository.Repository.
type memRepo struct {
	mu       sync.Mutex
	clock    *fakeClock
	orders   map[int64]models.Order
	channels []models.ChannelSetting
	tasks    map[int64]models.SyncTask
	states   map[string]models.SyncState
}

func newMemRepo(clock *fakeClock) *memRepo {
	return &memRepo{
		clock:  clock,
		orders: map[int64]models.Order{},
		tasks:  map[int64]models.SyncTask{},
		states: map[string]models.SyncState{},
	}
}

func (r *memRepo) UpsertOrder(ctx context.Context, item *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[item.OrderID] = *item
	return nil
}

func (r *memRepo) UpsertOrders(ctx context.Context, items []models.Order) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[int64]bool{}
	for _, o := range items {
		r.orders[o.OrderID] = o
		seen[o.OrderID] = true
	}
	return len(seen), nil
}

func (r *memRepo) OrderExists(ctx context.Context, orderID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.orders[orderID]
	return ok, nil
}

func (r *memRepo) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (r *memRepo) FindOrderByLink(ctx context.Context, link string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := links.Core(link)
	var best *models.Order
	for _, o := range r.orders {
		if o.Link == nil || links.Core(*o.Link) != want {
			continue
		}
		if best == nil || o.CreateAt > best.CreateAt || (o.CreateAt == best.CreateAt && o.OrderID > best.OrderID) {
			o := o
			best = &o
		}
	}
	return best, nil
}

func (r *memRepo) DeleteOrdersOlderThan(ctx context.Context, date string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, o := range r.orders {
		if o.CreatedDate < date {
			delete(r.orders, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) DeleteOrdersNotInChannels(ctx context.Context, channelIDs []int64) (int64, error) {
	if len(channelIDs) == 0 {
		return 0, nil
	}
	keep := map[int64]bool{}
	for _, id := range channelIDs {
		keep[id] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, o := range r.orders {
		if !keep[o.ChannelID] {
			delete(r.orders, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ListChannelSettings(ctx context.Context) ([]models.ChannelSetting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChannelSetting(nil), r.channels...), nil
}

func (r *memRepo) SelectedChannelIDs(ctx context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, c := range r.channels {
		if c.IsSelected {
			ids = append(ids, c.ChannelID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memRepo) AllChannelsSelected(ctx context.Context) (bool, error) {
	ids, err := r.SelectedChannelIDs(ctx)
	return len(ids) == 0, err
}

func (r *memRepo) ReplaceChannelSettings(ctx context.Context, items []models.ChannelSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append([]models.ChannelSetting(nil), items...)
	return nil
}

func (r *memRepo) UpsertSyncTask(ctx context.Context, item *models.SyncTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[item.OrderID] = *item
	return nil
}

func (r *memRepo) GetSyncTask(ctx context.Context, orderID int64) (*models.SyncTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[orderID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r *memRepo) DueSyncTasks(ctx context.Context, interval time.Duration) ([]models.SyncTask, error) {
	cutoff := r.clock.Now().Add(-interval).Unix()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SyncTask
	for _, t := range r.tasks {
		if t.LastSyncedAt == 0 || t.LastSyncedAt < cutoff {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (r *memRepo) UpdateSyncTask(ctx context.Context, orderID int64, token string, attempts int, syncedAt int64, statusText string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[orderID]
	if !ok || t.TrackToken != token {
		return false, nil
	}
	t.Attempts = attempts
	t.LastSyncedAt = syncedAt
	t.StatusText = statusText
	r.tasks[orderID] = t
	return true, nil
}

func (r *memRepo) DeleteSyncTask(ctx context.Context, orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, orderID)
	return nil
}

func (r *memRepo) GetSyncState(ctx context.Context, scope string) (*models.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[scope]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *memRepo) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.Scope] = *state
	return nil
}

func (r *memRepo) task(orderID int64) (models.SyncTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[orderID]
	return t, ok
}

func (r *memRepo) hasOrder(orderID int64) bool {
	ok, _ := r.OrderExists(context.Background(), orderID)
	return ok
}

type backendPage = backend.PageResult

type pageCall struct {
	Page    int
	Channel string
}

// fakeBackend serves scripted pages keyed by channel ("all" or the id).
type fakeBackend struct {
	mu        sync.Mutex
	pages     map[string][]backendPage
	pageErrs  map[string]error
	calls     []pageCall
	channels  []backend.Channel
	detail    func(orderID int64) (*models.Order, error)
	resync    func(orderID int64) backend.ResyncResult
	resyncs   int
	detailErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pages: map[string][]backendPage{}, pageErrs: map[string]error{}}
}

func channelKey(channelID *int64) string {
	if channelID == nil {
		return "all"
	}
	return fmt.Sprint(*channelID)
}

func (f *fakeBackend) ListOrdersPage(ctx context.Context, page, pageSize int, channelID *int64) (*backend.PageResult, error) {
	key := channelKey(channelID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pageCall{Page: page, Channel: key})
	if err := f.pageErrs[fmt.Sprintf("%s/%d", key, page)]; err != nil {
		return nil, err
	}
	pages := f.pages[key]
	if page > len(pages) {
		return &backend.PageResult{Page: page}, nil
	}
	res := pages[page-1]
	return &res, nil
}

func (f *fakeBackend) ListChannels(ctx context.Context) ([]backend.Channel, error) {
	return f.channels, nil
}

func (f *fakeBackend) FetchOrderByID(ctx context.Context, orderID int64) (*models.Order, error) {
	if f.detail == nil {
		return nil, f.detailErr
	}
	return f.detail(orderID)
}

func (f *fakeBackend) TriggerResync(ctx context.Context, orderID int64, maxAttempts int) backend.ResyncResult {
	f.mu.Lock()
	f.resyncs++
	f.mu.Unlock()
	if f.resync == nil {
		return backend.ResyncResult{Success: true, Attempts: 1, Message: "同步成功"}
	}
	return f.resync(orderID)
}

func (f *fakeBackend) callsFor(key string) []pageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pageCall
	for _, c := range f.calls {
		if c.Channel == key {
			out = append(out, c)
		}
	}
	return out
}

func page(rows ...models.Order) backendPage {
	return backendPage{Rows: len(rows), Orders: rows}
}

type sentNote struct {
	Thread models.ChatThread
	Text   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []sentNote
	fails int
}

func (n *fakeNotifier) Notify(ctx context.Context, thread models.ChatThread, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails > 0 {
		n.fails--
		return errors.New("telegram unavailable")
	}
	n.sent = append(n.sent, sentNote{Thread: thread, Text: text})
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func mkOrder(id, channelID int64, date string) models.Order {
	created, _ := time.Parse(time.DateOnly, date)
	return models.Order{
		OrderID:     id,
		CreateAt:    created.Unix() + id,
		CreatedDate: date,
		ChannelID:   channelID,
		Logs:        "[]",
	}
}

func withLink(o models.Order, link string) models.Order {
	o.Link = &link
	return o
}
