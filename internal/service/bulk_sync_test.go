package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZRnown/dingdanBot/internal/models"
)

type bulkFixture struct {
	clock   *fakeClock
	repo    *memRepo
	backend *fakeBackend
	svc     *BulkSyncService
}

func newBulkFixture(t *testing.T, pageSize int) *bulkFixture {
	t.Helper()
	clock := newClock()
	f := &bulkFixture{clock: clock, repo: newMemRepo(clock), backend: newFakeBackend()}
	f.svc = &BulkSyncService{
		Repo:     f.repo,
		Backend:  f.backend,
		Config:   BulkSyncConfig{PageSize: pageSize, MaxPages: 10, Workers: 2, RetentionDays: 7},
		Location: time.UTC,
		Now:      clock.Now,
	}
	return f
}

func TestCutoffDate(t *testing.T) {
	f := newBulkFixture(t, 3)
	if got := f.svc.CutoffDate(); got != "2024-05-03" {
		t.Fatalf("cutoff=%s want=2024-05-03", got)
	}
}

func TestRun_ContinuesOnFullPageWithinWindow(t *testing.T) {
	f := newBulkFixture(t, 3)
	f.backend.pages["all"] = []backendPage{
		page(mkOrder(30, 7, "2024-05-10"), mkOrder(29, 7, "2024-05-09"), mkOrder(28, 7, "2024-05-08")),
		page(mkOrder(27, 7, "2024-05-07"), mkOrder(26, 7, "2024-05-06")),
		page(mkOrder(1, 7, "2024-05-05")),
	}

	res, err := f.svc.Run(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if calls := f.backend.callsFor("all"); len(calls) != 2 {
		t.Fatalf("calls=%+v want 2 pages", calls)
	}
	if res.Upserted != 5 || res.Watermark != 30 {
		t.Fatalf("result=%+v want 5 upserted watermark 30", res)
	}
}

func TestRun_StopsAtCutoffEvenOnFullPage(t *testing.T) {
	f := newBulkFixture(t, 3)
	f.backend.pages["all"] = []backendPage{
		page(mkOrder(30, 7, "2024-05-10"), mkOrder(29, 7, "2024-05-09"), mkOrder(28, 7, "2024-05-08")),
		page(mkOrder(27, 7, "2024-05-04"), mkOrder(26, 7, "2024-05-01"), mkOrder(25, 7, "2024-05-06")),
		page(mkOrder(24, 7, "2024-05-06")),
	}

	res, err := f.svc.Run(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if calls := f.backend.callsFor("all"); len(calls) != 2 {
		t.Fatalf("calls=%+v want 2 pages", calls)
	}
	if res.Upserted != 4 {
		t.Fatalf("upserted=%d want=4", res.Upserted)
	}
	if f.repo.hasOrder(26) || f.repo.hasOrder(25) {
		t.Fatalf("orders after the cutoff hit were stored")
	}
}

func TestRun_SkipsUndatedOrdersAndFailedPages(t *testing.T) {
	f := newBulkFixture(t, 2)
	undated := mkOrder(50, 7, "2024-05-09")
	undated.CreateAt = 0
	f.backend.pages["all"] = []backendPage{
		{},
		page(undated, mkOrder(49, 7, "2024-05-09")),
		page(mkOrder(48, 7, "2024-05-09")),
	}
	f.backend.pageErrs["all/1"] = errors.New("backend unavailable")

	res, err := f.svc.Run(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.FailedPages != 1 || res.Upserted != 2 {
		t.Fatalf("result=%+v want 1 failed page and 2 upserted", res)
	}
	if f.repo.hasOrder(50) {
		t.Fatalf("undated order stored")
	}
}

func TestRun_FansOutPerSelectedChannelAndFiltersClientSide(t *testing.T) {
	f := newBulkFixture(t, 10)
	ctx := context.Background()
	_ = f.repo.ReplaceChannelSettings(ctx, []models.ChannelSetting{
		{ChannelID: 7, IsSelected: true},
		{ChannelID: 8, IsSelected: false},
		{ChannelID: 9, IsSelected: true},
	})
	f.backend.pages["7"] = []backendPage{page(mkOrder(70, 7, "2024-05-09"), mkOrder(80, 8, "2024-05-09"))}
	f.backend.pages["9"] = []backendPage{page(mkOrder(90, 9, "2024-05-09"))}

	res, err := f.svc.Run(ctx, ModeFull)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(f.backend.callsFor("all")) != 0 {
		t.Fatalf("unfiltered request sent with a selection")
	}
	if len(f.backend.callsFor("7")) != 1 || len(f.backend.callsFor("9")) != 1 {
		t.Fatalf("calls=%+v", f.backend.calls)
	}
	if res.Channels != 2 || res.Filtered != 1 || res.Upserted != 2 {
		t.Fatalf("result=%+v", res)
	}
	if f.repo.hasOrder(80) {
		t.Fatalf("order from a deselected channel stored")
	}
}

func TestRun_AllChannelsIsOneUnfilteredFanOut(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.backend.pages["all"] = []backendPage{page(mkOrder(1, 7, "2024-05-09"), mkOrder(2, 9, "2024-05-09"))}

	res, err := f.svc.Run(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(f.backend.calls) != 1 || res.Channels != 1 || res.Upserted != 2 {
		t.Fatalf("calls=%+v result=%+v", f.backend.calls, res)
	}
}

func TestRun_IncrementalStopsAtWatermark(t *testing.T) {
	f := newBulkFixture(t, 10)
	ctx := context.Background()
	_ = f.repo.SaveSyncState(ctx, &models.SyncState{Scope: orderSyncScope, Watermark: 100})
	f.backend.pages["all"] = []backendPage{
		page(mkOrder(105, 7, "2024-05-10"), mkOrder(103, 7, "2024-05-10"), mkOrder(100, 7, "2024-05-09"), mkOrder(99, 7, "2024-05-09")),
	}

	res, err := f.svc.Run(ctx, ModeIncremental)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Mode != ModeIncremental || res.Upserted != 2 || res.Watermark != 105 {
		t.Fatalf("result=%+v", res)
	}
	state, _ := f.repo.GetSyncState(ctx, orderSyncScope)
	if state == nil || state.Watermark != 105 || state.LastSuccessAt == nil || state.CycleID != res.CycleID {
		t.Fatalf("state=%+v", state)
	}
}

func TestRun_IncrementalWithoutWatermarkRunsFull(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.backend.pages["all"] = []backendPage{page(mkOrder(5, 7, "2024-05-10"))}

	res, err := f.svc.Run(context.Background(), ModeIncremental)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Mode != ModeFull || res.Watermark != 5 {
		t.Fatalf("result=%+v want full with watermark 5", res)
	}
}

func TestRun_EvictsExpiredAndDeselectedOrders(t *testing.T) {
	f := newBulkFixture(t, 10)
	ctx := context.Background()
	_ = f.repo.UpsertOrder(ctx, ptr(mkOrder(1, 7, "2024-04-01")))
	_ = f.repo.UpsertOrder(ctx, ptr(mkOrder(2, 9, "2024-05-09")))
	_ = f.repo.UpsertOrder(ctx, ptr(mkOrder(3, 7, "2024-05-03")))
	_ = f.repo.ReplaceChannelSettings(ctx, []models.ChannelSetting{{ChannelID: 7, IsSelected: true}})

	res, err := f.svc.Run(ctx, ModeFull)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Expired != 1 || res.Deselected != 1 {
		t.Fatalf("result=%+v want 1 expired 1 deselected", res)
	}
	if f.repo.hasOrder(1) || f.repo.hasOrder(2) || !f.repo.hasOrder(3) {
		t.Fatalf("orders=%v", f.repo.orders)
	}
}

func TestCleanup_KeepsEverythingWithAllChannels(t *testing.T) {
	f := newBulkFixture(t, 10)
	ctx := context.Background()
	_ = f.repo.UpsertOrder(ctx, ptr(mkOrder(1, 7, "2024-05-01")))
	_ = f.repo.UpsertOrder(ctx, ptr(mkOrder(2, 9, "2024-05-09")))

	res, err := f.svc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Expired != 1 || res.Deselected != 0 || !f.repo.hasOrder(2) {
		t.Fatalf("result=%+v", res)
	}
}

func TestRun_FailureKeepsWatermark(t *testing.T) {
	f := newBulkFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	_ = f.repo.SaveSyncState(ctx, &models.SyncState{Scope: orderSyncScope, Watermark: 77})
	cancel()

	if _, err := f.svc.Run(ctx, ModeIncremental); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want canceled", err)
	}
	state, _ := f.repo.GetSyncState(context.Background(), orderSyncScope)
	if state.Watermark != 77 || state.LastError == nil {
		t.Fatalf("state=%+v want watermark kept and error recorded", state)
	}
}
