package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZRnown/dingdanBot/internal/cache"
	"github.com/ZRnown/dingdanBot/internal/client/backend"
	"github.com/ZRnown/dingdanBot/internal/events"
	"github.com/ZRnown/dingdanBot/internal/models"
)

const testLink = "https://v.douyin.com/abc/"

type recordingPublisher struct {
	events []events.RefundEvent
}

func (p *recordingPublisher) PublishRefund(ctx context.Context, ev events.RefundEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type engineFixture struct {
	clock    *fakeClock
	events   *recordingPublisher
	repo     *memRepo
	backend  *fakeBackend
	notifier *fakeNotifier
	engine   *SyncEngine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clock := newClock()
	f := &engineFixture{
		clock:    clock,
		repo:     newMemRepo(clock),
		backend:  newFakeBackend(),
		notifier: &fakeNotifier{},
		events:   &recordingPublisher{},
	}
	f.engine = &SyncEngine{
		Events:   f.events,
		Repo:     f.repo,
		Backend:  f.backend,
		Notifier: f.notifier,
		Claims:   cache.NewMemoryStore(),
		Config:   SyncEngineConfig{Interval: 5 * time.Minute, NotifyTTL: time.Hour},
		Now:      clock.Now,
	}
	return f
}

// detailSequence returns the given log payloads for order 42, repeating the last.
func (f *engineFixture) detailSequence(logs ...string) {
	calls := 0
	f.backend.detail = func(orderID int64) (*models.Order, error) {
		i := calls
		if i >= len(logs) {
			i = len(logs) - 1
		}
		calls++
		o := withLink(mkOrder(orderID, 7, "2024-05-09"), testLink)
		o.Logs = logs[i]
		return &o, nil
	}
}

func TestTrackLink_RefundNotifiedOnSecondPoll(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_ = f.repo.UpsertOrder(ctx, ptr(withLink(mkOrder(42, 7, "2024-05-09"), testLink)))
	f.detailSequence(`[]`, `[{"content":"商家已退款"}]`)

	thread := models.ChatThread{ChatID: -100, MessageID: 55}
	res, err := f.engine.TrackLink(ctx, testLink, thread)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Outcome != LinkTracked || res.Poll != PollPending {
		t.Fatalf("result=%+v want tracked/pending", res)
	}
	task, ok := f.repo.task(42)
	if !ok || task.Attempts != 1 {
		t.Fatalf("task=%+v ok=%v want attempts=1", task, ok)
	}
	if task.Thread != thread {
		t.Fatalf("thread=%+v want=%+v", task.Thread, thread)
	}

	due, err := f.engine.PollDue(ctx)
	if err != nil || due.Due != 0 {
		t.Fatalf("due=%+v err=%v want nothing due yet", due, err)
	}

	f.clock.Advance(6 * time.Minute)
	due, err = f.engine.PollDue(ctx)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if due.Due != 1 || due.Resolved != 1 {
		t.Fatalf("due=%+v want 1 resolved", due)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("notifications=%d want=1", f.notifier.count())
	}
	note := f.notifier.sent[0]
	if note.Text != "订单已退款" || note.Thread != thread {
		t.Fatalf("note=%+v", note)
	}
	if _, ok := f.repo.task(42); ok {
		t.Fatalf("task still present after refund")
	}
	if len(f.events.events) != 1 || f.events.events[0].Status != "已退款" || f.events.events[0].Attempts != 2 {
		t.Fatalf("events=%+v", f.events.events)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.engine.PollDue(ctx); err != nil {
		t.Fatalf("err=%v", err)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("notifications=%d want exactly 1", f.notifier.count())
	}
}

func TestTrackLink_Skips(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		order    models.Order
		selected []int64
		link     string
		want     LinkOutcome
	}{
		{name: "no scheme", order: withLink(mkOrder(1, 7, "2024-05-09"), testLink), link: "v.douyin.com/abc", want: LinkInvalid},
		{name: "no match", order: withLink(mkOrder(1, 7, "2024-05-09"), testLink), link: "https://v.douyin.com/zzz/", want: LinkNoMatch},
		{name: "outside channels", order: withLink(mkOrder(1, 9, "2024-05-09"), testLink), selected: []int64{7}, link: testLink, want: LinkOutsideChannels},
		{name: "refunding status", order: func() models.Order {
			o := withLink(mkOrder(1, 7, "2024-05-09"), testLink)
			o.OrderStatus = -1
			return o
		}(), link: testLink, want: LinkAlreadyRefund},
		{name: "refunding log", order: func() models.Order {
			o := withLink(mkOrder(1, 7, "2024-05-09"), testLink)
			o.Logs = `[{"content":"用户申请退款中"}]`
			return o
		}(), link: testLink, want: LinkAlreadyRefund},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(t)
			_ = f.repo.UpsertOrder(ctx, &tc.order)
			var settings []models.ChannelSetting
			for _, id := range tc.selected {
				settings = append(settings, models.ChannelSetting{ChannelID: id, IsSelected: true})
			}
			_ = f.repo.ReplaceChannelSettings(ctx, settings)

			res, err := f.engine.TrackLink(ctx, tc.link, models.ChatThread{ChatID: 1, MessageID: 2})
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if res.Outcome != tc.want {
				t.Fatalf("outcome=%s want=%s", res.Outcome, tc.want)
			}
			if _, ok := f.repo.task(1); ok {
				t.Fatalf("task created for skipped link")
			}
			if f.backend.resyncs != 0 {
				t.Fatalf("resyncs=%d want 0", f.backend.resyncs)
			}
		})
	}
}

func TestTrack_ResetsExistingTask(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	order := withLink(mkOrder(42, 7, "2024-05-09"), testLink)
	_ = f.repo.UpsertOrder(ctx, &order)
	f.detailSequence(`[]`)

	if _, err := f.engine.TrackLink(ctx, testLink, models.ChatThread{ChatID: 1, MessageID: 1}); err != nil {
		t.Fatalf("err=%v", err)
	}
	f.clock.Advance(10 * time.Minute)
	if _, err := f.engine.Poll(ctx, 42); err != nil {
		t.Fatalf("err=%v", err)
	}
	if task, _ := f.repo.task(42); task.Attempts != 2 {
		t.Fatalf("attempts=%d want=2", task.Attempts)
	}

	newThread := models.ChatThread{ChatID: 2, MessageID: 9}
	if err := f.engine.Track(ctx, order, newThread, testLink); err != nil {
		t.Fatalf("err=%v", err)
	}
	task, _ := f.repo.task(42)
	if task.Attempts != 0 || task.LastSyncedAt != 0 || task.Thread != newThread {
		t.Fatalf("task=%+v want reset to new thread", task)
	}
}

func TestPoll_RetrackDuringPollKeepsReset(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	order := withLink(mkOrder(42, 7, "2024-05-09"), testLink)
	_ = f.repo.UpsertOrder(ctx, &order)
	_ = f.repo.UpsertSyncTask(ctx, &models.SyncTask{OrderID: 42, Attempts: 5, LastSyncedAt: 1, TrackToken: "first"})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.backend.detail = func(orderID int64) (*models.Order, error) {
		close(entered)
		<-release
		o := order
		return &o, nil
	}
	done := make(chan PollOutcome, 1)
	go func() {
		out, _ := f.engine.Poll(ctx, 42)
		done <- out
	}()
	<-entered

	thread := models.ChatThread{ChatID: 1, MessageID: 2}
	res, err := f.engine.TrackLink(ctx, testLink, thread)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Outcome != LinkTracked || res.Poll != PollBusy {
		t.Fatalf("result=%+v want tracked/busy", res)
	}
	close(release)
	if out := <-done; out != PollSuperseded {
		t.Fatalf("running poll outcome=%s want=%s", out, PollSuperseded)
	}

	task, ok := f.repo.task(42)
	if !ok || task.Attempts != 0 || task.LastSyncedAt != 0 || task.Thread != thread {
		t.Fatalf("task=%+v ok=%v want reset kept", task, ok)
	}

	f.detailSequence(`[]`)
	due, err := f.engine.PollDue(ctx)
	if err != nil || due.Due != 1 {
		t.Fatalf("due=%+v err=%v want the re-tracked task due", due, err)
	}
	if task, _ := f.repo.task(42); task.Attempts != 1 {
		t.Fatalf("attempts=%d want=1", task.Attempts)
	}
}

func TestPoll_FailureKeepsTask(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_ = f.repo.UpsertSyncTask(ctx, &models.SyncTask{OrderID: 42})
	f.backend.resync = func(int64) backend.ResyncResult {
		return backend.ResyncResult{Attempts: 1, Message: "同步失败: HTTP 500"}
	}
	f.backend.detailErr = errors.New("connection refused")

	for i := 1; i <= 3; i++ {
		out, err := f.engine.Poll(ctx, 42)
		if err != nil || out != PollPending {
			t.Fatalf("poll %d: outcome=%s err=%v", i, out, err)
		}
		task, ok := f.repo.task(42)
		if !ok || task.Attempts != i {
			t.Fatalf("poll %d: task=%+v ok=%v", i, task, ok)
		}
		if task.StatusText != "同步失败: HTTP 500" {
			t.Fatalf("status=%q", task.StatusText)
		}
		if task.LastSyncedAt != f.clock.Now().Unix() {
			t.Fatalf("last_synced_at=%d want now", task.LastSyncedAt)
		}
	}
}

func TestPoll_TerminalFromResyncPrecheck(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_ = f.repo.UpsertSyncTask(ctx, &models.SyncTask{OrderID: 42, Thread: models.ChatThread{ChatID: 3, MessageID: 4}})
	f.backend.resync = func(int64) backend.ResyncResult {
		return backend.ResyncResult{Attempts: 1, Status: "退单中", Message: "订单退单中"}
	}

	out, err := f.engine.Poll(ctx, 42)
	if err != nil || out != PollResolved {
		t.Fatalf("outcome=%s err=%v", out, err)
	}
	if f.notifier.count() != 1 || f.notifier.sent[0].Text != "订单退单中" {
		t.Fatalf("sent=%+v", f.notifier.sent)
	}
}

func TestPoll_NotifyFailureKeepsTaskThenDeliversOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_ = f.repo.UpsertSyncTask(ctx, &models.SyncTask{OrderID: 42})
	f.detailSequence(`[{"content":"已退单"}]`)
	f.notifier.fails = 1

	out, err := f.engine.Poll(ctx, 42)
	if err == nil || out != PollNotifyFailed {
		t.Fatalf("outcome=%s err=%v want notify failure", out, err)
	}
	if _, ok := f.repo.task(42); !ok {
		t.Fatalf("task removed although nothing was delivered")
	}

	out, err = f.engine.Poll(ctx, 42)
	if err != nil || out != PollResolved {
		t.Fatalf("outcome=%s err=%v", out, err)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("notifications=%d want=1", f.notifier.count())
	}
	if _, ok := f.repo.task(42); ok {
		t.Fatalf("task still present")
	}
}

func TestPoll_ClaimedElsewhereIsNotResent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_ = f.repo.UpsertSyncTask(ctx, &models.SyncTask{OrderID: 42})
	f.detailSequence(`[{"content":"已退款"}]`)
	_, _ = f.engine.Claims.SetNX(ctx, cache.NotifyKey(42), []byte("已退款"), time.Hour)

	out, err := f.engine.Poll(ctx, 42)
	if err != nil || out != PollDuplicate {
		t.Fatalf("outcome=%s err=%v want duplicate", out, err)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("notifications=%d want=0", f.notifier.count())
	}
	if _, ok := f.repo.task(42); ok {
		t.Fatalf("task still present")
	}
}

func TestPoll_MaxAttemptsDropsTask(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.Config.MaxAttempts = 2
	ctx := context.Background()
	_ = f.repo.UpsertSyncTask(ctx, &models.SyncTask{OrderID: 42})
	f.detailSequence(`[]`)

	if out, _ := f.engine.Poll(ctx, 42); out != PollPending {
		t.Fatalf("first outcome=%s want pending", out)
	}
	if out, _ := f.engine.Poll(ctx, 42); out != PollExhausted {
		t.Fatalf("second outcome=%s want exhausted", out)
	}
	if _, ok := f.repo.task(42); ok {
		t.Fatalf("task still present after max attempts")
	}
	if f.notifier.count() != 0 {
		t.Fatalf("notifications=%d want=0", f.notifier.count())
	}
}

func TestPoll_Untracked(t *testing.T) {
	f := newEngineFixture(t)
	out, err := f.engine.Poll(context.Background(), 404)
	if err != nil || out != PollUntracked {
		t.Fatalf("outcome=%s err=%v", out, err)
	}
	if f.backend.resyncs != 0 {
		t.Fatalf("resyncs=%d want 0", f.backend.resyncs)
	}
}

func ptr[T any](v T) *T {
	return &v
}
