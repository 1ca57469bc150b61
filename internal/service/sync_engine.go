package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZRnown/dingdanBot/internal/cache"
	"github.com/ZRnown/dingdanBot/internal/events"
	"github.com/ZRnown/dingdanBot/internal/links"
	"github.com/ZRnown/dingdanBot/internal/metrics"
	"github.com/ZRnown/dingdanBot/internal/models"
	"github.com/ZRnown/dingdanBot/internal/refund"
	"github.com/ZRnown/dingdanBot/internal/repository"
)

// LinkOutcome is what happened to one link seen in chat.
type LinkOutcome string

const (
	LinkInvalid         LinkOutcome = "invalid"
	LinkNoMatch         LinkOutcome = "no_match"
	LinkOutsideChannels LinkOutcome = "outside_channels"
	LinkAlreadyRefund   LinkOutcome = "already_refunding"
	LinkTracked         LinkOutcome = "tracked"
)

// PollOutcome is the result of one poll of a sync task.
type PollOutcome string

const (
	PollPending      PollOutcome = "pending"
	PollResolved     PollOutcome = "resolved"
	PollDuplicate    PollOutcome = "duplicate"
	PollNotifyFailed PollOutcome = "notify_failed"
	PollExhausted    PollOutcome = "exhausted"
	PollUntracked    PollOutcome = "untracked"
	PollBusy         PollOutcome = "busy"
	// PollSuperseded means the task was re-tracked while the poll ran. The
	// result is discarded and the fresh task stays due.
	PollSuperseded   PollOutcome = "superseded"
)

type SyncEngineConfig struct {
	// Interval is the minimum gap between two polls of the same task.
	Interval time.Duration
	// MaxAttempts drops a task after that many polls. 0 polls until resolved.
	MaxAttempts int
	// NotifyTTL is how long a sent notification stays claimed.
	NotifyTTL time.Duration
}

type TrackResult struct {
	Outcome LinkOutcome
	Link    string
	Order   *models.Order
	Poll    PollOutcome
}

type DueResult struct {
	Due      int
	Resolved int
	Failed   int
}

// SyncEngine keeps tracked orders moving toward a terminal refund status and
// tells the originating chat thread once one is reached.
type SyncEngine struct {
	Repo     repository.Repository
	Backend  OrderBackend
	Detector refund.Detector
	Notifier Notifier
	Claims   cache.Store
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Config   SyncEngineConfig
	Now      func() time.Time

	inflight sync.Map
}

// TrackLink resolves a chat link to a stored order and starts monitoring it.
// The first poll runs before TrackLink returns.
func (e *SyncEngine) TrackLink(ctx context.Context, link string, thread models.ChatThread) (TrackResult, error) {
	result := TrackResult{Link: link}
	if !links.HasScheme(link) {
		result.Outcome = LinkInvalid
		e.Metrics.RecordLink(string(result.Outcome))
		return result, nil
	}
	order, err := e.Repo.FindOrderByLink(ctx, link)
	if err != nil {
		return result, fmt.Errorf("find order by link: %w", err)
	}
	if order == nil {
		result.Outcome = LinkNoMatch
		e.Metrics.RecordLink(string(result.Outcome))
		return result, nil
	}
	result.Order = order

	filter, err := LoadChannelFilter(ctx, e.Repo)
	if err != nil {
		return result, err
	}
	switch {
	case !filter.Allows(order.ChannelID):
		result.Outcome = LinkOutsideChannels
	case e.detector().Refunding(*order):
		result.Outcome = LinkAlreadyRefund
	}
	if result.Outcome != "" {
		e.logger().Info("link skipped",
			zap.String("link", link),
			zap.Int64("order_id", order.OrderID),
			zap.String("outcome", string(result.Outcome)),
		)
		e.Metrics.RecordLink(string(result.Outcome))
		return result, nil
	}

	if err := e.Track(ctx, *order, thread, link); err != nil {
		return result, err
	}
	result.Outcome = LinkTracked
	e.Metrics.RecordLink(string(result.Outcome))

	poll, err := e.Poll(ctx, order.OrderID)
	result.Poll = poll
	if err != nil {
		e.logger().Warn("first poll failed", zap.Int64("order_id", order.OrderID), zap.Error(err))
	}
	return result, nil
}

// Track creates or resets the sync task for order. A reset clears attempts and
// makes the task due immediately.
func (e *SyncEngine) Track(ctx context.Context, order models.Order, thread models.ChatThread, link string) error {
	task := &models.SyncTask{
		OrderID:      order.OrderID,
		Thread:       thread,
		Attempts:     0,
		MaxAttempts:  e.Config.MaxAttempts,
		LastSyncedAt: 0,
		Link:         link,
		ChannelID:    order.ChannelID,
		OrderSN:      order.OrderSN,
		TrackToken:   uuid.NewString(),
	}
	if err := e.Repo.UpsertSyncTask(ctx, task); err != nil {
		return fmt.Errorf("track order %d: %w", order.OrderID, err)
	}
	e.logger().Info("order tracked",
		zap.Int64("order_id", order.OrderID),
		zap.Int64("chat_id", thread.ChatID),
		zap.Int("message_id", thread.MessageID),
	)
	return nil
}

// Poll runs one resync round for a tracked order. Backend failures are
// recorded on the task and never remove it.
func (e *SyncEngine) Poll(ctx context.Context, orderID int64) (PollOutcome, error) {
	if _, busy := e.inflight.LoadOrStore(orderID, struct{}{}); busy {
		return PollBusy, nil
	}
	defer e.inflight.Delete(orderID)

	outcome, err := e.poll(ctx, orderID)
	e.Metrics.RecordPoll(string(outcome))
	return outcome, err
}

func (e *SyncEngine) poll(ctx context.Context, orderID int64) (PollOutcome, error) {
	task, err := e.Repo.GetSyncTask(ctx, orderID)
	if err != nil {
		return PollPending, fmt.Errorf("load sync task %d: %w", orderID, err)
	}
	if task == nil {
		return PollUntracked, nil
	}

	res := e.Backend.TriggerResync(ctx, orderID, 1)
	status := refund.Status("")
	if res.Terminal() {
		status = res.Status
	}

	order, err := e.Backend.FetchOrderByID(ctx, orderID)
	switch {
	case err != nil:
		e.logger().Warn("fetch order failed", zap.Int64("order_id", orderID), zap.Error(err))
	case order != nil:
		if err := e.Repo.UpsertOrder(ctx, order); err != nil {
			e.logger().Warn("store order failed", zap.Int64("order_id", orderID), zap.Error(err))
		}
		if status == "" {
			if s, ok := e.detector().Terminal(*order); ok {
				status = s
			}
		}
	}

	attempts := task.Attempts + 1
	statusText := res.Message
	if status != "" {
		statusText = status.String()
	}
	current, err := e.Repo.UpdateSyncTask(ctx, orderID, task.TrackToken, attempts, e.now().Unix(), statusText)
	if err != nil {
		return PollPending, fmt.Errorf("update sync task %d: %w", orderID, err)
	}
	if !current {
		e.logger().Info("sync task re-tracked during poll, result dropped",
			zap.Int64("order_id", orderID),
			zap.String("status", statusText),
		)
		return PollSuperseded, nil
	}
	task.Attempts = attempts

	if status != "" {
		return e.resolve(ctx, task, status)
	}
	if e.Config.MaxAttempts > 0 && attempts >= e.Config.MaxAttempts {
		e.logger().Warn("sync task gave up",
			zap.Int64("order_id", orderID),
			zap.Int("attempts", attempts),
			zap.String("last_status", statusText),
		)
		if err := e.Repo.DeleteSyncTask(ctx, orderID); err != nil {
			return PollExhausted, fmt.Errorf("delete sync task %d: %w", orderID, err)
		}
		return PollExhausted, nil
	}
	e.logger().Debug("order still pending",
		zap.Int64("order_id", orderID),
		zap.Int("attempts", attempts),
		zap.String("status", statusText),
	)
	return PollPending, nil
}

// resolve notifies the chat thread once per order and removes the task. If the
// notification cannot be delivered the task is kept for the next due scan.
func (e *SyncEngine) resolve(ctx context.Context, task *models.SyncTask, status refund.Status) (PollOutcome, error) {
	key := cache.NotifyKey(task.OrderID)
	claimed, err := e.claim(ctx, key, status)
	if err != nil {
		e.logger().Warn("notification claim failed", zap.Int64("order_id", task.OrderID), zap.Error(err))
		claimed = true
	}

	outcome := PollResolved
	if claimed {
		if err := e.notifier().Notify(ctx, task.Thread, "订单"+status.String()); err != nil {
			e.Metrics.RecordNotification("failed")
			if e.Claims != nil {
				if derr := e.Claims.Delete(ctx, key); derr != nil {
					e.logger().Warn("release notification claim failed", zap.Int64("order_id", task.OrderID), zap.Error(derr))
				}
			}
			return PollNotifyFailed, fmt.Errorf("notify order %d: %w", task.OrderID, err)
		}
		e.Metrics.RecordNotification("sent")
	} else {
		outcome = PollDuplicate
		e.Metrics.RecordNotification("duplicate")
	}

	if e.Events != nil && claimed {
		ev := events.RefundEvent{
			OrderID:    task.OrderID,
			OrderSN:    task.OrderSN,
			ChannelID:  task.ChannelID,
			Status:     status.String(),
			Attempts:   task.Attempts,
			ObservedAt: e.now().UTC(),
		}
		if err := e.Events.PublishRefund(ctx, ev); err != nil {
			e.logger().Warn("publish refund event failed", zap.Int64("order_id", task.OrderID), zap.Error(err))
		}
	}

	if err := e.Repo.DeleteSyncTask(ctx, task.OrderID); err != nil {
		return outcome, fmt.Errorf("delete sync task %d: %w", task.OrderID, err)
	}
	e.logger().Info("order resolved",
		zap.Int64("order_id", task.OrderID),
		zap.String("status", status.String()),
		zap.Int("attempts", task.Attempts),
		zap.Bool("notified", claimed),
	)
	return outcome, nil
}

func (e *SyncEngine) claim(ctx context.Context, key string, status refund.Status) (bool, error) {
	if e.Claims == nil {
		return true, nil
	}
	return e.Claims.SetNX(ctx, key, []byte(status), e.Config.NotifyTTL)
}

// PollDue polls every task whose last poll is older than the interval. One
// task failing does not stop the scan.
func (e *SyncEngine) PollDue(ctx context.Context) (DueResult, error) {
	tasks, err := e.Repo.DueSyncTasks(ctx, e.Config.Interval)
	if err != nil {
		return DueResult{}, fmt.Errorf("load due sync tasks: %w", err)
	}
	result := DueResult{Due: len(tasks)}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := e.Poll(ctx, task.OrderID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return result, err
			}
			result.Failed++
			e.logger().Warn("sync task poll failed", zap.Int64("order_id", task.OrderID), zap.Error(err))
			continue
		}
		if outcome == PollResolved || outcome == PollDuplicate {
			result.Resolved++
		}
	}
	if result.Due > 0 {
		e.logger().Info("due sync tasks polled",
			zap.Int("due", result.Due),
			zap.Int("resolved", result.Resolved),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

func (e *SyncEngine) detector() refund.Detector {
	if e.Detector == nil {
		return refund.NewKeywordDetector()
	}
	return e.Detector
}

func (e *SyncEngine) notifier() Notifier {
	if e.Notifier == nil {
		return discardNotifier{}
	}
	return e.Notifier
}

func (e *SyncEngine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *SyncEngine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, models.ChatThread, string) error { return nil }
