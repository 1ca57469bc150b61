package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ZRnown/dingdanBot/internal/links"
	"github.com/ZRnown/dingdanBot/internal/models"
	"github.com/ZRnown/dingdanBot/internal/refund"
)

// PageResult is one page of the order list. Rows counts every row the backend
// returned, including rows that could not be decoded.
type PageResult struct {
	Page   int
	Rows   int
	Orders []models.Order
}

type Channel struct {
	ID   int64
	Name string
}

// ResyncResult reports a TriggerResync call. Status is set when the order was
// already in a terminal refund state and the POST was skipped.
type ResyncResult struct {
	Success  bool
	Attempts int
	Status   refund.Status
	Message  string
}

func (r ResyncResult) Terminal() bool {
	return r.Status != ""
}

// ListOrdersPage fetches one page of recent orders, optionally for a single
// channel. Transport and HTTP failures are retried with linear backoff.
func (c *Client) ListOrdersPage(ctx context.Context, page, pageSize int, channelID *int64) (*PageResult, error) {
	if page < 1 {
		page = 1
	}
	query := map[string]string{
		"Page":      strconv.Itoa(page),
		"PageCount": strconv.Itoa(pageSize),
		"ExpTime":   strconv.Itoa(c.expTime),
		"IsId":      "1",
	}
	if channelID != nil {
		query["ShequId"] = strconv.FormatInt(*channelID, 10)
	}

	var body []byte
	err := c.withRetry(ctx, "order_list", c.maxRetries, func(int) error {
		b, err := c.get(ctx, "order_list", pathOrderList, query)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	info, err := envelopeInfo(body)
	if err != nil {
		return nil, fmt.Errorf("order list page %d: %w", page, err)
	}
	rows := info.Array()
	result := &PageResult{Page: page, Rows: len(rows), Orders: make([]models.Order, 0, len(rows))}
	for _, row := range rows {
		if order, ok := decodeOrder(row, c.location); ok {
			result.Orders = append(result.Orders, order)
		}
	}
	return result, nil
}

// FetchOrderByID looks a single order up by id. A missing order is (nil, nil).
func (c *Client) FetchOrderByID(ctx context.Context, orderID int64) (*models.Order, error) {
	body, err := c.get(ctx, "order_detail", pathOrderList, map[string]string{
		"Page":      "1",
		"PageCount": "10",
		"ExpTime":   strconv.Itoa(c.expTime),
		"Id":        strconv.FormatInt(orderID, 10),
	})
	if err != nil {
		return nil, err
	}
	info, err := envelopeInfo(body)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", orderID, err)
	}
	for _, row := range info.Array() {
		order, ok := decodeOrder(row, c.location)
		if ok && order.OrderID == orderID {
			return &order, nil
		}
	}
	return nil, nil
}

// ListChannels returns the upstream third-party channels. The endpoint answers
// either with a bare array or with the usual {error, info} envelope.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	body, err := c.get(ctx, "channel_list", pathChannelList, map[string]string{"NotPage": "1"})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("channel list: malformed response")
	}
	parsed := gjson.ParseBytes(body)
	items := parsed
	if !parsed.IsArray() {
		info, err := envelopeInfo(body)
		if err != nil {
			return nil, fmt.Errorf("channel list: %w", err)
		}
		items = info
	}
	var out []Channel
	for _, item := range items.Array() {
		id := item.Get("Id").Int()
		if id == 0 {
			continue
		}
		name := strings.TrimSpace(item.Get("SName").String())
		if name == "" {
			name = fmt.Sprintf("第三方 %d", id)
		}
		out = append(out, Channel{ID: id, Name: name})
	}
	return out, nil
}

// TerminalStatus is the pure status check: it fetches the order and asks the
// detector whether it is already in a terminal refund state.
func (c *Client) TerminalStatus(ctx context.Context, orderID int64) (refund.Status, bool) {
	order, err := c.FetchOrderByID(ctx, orderID)
	if err != nil {
		c.logger().Debug("status check failed", zap.Int64("order_id", orderID), zap.Error(err))
		return "", false
	}
	if order == nil {
		return "", false
	}
	return c.detector().Terminal(*order)
}

// ExtractRefundStatus reports the terminal refund status of an order, if any.
func (c *Client) ExtractRefundStatus(order *models.Order) (refund.Status, bool) {
	if order == nil {
		return "", false
	}
	return c.detector().Terminal(*order)
}

// TriggerResync asks the backend to refresh an order. Before every attempt the
// order's current status is checked and a terminal refund short-circuits the
// call. maxAttempts <= 0 uses the configured retry cap. Failures are reported
// in the result, never as an error.
func (c *Client) TriggerResync(ctx context.Context, orderID int64, maxAttempts int) ResyncResult {
	if maxAttempts <= 0 {
		maxAttempts = c.maxRetries
	}
	form := map[string]string{"Id": strconv.FormatInt(orderID, 10)}

	var result ResyncResult
	err := c.withRetry(ctx, "resync", maxAttempts, func(attempt int) error {
		result.Attempts = attempt
		if status, ok := c.TerminalStatus(ctx, orderID); ok {
			result.Status = status
			return nil
		}
		body, err := c.postForm(ctx, "resync", pathResync, form)
		if err != nil {
			return err
		}
		if _, err := envelopeInfo(body); err != nil {
			return err
		}
		return nil
	})

	switch {
	case result.Status != "":
		result.Message = "订单" + result.Status.String()
	case err == nil:
		result.Success = true
		result.Message = "同步成功"
	case ctx.Err() != nil:
		result.Message = "同步已取消"
	default:
		result.Message = resyncFailureMessage(err)
		c.logger().Warn("order resync failed",
			zap.Int64("order_id", orderID),
			zap.Int("attempts", result.Attempts),
			zap.Error(err),
		)
	}
	return result
}

func resyncFailureMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("同步失败: HTTP %d", apiErr.Status)
	}
	if errors.Is(err, ErrUpstream) {
		return "同步失败，已达到最大重试次数"
	}
	return "同步异常: " + err.Error()
}

// envelopeInfo validates {error: 0, info: ...} and returns info.
func envelopeInfo(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("malformed response")
	}
	code := gjson.GetBytes(body, "error")
	if !code.Exists() {
		return gjson.Result{}, fmt.Errorf("response without error code")
	}
	if code.Int() != 0 {
		return gjson.Result{}, fmt.Errorf("%w: %d", ErrUpstream, code.Int())
	}
	return gjson.GetBytes(body, "info"), nil
}

func decodeOrder(row gjson.Result, loc *time.Location) (models.Order, bool) {
	if !row.IsObject() {
		return models.Order{}, false
	}
	id := row.Get("Id").Int()
	if id == 0 {
		return models.Order{}, false
	}
	createAt := row.Get("CreateAt").Int()
	created := time.Now()
	if createAt > 0 {
		created = time.Unix(createAt, 0)
	}
	params := rawText(row.Get("Params"))
	order := models.Order{
		OrderID:         id,
		CreateAt:        createAt,
		CreatedDate:     created.In(loc).Format(time.DateOnly),
		OrderSN:         row.Get("OrderSN").String(),
		OtherOrderSN:    row.Get("OtherOrderSN").String(),
		UserID:          row.Get("UserId").Int(),
		UserName:        row.Get("UserName").String(),
		GoodsID:         row.Get("GoodsId").Int(),
		GoodsName:       row.Get("GoodsName").String(),
		OrderStatus:     int(row.Get("OrderStatus").Int()),
		OrderStatusText: row.Get("OrderStatusText").String(),
		OrderAmount:     decimalOf(row.Get("OrderAmount")),
		Price:           decimalOf(row.Get("Price")),
		ChannelID:       row.Get("ShequId").Int(),
		Params:          params,
		Logs:            rawText(row.Get("Logs")),
	}
	if link := links.FromParams(params); link != "" {
		order.Link = &link
	}
	return order, true
}

// rawText keeps strings as-is and structured values as their JSON text.
func rawText(r gjson.Result) string {
	switch {
	case !r.Exists(), r.Type == gjson.Null:
		return ""
	case r.Type == gjson.String:
		return r.String()
	default:
		return r.Raw
	}
}

func decimalOf(r gjson.Result) decimal.Decimal {
	var raw string
	switch r.Type {
	case gjson.Number:
		raw = r.Raw
	case gjson.String:
		raw = strings.TrimSpace(r.String())
	default:
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
