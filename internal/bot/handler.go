// Package bot is the chat front-end: it turns messages into tracked orders and
// drives the channel selection keyboard.
package bot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ZRnown/dingdanBot/internal/links"
	"github.com/ZRnown/dingdanBot/internal/models"
	"github.com/ZRnown/dingdanBot/internal/service"
)

const (
	textNoMatch         = "未找到该链接对应的订单。"
	textOutsideChannels = "订单不属于当前选中的第三方分类，已跳过处理。"
	textChannelsFailed  = "获取第三方列表失败，请稍后重试。"
	textAlreadyAll      = "当前已是'全部'模式"
	textSwitchedAll     = "已切换到'全部'模式"
	textSaving          = "✅ 设置已保存。\n正在获取对应第三方订单..."
)

// OutgoingMessage is a text sent to a chat. ReplyTo 0 sends it unthreaded.
type OutgoingMessage struct {
	ChatID   int64
	ReplyTo  int
	Text     string
	Keyboard Keyboard
}

// Messenger is the chat transport.
type Messenger interface {
	Send(ctx context.Context, msg OutgoingMessage) error
	// Edit replaces the text of a sent message. A nil keyboard removes it.
	Edit(ctx context.Context, chatID int64, messageID int, text string, kb Keyboard) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type LinkTracker interface {
	TrackLink(ctx context.Context, link string, thread models.ChatThread) (service.TrackResult, error)
}

type ChannelSelector interface {
	View(ctx context.Context) (service.ChannelView, error)
	Toggle(ctx context.Context, channelID int64) (service.ChannelView, error)
	SelectAll(ctx context.Context) (service.ChannelView, bool, error)
	Finish(ctx context.Context) (service.BulkSyncResult, error)
}

// Callback is a button press on one of the bot's keyboards.
type Callback struct {
	ID        string
	ChatID    int64
	MessageID int
	Data      string
}

type Handler struct {
	Messenger Messenger
	Tracker   LinkTracker
	Channels  ChannelSelector
	Logger    *zap.Logger
}

// HandleText tracks every link in text. Messages without links are ignored.
func (h *Handler) HandleText(ctx context.Context, chatID int64, messageID int, text string) {
	found := links.Extract(text)
	if len(found) == 0 {
		return
	}
	thread := models.ChatThread{ChatID: chatID, MessageID: messageID}
	for _, link := range found {
		res, err := h.Tracker.TrackLink(ctx, link, thread)
		if err != nil {
			h.logger().Warn("track link failed", zap.String("link", link), zap.Int64("chat_id", chatID), zap.Error(err))
			continue
		}
		var reply string
		switch res.Outcome {
		case service.LinkNoMatch:
			reply = textNoMatch
		case service.LinkOutsideChannels:
			reply = textOutsideChannels
		}
		if reply == "" {
			continue
		}
		if err := h.Messenger.Send(ctx, OutgoingMessage{ChatID: chatID, ReplyTo: messageID, Text: reply}); err != nil {
			h.logger().Warn("reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}

// HandleChannelCommand shows the channel selection keyboard.
func (h *Handler) HandleChannelCommand(ctx context.Context, chatID int64, messageID int) {
	view, err := h.Channels.View(ctx)
	msg := OutgoingMessage{ChatID: chatID, ReplyTo: messageID}
	if err != nil || len(view.Channels) == 0 {
		if err != nil {
			h.logger().Warn("list channels failed", zap.Error(err))
		}
		msg.Text = textChannelsFailed
	} else {
		msg.Text = ChannelPrompt(view)
		msg.Keyboard = ChannelKeyboard(view)
	}
	if err := h.Messenger.Send(ctx, msg); err != nil {
		h.logger().Warn("send channel keyboard failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handler) HandleCallback(ctx context.Context, cb Callback) {
	action, channelID := parseCallback(cb.Data)
	switch action {
	case actionDone:
		h.answer(ctx, cb, "")
		h.finish(ctx, cb)
	case actionAll:
		view, changed, err := h.Channels.SelectAll(ctx)
		if err != nil {
			h.logger().Warn("select all channels failed", zap.Error(err))
			h.answer(ctx, cb, textChannelsFailed)
			return
		}
		if !changed {
			h.answer(ctx, cb, textAlreadyAll)
			return
		}
		h.answer(ctx, cb, textSwitchedAll)
		h.redraw(ctx, cb, view)
	case actionToggle:
		view, err := h.Channels.Toggle(ctx, channelID)
		if err != nil {
			h.logger().Warn("toggle channel failed", zap.Int64("channel_id", channelID), zap.Error(err))
			h.answer(ctx, cb, textChannelsFailed)
			return
		}
		h.answer(ctx, cb, "")
		h.redraw(ctx, cb, view)
	default:
		h.answer(ctx, cb, "")
	}
}

func (h *Handler) finish(ctx context.Context, cb Callback) {
	h.edit(ctx, cb, textSaving, nil)
	res, err := h.Channels.Finish(ctx)
	if err != nil {
		h.logger().Warn("sync after channel selection failed", zap.Error(err))
		h.edit(ctx, cb, "✅ 设置已保存。\n获取对应第三方订单失败："+err.Error(), nil)
		return
	}
	h.edit(ctx, cb, fmt.Sprintf("✅ 设置已保存。\n已获取对应第三方订单（共%d条）", res.Upserted), nil)
}

func (h *Handler) redraw(ctx context.Context, cb Callback, view service.ChannelView) {
	h.edit(ctx, cb, ChannelPrompt(view), ChannelKeyboard(view))
}

func (h *Handler) edit(ctx context.Context, cb Callback, text string, kb Keyboard) {
	if err := h.Messenger.Edit(ctx, cb.ChatID, cb.MessageID, text, kb); err != nil {
		h.logger().Warn("edit message failed", zap.Int64("chat_id", cb.ChatID), zap.Int("message_id", cb.MessageID), zap.Error(err))
	}
}

func (h *Handler) answer(ctx context.Context, cb Callback, text string) {
	if err := h.Messenger.AnswerCallback(ctx, cb.ID, text); err != nil {
		h.logger().Debug("answer callback failed", zap.String("callback_id", cb.ID), zap.Error(err))
	}
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
