package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"
)

// Telegram is the Messenger backed by the Bot API.
type Telegram struct {
	// PollTimeout is the long polling wait per getUpdates call.
	PollTimeout time.Duration

	bot    *telego.Bot
	logger *zap.Logger
}

func NewTelegram(token string, logger *zap.Logger) (*Telegram, error) {
	b, err := telego.NewBot(strings.TrimSpace(token), telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{bot: b, logger: logger}, nil
}

func (t *Telegram) Send(ctx context.Context, msg OutgoingMessage) error {
	params := &telego.SendMessageParams{
		ChatID: tu.ID(msg.ChatID),
		Text:   msg.Text,
	}
	if msg.ReplyTo > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: msg.ReplyTo}
	}
	if len(msg.Keyboard) > 0 {
		params.ReplyMarkup = inlineKeyboard(msg.Keyboard)
	}
	_, err := t.bot.SendMessage(ctx, params)
	return err
}

func (t *Telegram) Edit(ctx context.Context, chatID int64, messageID int, text string, kb Keyboard) error {
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	}
	if len(kb) > 0 {
		params.ReplyMarkup = inlineKeyboard(kb)
	}
	_, err := t.bot.EditMessageText(ctx, params)
	return err
}

func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return t.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
}

// Run long-polls for updates and routes them to h until ctx is done.
// channelCommand is the command name without the leading slash.
func (t *Telegram) Run(ctx context.Context, h *Handler, channelCommand string) error {
	var params *telego.GetUpdatesParams
	if secs := int(t.PollTimeout / time.Second); secs > 0 {
		params = &telego.GetUpdatesParams{Timeout: secs}
	}
	updates, err := t.bot.UpdatesViaLongPolling(ctx, params)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	bh, err := th.NewBotHandler(t.bot, updates)
	if err != nil {
		return fmt.Errorf("create update handler: %w", err)
	}

	bh.HandleMessage(func(_ *th.Context, msg telego.Message) error {
		h.HandleChannelCommand(ctx, msg.Chat.ID, msg.MessageID)
		return nil
	}, th.CommandEqual(channelCommand))

	bh.HandleCallbackQuery(func(_ *th.Context, q telego.CallbackQuery) error {
		h.HandleCallback(ctx, Callback{
			ID:        q.ID,
			ChatID:    q.Message.GetChat().ID,
			MessageID: q.Message.GetMessageID(),
			Data:      q.Data,
		})
		return nil
	}, th.AnyCallbackQueryWithMessage(), th.CallbackDataPrefix(callbackPrefix))

	bh.HandleMessage(func(_ *th.Context, msg telego.Message) error {
		h.HandleText(ctx, msg.Chat.ID, msg.MessageID, msg.Text)
		return nil
	}, th.AnyMessageWithText())

	done := make(chan struct{})
	go func() {
		defer close(done)
		bh.Start()
	}()
	t.logger.Info("telegram bot started", zap.String("channel_command", "/"+channelCommand))

	<-ctx.Done()
	bh.Stop()
	<-done
	t.logger.Info("telegram bot stopped")
	return nil
}

func inlineKeyboard(kb Keyboard) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, telego.InlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
		}
		rows = append(rows, buttons)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}
