package bot

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ZRnown/dingdanBot/internal/models"
)

// Notifier replies to the message that started tracking and falls back to a
// plain message when the reply cannot be threaded.
type Notifier struct {
	Messenger Messenger
	Logger    *zap.Logger
}

func (n *Notifier) Notify(ctx context.Context, thread models.ChatThread, text string) error {
	err := n.Messenger.Send(ctx, OutgoingMessage{ChatID: thread.ChatID, ReplyTo: thread.MessageID, Text: text})
	if err == nil {
		return nil
	}
	if n.Logger != nil {
		n.Logger.Warn("threaded notification failed, sending plain", zap.Int64("chat_id", thread.ChatID), zap.Error(err))
	}
	if ferr := n.Messenger.Send(ctx, OutgoingMessage{ChatID: thread.ChatID, Text: text}); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}
