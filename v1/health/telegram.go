package health

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of *tgbotapi.BotAPI used to deliver alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends alerts as HTML messages to operator chats.
type TelegramNotifier struct {
	sender  Sender
	chatIDs []int64
	logger  *slog.Logger
}

// TelegramOption configures a TelegramNotifier.
type TelegramOption func(*TelegramNotifier)

// WithTelegramLogger sets the logger that records undeliverable chats.
func WithTelegramLogger(l *slog.Logger) TelegramOption {
	return func(n *TelegramNotifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewTelegramNotifier connects to the Bot API with token.
func NewTelegramNotifier(token string, chatIDs []int64, opts ...TelegramOption) (*TelegramNotifier, error) {
	if len(chatIDs) == 0 {
		return nil, errors.New("health: telegram notifier needs at least one chat id")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("health: telegram: %w", err)
	}
	return NewTelegramNotifierWithSender(bot, chatIDs, opts...), nil
}

// NewTelegramNotifierWithSender uses an existing sender.
func NewTelegramNotifierWithSender(sender Sender, chatIDs []int64, opts ...TelegramOption) *TelegramNotifier {
	n := &TelegramNotifier{
		sender:  sender,
		chatIDs: append([]int64(nil), chatIDs...),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify implements Notifier. Every chat is attempted. The alert counts as
// delivered when at least one chat received it; failed chats are only
// logged. An error is returned when no chat was reached.
func (n *TelegramNotifier) Notify(ctx context.Context, title, details string) error {
	text := fmt.Sprintf("<b>%s</b>\n<pre>%s</pre>", html.EscapeString(title), html.EscapeString(details))
	var (
		errs      []error
		delivered int
	)
	for _, id := range n.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := tgbotapi.NewMessage(id, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if _, err := n.sender.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
			continue
		}
		delivered++
	}
	if delivered > 0 {
		for _, err := range errs {
			n.logger.Warn("health: telegram chat unreachable", "error", err)
		}
		return nil
	}
	return errors.Join(errs...)
}
