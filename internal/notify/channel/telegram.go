package channel

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/notify"
)

// Telegram is the chat-bot channel variant, posting formatted messages to a
// single configured chat.
type Telegram struct {
	verbosity notify.Verbosity
	bot       *tgbotapi.BotAPI
	chatID    int64
}

func NewTelegram(verbosity notify.Verbosity, token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{verbosity: verbosity, bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Name() string               { return "chat-bot" }
func (t *Telegram) Verbosity() notify.Verbosity { return t.verbosity }

func (t *Telegram) Format(ev model.OpportunityEvent) notify.Payload {
	return formatPayload(ev, t.verbosity)
}

func (t *Telegram) Deliver(_ context.Context, p notify.Payload) error {
	text := fmt.Sprintf("%s %s\nspread: %s\nAPY: %s", p.Kind, p.Symbol, p.CurrentSpread, p.AnnualizedReturn)
	if t.verbosity == notify.VerbosityDetailed {
		text += fmt.Sprintf("\nlong: %s short: %s\ninterval: %dh", p.LongExchange, p.ShortExchange, p.IntervalHours)
	}
	if p.Kind == model.EventDisappeared {
		text += fmt.Sprintf("\nclosed after %dms (%s)", p.DurationMs, p.DisappearReason)
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	_, err := t.bot.Send(msg)
	return err
}

func (t *Telegram) HealthCheck(context.Context) error {
	_, err := t.bot.GetMe()
	return err
}
