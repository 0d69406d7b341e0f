// Package telegram is the chat frontend. It long-polls the Bot API, turns
// updates into chat events for a single dispatcher loop and delivers the
// orchestrator's replies under an outbound rate limit.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/config"
)

// maxTextLength stays under Telegram's 4096 character message limit.
const maxTextLength = 4000

// botAPI is the subset of *tgbotapi.BotAPI the frontend uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handler consumes chat events. Handle must return quickly; it runs on the
// dispatcher goroutine.
type Handler interface {
	Handle(ctx context.Context, ev schemas.ChatEvent)
}

// Bot is the Telegram chat frontend.
type Bot struct {
	api     botAPI
	cfg     config.TelegramConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New connects to the Bot API with the configured token.
func New(cfg config.TelegramConfig, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	api.Debug = cfg.Debug
	b := newBot(api, cfg, logger)
	b.logger.Info("Authorized on Telegram.", zap.String("bot", api.Self.UserName))
	return b, nil
}

func newBot(api botAPI, cfg config.TelegramConfig, logger *zap.Logger) *Bot {
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Every(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Bot{
		api:     api,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("telegram"),
	}
}

// Run long-polls for updates and hands each one to h, in arrival order, until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context, h Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.logger.Info("Dispatcher started.")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Dispatcher stopped.")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			ev, ok := toEvent(upd)
			if !ok {
				continue
			}
			b.dispatch(ctx, h, ev)
		}
	}
}

// dispatch shields the loop from a panicking handler.
func (b *Bot) dispatch(ctx context.Context, h Handler, ev schemas.ChatEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked.", zap.Any("panic", r), zap.Int64("user_id", ev.UserID), zap.Stack("stack"))
		}
	}()
	h.Handle(ctx, ev)
}

// toEvent keeps only plain messages with a sender and some text.
func toEvent(upd tgbotapi.Update) (schemas.ChatEvent, bool) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return schemas.ChatEvent{}, false
	}
	ev := schemas.ChatEvent{UserID: msg.From.ID, ChatID: msg.Chat.ID}
	if msg.IsCommand() {
		ev.Command = msg.Command()
		return ev, ev.Command != ""
	}
	ev.Text = msg.Text
	return ev, msg.Text != ""
}

// SendText sends a plain text message, truncating overly long ones.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	return b.send(ctx, tgbotapi.NewMessage(chatID, truncate(text)))
}

// SendPhoto uploads a PNG with a caption.
func (b *Bot) SendPhoto(ctx context.Context, chatID int64, png []byte, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "captcha.png", Bytes: png})
	photo.Caption = caption
	return b.send(ctx, photo)
}

// SendDocument uploads a file under the given name.
func (b *Bot) SendDocument(ctx context.Context, chatID int64, data []byte, filename, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = caption
	return b.send(ctx, doc)
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting to send: %w", err)
	}
	if _, err := b.api.Send(c); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func truncate(text string) string {
	if utf8.RuneCountInString(text) <= maxTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxTextLength]) + "\n\n... (truncated)"
}
