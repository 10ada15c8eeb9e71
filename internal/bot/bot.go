package bot

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/calsync/internal/conflict"
	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/service"
)

// Controller is the sync engine surface exposed to the chat.
type Controller interface {
	RunCycle(ctx context.Context, opts service.CycleOptions) (*service.CycleResult, error)
	Status() service.Status
	Conflicts() []conflict.Conflict
	ResolveConflict(entityID string, winner domain.Origin) (conflict.Resolution, error)
}

// MessageSender delivers chat messages.
type MessageSender interface {
	SendMessage(chatID int64, text string) error
	SendMessageWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error
}

// Bot forwards sync notifications to one Telegram chat and answers a few
// operator commands from that chat.
type Bot struct {
	api    *tgbotapi.BotAPI
	out    MessageSender
	ctl    Controller
	chatID int64
	logger *slog.Logger
}

func New(token string, chatID int64, ctl Controller, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	b := newBot(&apiSender{api: api}, ctl, chatID, logger)
	b.api = api
	b.logger.Info("telegram bot authorized", "username", api.Self.UserName)

	b.setCommands()
	return b, nil
}

func newBot(out MessageSender, ctl Controller, chatID int64, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{out: out, ctl: ctl, chatID: chatID, logger: logger}
}

func (b *Bot) setCommands() {
	commands := []tgbotapi.BotCommand{
		{Command: "status", Description: "Sync status"},
		{Command: "sync", Description: "Run a sync cycle now"},
		{Command: "conflicts", Description: "Conflicts waiting for a decision"},
		{Command: "help", Description: "Command list"},
	}

	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := b.api.Request(cfg); err != nil {
		b.logger.Warn("set bot commands", "error", err)
	}
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	if b.api == nil {
		return fmt.Errorf("telegram bot not connected")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) send(text string) {
	if err := b.out.SendMessage(b.chatID, text); err != nil {
		b.logger.Warn("send telegram message", "error", err)
	}
}

type apiSender struct {
	api *tgbotapi.BotAPI
}

func (s *apiSender) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	_, err := s.api.Send(msg)
	return err
}

func (s *apiSender) SendMessageWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	msg.ReplyMarkup = keyboard
	_, err := s.api.Send(msg)
	return err
}
