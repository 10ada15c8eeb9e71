package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message != nil {
		b.handleMessage(ctx, update.Message)
	} else if update.CallbackQuery != nil {
		b.handleCallback(update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != b.chatID {
		b.logger.Debug("ignoring message from unknown chat")
		return
	}
	if strings.TrimSpace(msg.Text) == "" || !msg.IsCommand() {
		return
	}
	b.handleCommand(ctx, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
}

func (b *Bot) handleCallback(callback *tgbotapi.CallbackQuery) {
	if callback.Message == nil || callback.Message.Chat == nil || callback.Message.Chat.ID != b.chatID {
		b.answer(callback.ID, "Access denied")
		return
	}

	entityID, winner, ok := parseResolveData(callback.Data)
	if !ok {
		b.answer(callback.ID, "Unknown action")
		return
	}
	b.answer(callback.ID, b.resolve(entityID, winner))
}

func (b *Bot) answer(callbackID, text string) {
	if b.api == nil {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.logger.Debug("answer callback", "error", err)
	}
}
