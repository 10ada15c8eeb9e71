package bot

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/calsync/internal/domain"
)

const resolvePrefix = "resolve"

// conflictKeyboard offers both sides of a conflict.
func conflictKeyboard(entityID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Keep local", resolveData(entityID, domain.OriginLocal)),
			tgbotapi.NewInlineKeyboardButtonData("Keep remote", resolveData(entityID, domain.OriginRemote)),
		),
	)
}

// resolveData encodes resolve:<origin>:<entity>. Telegram caps callback data
// at 64 bytes; uuids fit.
func resolveData(entityID string, winner domain.Origin) string {
	return resolvePrefix + ":" + string(winner) + ":" + entityID
}

func parseResolveData(data string) (string, domain.Origin, bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != resolvePrefix || parts[2] == "" {
		return "", "", false
	}
	switch winner := domain.Origin(parts[1]); winner {
	case domain.OriginLocal, domain.OriginRemote:
		return parts[2], winner, true
	}
	return "", "", false
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}
