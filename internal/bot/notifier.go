package bot

import (
	"context"
	"fmt"
	"html"

	"github.com/tazhate/calsync/internal/notify"
)

// Forward relays notifications that need a human to the chat until ctx is
// done.
func (b *Bot) Forward(ctx context.Context, bus *notify.Bus) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(n)
		}
	}
}

func (b *Bot) deliver(n notify.Notification) {
	text, ok := formatNotification(n)
	if !ok {
		return
	}
	var err error
	if n.Kind == notify.ConflictQueued {
		err = b.out.SendMessageWithKeyboard(b.chatID, text, conflictKeyboard(n.EntityID))
	} else {
		err = b.out.SendMessage(b.chatID, text)
	}
	if err != nil {
		b.logger.Warn("forward notification", "kind", n.Kind, "entity", n.EntityID, "error", err)
	}
}

func formatNotification(n notify.Notification) (string, bool) {
	switch n.Kind {
	case notify.SyncFailure:
		return fmt.Sprintf("<b>Sync failure</b>\n%s", html.EscapeString(n.Message)), true
	case notify.CalendarFallback:
		return fmt.Sprintf("<b>Calendar missing</b>\n%s", html.EscapeString(n.Message)), true
	case notify.ConflictQueued:
		return fmt.Sprintf("<b>Conflict</b>\n%s\n\nID: <code>%s</code>", html.EscapeString(n.Message), n.EntityID), true
	}
	return "", false
}
