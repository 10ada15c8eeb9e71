package bot

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/service"
)

func (b *Bot) handleCommand(ctx context.Context, cmd, args string) {
	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "sync":
		b.cmdSync(ctx)
	case "conflicts":
		b.cmdConflicts()
	case "keep_local":
		b.send(b.resolve(args, domain.OriginLocal))
	case "keep_remote":
		b.send(b.resolve(args, domain.OriginRemote))
	default:
		b.send("Unknown command. /help lists them.")
	}
}

func (b *Bot) cmdHelp() {
	b.send(`<b>Commands</b>
/status - sync status
/sync - run a sync cycle now
/conflicts - conflicts waiting for a decision
/keep_local ID - resolve a conflict with the local version
/keep_remote ID - resolve a conflict with the remote version`)
}

func (b *Bot) cmdStatus() {
	st := b.ctl.Status()
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Sync status</b>\n\n")
	fmt.Fprintf(&sb, "Round: %d\nRecords: %d\nPending local: %d\nPending remote: %d\n",
		st.Round, st.Records, st.PendingLocal, st.PendingRemote)
	fmt.Fprintf(&sb, "Deletion candidates: %d\nConflicts: %d\nActivity: %s\n",
		len(st.Candidates), st.Conflicts, st.Activity)
	if st.LastCycle != nil {
		fmt.Fprintf(&sb, "\nLast cycle: %s (%s)", st.LastCycle.FinishedAt.Format("2006-01-02 15:04:05"), st.LastCycle.Trigger)
	}
	b.send(sb.String())
}

func (b *Bot) cmdSync(ctx context.Context) {
	res, err := b.ctl.RunCycle(ctx, service.CycleOptions{Trigger: service.TriggerManual})
	if err != nil {
		b.send("Sync failed: " + html.EscapeString(err.Error()))
		return
	}
	b.send(formatCycle(res))
}

func (b *Bot) cmdConflicts() {
	conflicts := b.ctl.Conflicts()
	if len(conflicts) == 0 {
		b.send("No conflicts.")
		return
	}
	for _, c := range conflicts {
		text := fmt.Sprintf("<b>Conflict</b> %s\nLocal: %s\nRemote: %s",
			c.EntityID, actionTitle(c.Local), actionTitle(c.Remote))
		if err := b.out.SendMessageWithKeyboard(b.chatID, text, conflictKeyboard(c.EntityID)); err != nil {
			b.logger.Warn("send conflict", "entity", c.EntityID, "error", err)
		}
	}
}

func (b *Bot) resolve(entityID string, winner domain.Origin) string {
	if entityID == "" {
		return "Usage: /keep_local ID or /keep_remote ID"
	}
	if _, err := b.ctl.ResolveConflict(entityID, winner); err != nil {
		return "Could not resolve: " + html.EscapeString(err.Error())
	}
	return fmt.Sprintf("Conflict %s resolved, keeping the %s version.", entityID, winner)
}

func formatCycle(res *service.CycleResult) string {
	if !res.Ran() {
		return "Sync skipped: " + string(res.Skipped)
	}
	text := fmt.Sprintf("Sync round %d: pushed %d, applied %d, deleted %d", res.Round, res.Pushed, res.Applied, res.Confirmed)
	if res.PushFailed > 0 {
		text += fmt.Sprintf(", %d failed", res.PushFailed)
	}
	if res.Conflicts > 0 {
		text += fmt.Sprintf(", %d conflicts", res.Conflicts)
	}
	return text
}

func actionTitle(a *domain.Action) string {
	if a == nil {
		return "-"
	}
	if a.Kind == domain.ActionDelete || a.Payload == nil {
		return string(a.Kind)
	}
	return fmt.Sprintf("%s %q, %s %s", a.Kind, html.EscapeString(truncate(a.Payload.Title, 40)),
		a.Payload.Start.Format("Jan 2"), a.Payload.FormatTime())
}
