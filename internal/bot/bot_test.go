package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/calsync/internal/conflict"
	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/notify"
	"github.com/tazhate/calsync/internal/service"
)

const chatID = 100

type sent struct {
	chatID   int64
	text     string
	keyboard *tgbotapi.InlineKeyboardMarkup
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	got  chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{got: make(chan struct{}, 16)}
}

func (f *fakeSender) SendMessage(chatID int64, text string) error {
	return f.record(sent{chatID: chatID, text: text})
}

func (f *fakeSender) SendMessageWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) error {
	return f.record(sent{chatID: chatID, text: text, keyboard: &kb})
}

func (f *fakeSender) record(m sent) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
	f.got <- struct{}{}
	return nil
}

func (f *fakeSender) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

type fakeController struct {
	resolved map[string]domain.Origin
	cycleErr error
}

func (f *fakeController) RunCycle(_ context.Context, opts service.CycleOptions) (*service.CycleResult, error) {
	return &service.CycleResult{Trigger: opts.Trigger, Round: 7, Pushed: 2, Applied: 1, PushFailed: 1}, f.cycleErr
}

func (f *fakeController) Status() service.Status {
	return service.Status{Round: 7, Records: 12, PendingLocal: 1, Conflicts: 1, Activity: service.ActivityIdle}
}

func (f *fakeController) Conflicts() []conflict.Conflict {
	return []conflict.Conflict{{
		EntityID: "e1",
		Local:    &domain.Action{Kind: domain.ActionUpdate, Payload: &domain.Record{Title: "Plan <local>"}},
		Remote:   &domain.Action{Kind: domain.ActionDelete},
	}}
}

func (f *fakeController) ResolveConflict(entityID string, winner domain.Origin) (conflict.Resolution, error) {
	if entityID != "e1" {
		return conflict.Resolution{}, errors.New("no pending conflict")
	}
	if f.resolved == nil {
		f.resolved = make(map[string]domain.Origin)
	}
	f.resolved[entityID] = winner
	return conflict.Resolution{EntityID: entityID}, nil
}

func setup(t *testing.T) (*Bot, *fakeSender, *fakeController) {
	t.Helper()
	out := newFakeSender()
	ctl := &fakeController{}
	return newBot(out, ctl, chatID, nil), out, ctl
}

func TestFormatNotification(t *testing.T) {
	tests := []struct {
		kind notify.Kind
		want string
		ok   bool
	}{
		{notify.SyncFailure, "Sync failure", true},
		{notify.CalendarFallback, "Calendar missing", true},
		{notify.ConflictQueued, "Conflict", true},
		{notify.RecordCreated, "", false},
		{notify.CycleCompleted, "", false},
	}
	for _, tt := range tests {
		text, ok := formatNotification(notify.Notification{Kind: tt.kind, EntityID: "e1", Message: "a < b"})
		if ok != tt.ok || !strings.Contains(text, tt.want) {
			t.Errorf("%s: text = %q ok = %v", tt.kind, text, ok)
		}
		if ok && !strings.Contains(text, "a &lt; b") {
			t.Errorf("%s: message not escaped: %q", tt.kind, text)
		}
	}
}

func TestForwardRelaysOnlyActionableKinds(t *testing.T) {
	b, out, _ := setup(t)
	bus := notify.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.Forward(ctx, bus)
		close(done)
	}()
	for bus.Subscribers() == 0 {
		time.Sleep(time.Millisecond)
	}

	bus.Publish(notify.Notification{Kind: notify.RecordUpdated, EntityID: "e0"})
	bus.Publish(notify.Notification{Kind: notify.ConflictQueued, EntityID: "e1", Message: "both edited"})
	bus.Publish(notify.Notification{Kind: notify.SyncFailure, EntityID: "e2", Message: "create failed 3 times"})

	for i := 0; i < 2; i++ {
		select {
		case <-out.got:
		case <-time.After(2 * time.Second):
			t.Fatal("notification not forwarded")
		}
	}
	cancel()
	<-done

	msgs := out.messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].keyboard == nil || msgs[0].chatID != chatID {
		t.Errorf("conflict message should carry a keyboard: %+v", msgs[0])
	}
	if msgs[1].keyboard != nil || !strings.Contains(msgs[1].text, "3 times") {
		t.Errorf("failure message = %+v", msgs[1])
	}
}

func TestCommands(t *testing.T) {
	b, out, ctl := setup(t)
	ctx := context.Background()

	b.handleCommand(ctx, "status", "")
	b.handleCommand(ctx, "sync", "")
	b.handleCommand(ctx, "conflicts", "")
	b.handleCommand(ctx, "keep_remote", "e1")
	b.handleCommand(ctx, "keep_local", "")
	b.handleCommand(ctx, "bogus", "")

	msgs := out.messages()
	if len(msgs) != 6 {
		t.Fatalf("messages = %d, want 6", len(msgs))
	}
	wants := []string{"Round: 7", "pushed 2, applied 1, deleted 0, 1 failed", "Plan &lt;local&gt;", "keeping the remote version", "Usage", "Unknown command"}
	for i, want := range wants {
		if !strings.Contains(msgs[i].text, want) {
			t.Errorf("message %d = %q, want %q", i, msgs[i].text, want)
		}
	}
	if msgs[2].keyboard == nil {
		t.Error("conflict listing should carry a keyboard")
	}
	if ctl.resolved["e1"] != domain.OriginRemote {
		t.Errorf("resolved = %v", ctl.resolved)
	}

	ctl.cycleErr = errors.New("offline")
	b.handleCommand(ctx, "sync", "")
	if msgs := out.messages(); !strings.Contains(msgs[len(msgs)-1].text, "Sync failed: offline") {
		t.Errorf("last message = %q", msgs[len(msgs)-1].text)
	}
}

func TestMessagesFromOtherChatsIgnored(t *testing.T) {
	b, out, _ := setup(t)
	msg := &tgbotapi.Message{
		Text:     "/status",
		Chat:     &tgbotapi.Chat{ID: 999},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 7}},
	}
	b.handleMessage(context.Background(), msg)
	if len(out.messages()) != 0 {
		t.Fatal("replied to a foreign chat")
	}

	msg.Chat.ID = chatID
	b.handleMessage(context.Background(), msg)
	if len(out.messages()) != 1 {
		t.Fatal("command from the configured chat not handled")
	}
}

func TestCallbackResolvesConflict(t *testing.T) {
	b, _, ctl := setup(t)
	b.handleCallback(&tgbotapi.CallbackQuery{
		ID:      "cb1",
		Data:    resolveData("e1", domain.OriginLocal),
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
	})
	if ctl.resolved["e1"] != domain.OriginLocal {
		t.Fatalf("resolved = %v", ctl.resolved)
	}
}

func TestParseResolveData(t *testing.T) {
	tests := []struct {
		data   string
		entity string
		winner domain.Origin
		ok     bool
	}{
		{"resolve:local:abc", "abc", domain.OriginLocal, true},
		{"resolve:remote:a:b", "a:b", domain.OriginRemote, true},
		{"resolve:both:abc", "", "", false},
		{"resolve:local:", "", "", false},
		{"done:1", "", "", false},
	}
	for _, tt := range tests {
		entity, winner, ok := parseResolveData(tt.data)
		if entity != tt.entity || winner != tt.winner || ok != tt.ok {
			t.Errorf("parseResolveData(%q) = %q, %q, %v", tt.data, entity, winner, ok)
		}
	}
}
