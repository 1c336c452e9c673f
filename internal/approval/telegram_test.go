package approval

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cloud-shuttle/outrider/pkg/types"
)

type mockBot struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	updates chan tgbotapi.Update
}

func newMockBot() *mockBot {
	return &mockBot{updates: make(chan tgbotapi.Update, 10)}
}

func (m *mockBot) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updates
}

func (m *mockBot) StopReceivingUpdates() {}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (m *mockBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "outrider_test_bot"}
}

func (m *mockBot) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.sent {
		out = append(out, msg.Text)
	}
	return out
}

func (m *mockBot) reply(chatID int64, text string) {
	m.updates <- tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: text,
			Chat: &tgbotapi.Chat{ID: chatID},
		},
	}
}

func newTestChannel(t *testing.T, bot *mockBot, timeout time.Duration) *Channel {
	t.Helper()
	ch := NewChannelWithFactory("token", 42, timeout, func(string) (TelegramBot, error) {
		return bot, nil
	})
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(ch.Stop)
	return ch
}

func TestChannel_Approve(t *testing.T) {
	bot := newMockBot()
	ch := newTestChannel(t, bot, time.Minute)

	done := make(chan Decision, 1)
	go func() {
		d, err := ch.RequestApproval(context.Background(), &types.Task{ID: "T-1", Title: "add caching"})
		if err != nil {
			t.Errorf("RequestApproval failed: %v", err)
		}
		done <- d
	}()

	// Wait for the prompt to go out, then answer.
	waitFor(t, func() bool { return len(bot.sentTexts()) == 1 })
	if !strings.Contains(bot.sentTexts()[0], "T-1") {
		t.Errorf("Prompt does not name the task: %q", bot.sentTexts()[0])
	}
	bot.reply(42, "approve T-1")

	select {
	case d := <-done:
		if d != Approved {
			t.Error("Expected approval")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Decision never arrived")
	}
}

func TestChannel_Reject(t *testing.T) {
	bot := newMockBot()
	ch := newTestChannel(t, bot, time.Minute)

	done := make(chan Decision, 1)
	go func() {
		d, _ := ch.RequestApproval(context.Background(), &types.Task{ID: "T-2", Title: "risky change"})
		done <- d
	}()

	waitFor(t, func() bool { return len(bot.sentTexts()) == 1 })
	bot.reply(42, "reject t-2")

	select {
	case d := <-done:
		if d != Rejected {
			t.Error("Expected rejection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Decision never arrived")
	}
}

func TestChannel_TimeoutRejects(t *testing.T) {
	bot := newMockBot()
	ch := newTestChannel(t, bot, 50*time.Millisecond)

	d, err := ch.RequestApproval(context.Background(), &types.Task{ID: "T-3", Title: "ignored"})
	if err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if d != Rejected {
		t.Error("Silence must reject")
	}
}

func TestChannel_IgnoresForeignChat(t *testing.T) {
	bot := newMockBot()
	ch := newTestChannel(t, bot, 200*time.Millisecond)

	done := make(chan Decision, 1)
	go func() {
		d, _ := ch.RequestApproval(context.Background(), &types.Task{ID: "T-4", Title: "guarded"})
		done <- d
	}()

	waitFor(t, func() bool { return len(bot.sentTexts()) == 1 })
	// An approval from the wrong chat must not count.
	bot.reply(99, "approve T-4")

	select {
	case d := <-done:
		if d != Rejected {
			t.Error("Foreign-chat approval was honored")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Decision never arrived")
	}
}

func TestChannel_Notify(t *testing.T) {
	bot := newMockBot()
	ch := newTestChannel(t, bot, time.Minute)

	if err := ch.Notify(context.Background(), "task T-9 recovered"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	texts := bot.sentTexts()
	if len(texts) != 1 || texts[0] != "task T-9 recovered" {
		t.Errorf("Unexpected notifications: %v", texts)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition never met")
}
