// Package approval gates plan execution behind a human yes/no delivered over
// Telegram, and doubles as the operator notification channel.
package approval

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cloud-shuttle/outrider/pkg/types"
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token string) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token string) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Decision is the human's answer to an approval request.
type Decision int

const (
	// Rejected is the default when the operator says no or never answers.
	Rejected Decision = iota
	// Approved lets the task proceed to execution.
	Approved
)

// Channel is the Telegram-backed approval and notification channel.
type Channel struct {
	token   string
	chatID  int64
	timeout time.Duration
	bot     TelegramBot
	factory BotFactory
	cancel  context.CancelFunc
	verbose bool

	mu      sync.Mutex
	pending map[string]chan Decision
}

// NewChannel creates a Telegram approval channel. A zero timeout defaults to
// 30 minutes.
func NewChannel(token string, chatID int64, timeout time.Duration) *Channel {
	return NewChannelWithFactory(token, chatID, timeout, defaultBotFactory)
}

// NewChannelWithFactory creates a Channel with custom bot factory (for testing)
func NewChannelWithFactory(token string, chatID int64, timeout time.Duration, factory BotFactory) *Channel {
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &Channel{
		token:   token,
		chatID:  chatID,
		timeout: timeout,
		factory: factory,
		pending: make(map[string]chan Decision),
	}
}

// SetVerbose enables or disables verbose logging
func (c *Channel) SetVerbose(v bool) {
	c.verbose = v
}

// SetBot injects a bot directly, bypassing the factory (for testing)
func (c *Channel) SetBot(bot TelegramBot) {
	c.bot = bot
}

// Start connects the bot and begins consuming operator replies.
func (c *Channel) Start(ctx context.Context) error {
	bot, err := c.factory(c.token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = bot
	log.Printf("💬 Telegram approval channel authorized as @%s", bot.GetSelf().UserName)

	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				c.handleMessage(update.Message)
			case <-ctx.Done():
				bot.StopReceivingUpdates()
				return
			}
		}
	}()
	return nil
}

// Stop disconnects the bot.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// RequestApproval asks the operator to approve a task's plan and blocks for
// the answer. No answer within the timeout counts as a rejection: silence
// never runs code.
func (c *Channel) RequestApproval(ctx context.Context, task *types.Task) (Decision, error) {
	ch := make(chan Decision, 1)
	c.mu.Lock()
	c.pending[strings.ToLower(task.ID)] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, strings.ToLower(task.ID))
		c.mu.Unlock()
	}()

	if err := c.send(approvalPrompt(task)); err != nil {
		return Rejected, fmt.Errorf("sending approval request: %w", err)
	}

	select {
	case decision := <-ch:
		return decision, nil
	case <-time.After(c.timeout):
		log.Printf("⏰ Approval request for task %s timed out after %s", task.ID, c.timeout)
		return Rejected, nil
	case <-ctx.Done():
		return Rejected, ctx.Err()
	}
}

// Notify sends a one-way operator notification. Satisfies the recovery
// service's notifier.
func (c *Channel) Notify(_ context.Context, text string) error {
	return c.send(text)
}

func (c *Channel) send(text string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram channel not started")
	}
	msg := tgbotapi.NewMessage(c.chatID, text)
	_, err := c.bot.Send(msg)
	return err
}

// handleMessage parses "approve <task-id>" / "reject <task-id>" replies from
// the configured chat.
func (c *Channel) handleMessage(msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != c.chatID {
		if c.verbose {
			log.Printf("💬 Ignoring message from unexpected chat")
		}
		return
	}

	fields := strings.Fields(strings.ToLower(strings.TrimSpace(msg.Text)))
	if len(fields) != 2 {
		return
	}
	verb, taskID := fields[0], fields[1]

	var decision Decision
	switch verb {
	case "approve", "yes", "lgtm":
		decision = Approved
	case "reject", "no":
		decision = Rejected
	default:
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[taskID]
	c.mu.Unlock()
	if !ok {
		if c.verbose {
			log.Printf("💬 No pending approval for task %s", taskID)
		}
		return
	}

	select {
	case ch <- decision:
	default:
	}
}

func approvalPrompt(task *types.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s needs approval: %s\n", task.ID, task.Title)
	if task.Plan != nil {
		if len(task.Plan.Goals) > 0 {
			b.WriteString("\nPlan:\n")
			for _, goal := range task.Plan.Goals {
				fmt.Fprintf(&b, "• %s\n", goal)
			}
		}
		if task.Plan.Effort != "" {
			fmt.Fprintf(&b, "Effort: %s\n", task.Plan.Effort)
		}
	}
	fmt.Fprintf(&b, "\nReply \"approve %s\" or \"reject %s\".", task.ID, task.ID)
	return b.String()
}
