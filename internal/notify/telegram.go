// Package notify pushes escalations and recovery failures to humans over
// Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-conductor/internal/bus"
)

// maxMessageRunes stays under Telegram's 4096 character limit after escaping.
const maxMessageRunes = 3000

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Config struct {
	Token   string
	ChatIDs []int64
	Bus     *bus.Bus
	Logger  *slog.Logger
	// Sender replaces the bot built from Token.
	Sender Sender
}

// Telegram forwards agent.escalated and agent.failed events to every
// configured chat.
type Telegram struct {
	token   string
	chatIDs []int64
	bus     *bus.Bus
	logger  *slog.Logger
	sender  Sender

	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTelegram(cfg Config) (*Telegram, error) {
	if cfg.Bus == nil {
		return nil, errors.New("telegram notifier: bus is required")
	}
	if cfg.Sender == nil && cfg.Token == "" {
		return nil, errors.New("telegram notifier: token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram notifier: at least one chat id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		token:   cfg.Token,
		chatIDs: cfg.ChatIDs,
		bus:     cfg.Bus,
		logger:  logger.With("component", "notify", "channel", "telegram"),
		sender:  cfg.Sender,
	}, nil
}

// Start connects the bot and begins forwarding in the background.
func (t *Telegram) Start(ctx context.Context) error {
	if t.sender == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		t.logger.Info("telegram bot started", "user", bot.Self.UserName)
		t.sender = bot
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.sub = t.bus.Subscribe("agent.")
	t.wg.Add(1)
	go t.loop(ctx)
	return nil
}

// Stop ends forwarding and waits for the loop to exit.
func (t *Telegram) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Telegram) loop(ctx context.Context) {
	defer t.wg.Done()
	defer t.bus.Unsubscribe(t.sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.sub.Ch():
			if !ok {
				return
			}
			if text, ok := formatEvent(ev); ok {
				t.broadcast(text)
			}
		}
	}
}

func (t *Telegram) broadcast(text string) {
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		if _, err := t.sender.Send(msg); err != nil {
			t.logger.Error("failed to send telegram notification", "chat_id", chatID, "error", err)
		}
	}
}

func formatEvent(ev bus.Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case bus.AgentEscalatedEvent:
		var b strings.Builder
		fmt.Fprintf(&b, "🚨 *Escalated* %s agent on `%s`\n%s",
			escapeMarkdownV2(p.Role), escapeCode(p.OwnerKey), escapeMarkdownV2(p.Reason))
		if p.Summary != "" {
			fmt.Fprintf(&b, "\n\n*Final summary*\n%s", escapeMarkdownV2(truncate(p.Summary, maxMessageRunes)))
		}
		fmt.Fprintf(&b, "\n\nagent `%s`", escapeCode(p.AgentID))
		return b.String(), true
	case bus.AgentFailedEvent:
		return fmt.Sprintf("⚠️ *Failed* %s agent on `%s`\n%s\n\nagent `%s`",
			escapeMarkdownV2(p.Role), escapeCode(p.OwnerKey), escapeMarkdownV2(p.Reason), escapeCode(p.AgentID)), true
	}
	return "", false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// escapeMarkdownV2 escapes the characters Telegram MarkdownV2 reserves:
// _ * [ ] ( ) ~ ` > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, c := range s {
		if strings.ContainsRune(special, c) {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// escapeCode escapes text placed inside an inline code span.
func escapeCode(s string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(s)
}
