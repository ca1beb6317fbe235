package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// Status reports live service numbers for the /status command.
type Status interface {
	ActiveSessions() int
	Capacity() int
}

// Adapter delivers staff follow-ups to Telegram chats and answers staff
// commands.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	status Status
}

// New creates a Telegram adapter.
func New(token string, status Status) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{bot: bot, status: status}, nil
}

// Start begins long-polling for staff commands.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			a.handleCommand(update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, fmt.Sprintf("Registration follow-ups can be routed here with target telegram:%d", chatID))
	case "status":
		if a.status == nil {
			a.sendResponse(chatID, "Status unavailable.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Live sessions: %d/%d", a.status.ActiveSessions(), a.status.Capacity()))
	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /status")
	}
}

// Deliver is a delivery.Handler for targets of the form "telegram:<chatID>".
func (a *Adapter) Deliver(target, message string) error {
	chatID, err := parseTarget(target)
	if err != nil {
		return err
	}
	return a.send(chatID, message)
}

func (a *Adapter) send(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	if err := a.send(chatID, text); err != nil {
		slog.Warn("telegram send failed", "chat_id", chatID, "error", err)
	}
}

func parseTarget(target string) (int64, error) {
	raw, ok := strings.CutPrefix(target, "telegram:")
	if !ok {
		return 0, fmt.Errorf("not a telegram target: %s", target)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id %q: %w", raw, err)
	}
	return chatID, nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
