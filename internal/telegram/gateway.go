// Package telegram connects the dialog dispatcher to the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"calbot/internal/dialog"
	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// API is the subset of *tgbotapi.BotAPI used for outbound calls.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler consumes inbound events.
type Handler interface {
	Handle(ctx context.Context, ev dialog.Event) error
}

// Gateway long-polls updates and implements dialog.Messenger. Events of one
// user are handled in arrival order by a dedicated worker; different users
// are handled concurrently.
type Gateway struct {
	bot         *tgbotapi.BotAPI
	api         API
	pollTimeout int

	mu      sync.Mutex
	workers map[int64]*worker
	wg      sync.WaitGroup
}

type worker struct {
	queue []dialog.Event
}

// New logs in with token. pollTimeout is the long-poll timeout in seconds.
func New(token string, pollTimeout int) (*Gateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	appLog.Info("telegram bot authorized", "username", bot.Self.UserName)
	g := newGateway(bot)
	g.bot = bot
	g.pollTimeout = pollTimeout
	return g, nil
}

func newGateway(api API) *Gateway {
	return &Gateway{api: api, workers: make(map[int64]*worker)}
}

// RegisterCommands publishes the command menu shown by Telegram clients.
func (g *Gateway) RegisterCommands() error {
	cfg := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "add", Description: "Add a task"},
		tgbotapi.BotCommand{Command: "list", Description: "Tasks of a day"},
		tgbotapi.BotCommand{Command: "delete", Description: "Delete a task"},
		tgbotapi.BotCommand{Command: "next", Description: "Upcoming tasks"},
		tgbotapi.BotCommand{Command: "auth", Description: "Connect your calendar"},
		tgbotapi.BotCommand{Command: "tz", Description: "Set your time zone"},
		tgbotapi.BotCommand{Command: "cancel", Description: "Abandon the current step"},
		tgbotapi.BotCommand{Command: "help", Description: "What I can do"},
	)
	if _, err := g.api.Request(cfg); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	return nil
}

// Run receives updates until ctx is done, then waits for in-flight handlers.
func (g *Gateway) Run(ctx context.Context, h Handler) error {
	if g.bot == nil {
		return fmt.Errorf("telegram: gateway has no bot connection")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = g.pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := g.bot.GetUpdatesChan(u)

	defer g.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			g.bot.StopReceivingUpdates()
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			ev, ok := toEvent(upd)
			if !ok {
				if cq := upd.CallbackQuery; cq != nil {
					_ = g.Ack(ctx, cq.ID)
				}
				continue
			}
			g.dispatch(ctx, ev, h)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, ev dialog.Event, h Handler) {
	g.mu.Lock()
	if w, ok := g.workers[ev.UserID]; ok {
		w.queue = append(w.queue, ev)
		g.mu.Unlock()
		return
	}
	w := &worker{queue: []dialog.Event{ev}}
	g.workers[ev.UserID] = w
	g.wg.Add(1)
	g.mu.Unlock()

	go g.drain(ctx, ev.UserID, w, h)
}

// drain handles the user's queue and retires the worker once it is empty.
func (g *Gateway) drain(ctx context.Context, userID int64, w *worker, h Handler) {
	defer g.wg.Done()
	for {
		g.mu.Lock()
		if len(w.queue) == 0 {
			delete(g.workers, userID)
			g.mu.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		g.mu.Unlock()

		if err := h.Handle(ctx, ev); err != nil {
			appLog.Debug("event handling failed", "user_id", userID, "error", err.Error())
		}
	}
}

// toEvent converts private-chat text messages and inline button presses.
func toEvent(u tgbotapi.Update) (dialog.Event, bool) {
	if cq := u.CallbackQuery; cq != nil {
		if cq.From == nil || cq.Message == nil || cq.Message.Chat == nil {
			return dialog.Event{}, false
		}
		return dialog.Event{
			UserID:     cq.From.ID,
			Message:    &model.MessageRef{ChatID: cq.Message.Chat.ID, MessageID: cq.Message.MessageID},
			Payload:    cq.Data,
			CallbackID: cq.ID,
		}, true
	}

	m := u.Message
	if m == nil || m.From == nil || m.Chat == nil || m.Text == "" {
		return dialog.Event{}, false
	}
	if m.Chat.Type != "private" {
		appLog.Debug("ignoring non-private chat", "chat_id", m.Chat.ID, "type", m.Chat.Type)
		return dialog.Event{}, false
	}
	return dialog.Event{UserID: m.From.ID, Text: m.Text}, true
}

func markup(kb model.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, r := range kb {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, b := range r {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Payload))
		}
		rows = append(rows, row)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// Send writes a new message into the user's private chat.
func (g *Gateway) Send(_ context.Context, userID int64, text string, kb model.Keyboard) (model.MessageRef, error) {
	msg := tgbotapi.NewMessage(userID, text)
	if len(kb) > 0 {
		msg.ReplyMarkup = markup(kb)
	}
	sent, err := g.api.Send(msg)
	if err != nil {
		return model.MessageRef{}, fmt.Errorf("telegram send: %w", err)
	}
	return model.MessageRef{ChatID: userID, MessageID: sent.MessageID}, nil
}

// Edit replaces the message text and keyboard, or only the keyboard when
// text is empty. A text edit without kb removes the keyboard.
func (g *Gateway) Edit(_ context.Context, ref model.MessageRef, text string, kb model.Keyboard) error {
	var c tgbotapi.Chattable
	if text == "" {
		c = tgbotapi.NewEditMessageReplyMarkup(ref.ChatID, ref.MessageID, markup(kb))
	} else {
		edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
		if len(kb) > 0 {
			m := markup(kb)
			edit.ReplyMarkup = &m
		}
		c = edit
	}
	if _, err := g.api.Send(c); err != nil {
		// Telegram rejects edits that change nothing; the message already
		// shows what we wanted.
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (g *Gateway) Ack(_ context.Context, callbackID string) error {
	if _, err := g.api.Request(tgbotapi.NewCallback(callbackID, "")); err != nil {
		return fmt.Errorf("telegram ack: %w", err)
	}
	return nil
}
