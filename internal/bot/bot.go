// Package bot connects the conversation engine to Telegram through long
// polling.
package bot

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"marijobs-go/internal/config"
	"marijobs-go/internal/conversation"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

// Handler consumes inbound events.
type Handler interface {
	Handle(ctx context.Context, ev conversation.Event) error
}

// NewAPI logs in with the bot token.
func NewAPI(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, errors.Wrap(err, "telegram login")
	}
	api.Debug = cfg.Debug
	return api, nil
}

// Bot polls for updates and hands them to the handler. Updates of one chat
// are handled in arrival order; chats are handled concurrently.
type Bot struct {
	api         API
	handler     Handler
	pollTimeout int
	logger      *zap.Logger

	mu     sync.Mutex
	queues map[int64]*chatQueue
	wg     sync.WaitGroup
}

type chatQueue struct {
	pending []tgbotapi.Update
}

func New(api API, handler Handler, pollTimeout int, logger *zap.Logger) *Bot {
	if pollTimeout <= 0 {
		pollTimeout = 60
	}
	return &Bot{
		api:         api,
		handler:     handler,
		pollTimeout: pollTimeout,
		logger:      logger,
		queues:      make(map[int64]*chatQueue),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight updates.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.registerCommands(); err != nil {
		b.logger.Warn("failed to register bot commands", zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram polling started", zap.Int("timeout", b.pollTimeout))

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("telegram polling stopped")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.dispatch(context.WithoutCancel(ctx), upd)
		}
	}
}

func (b *Bot) registerCommands() error {
	cmds := make([]tgbotapi.BotCommand, 0, len(conversation.Commands))
	for _, c := range conversation.Commands {
		cmds = append(cmds, tgbotapi.BotCommand{Command: c.Name, Description: c.Description})
	}
	_, err := b.api.Request(tgbotapi.NewSetMyCommands(cmds...))
	return err
}

func (b *Bot) dispatch(ctx context.Context, upd tgbotapi.Update) {
	chatID, ok := updateChat(upd)
	if !ok {
		return
	}
	b.mu.Lock()
	q, running := b.queues[chatID]
	if !running {
		q = &chatQueue{}
		b.queues[chatID] = q
	}
	q.pending = append(q.pending, upd)
	b.mu.Unlock()

	if !running {
		b.wg.Add(1)
		go b.drain(ctx, chatID, q)
	}
}

// drain handles the chat's updates until none are left.
func (b *Bot) drain(ctx context.Context, chatID int64, q *chatQueue) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(q.pending) == 0 {
			delete(b.queues, chatID)
			b.mu.Unlock()
			return
		}
		upd := q.pending[0]
		q.pending = q.pending[1:]
		b.mu.Unlock()

		ev, ok := toEvent(upd)
		if !ok {
			continue
		}
		if err := b.handler.Handle(ctx, ev); err != nil {
			b.logger.Warn("update not handled",
				zap.Int("update_id", upd.UpdateID), zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}

func updateChat(upd tgbotapi.Update) (int64, bool) {
	switch {
	case upd.CallbackQuery != nil && upd.CallbackQuery.Message != nil:
		return upd.CallbackQuery.Message.Chat.ID, true
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		return upd.CallbackQuery.From.ID, true
	case upd.Message != nil && upd.Message.Chat != nil:
		return upd.Message.Chat.ID, true
	}
	return 0, false
}

// toEvent strips an update down to what the engine understands.
func toEvent(upd tgbotapi.Update) (conversation.Event, bool) {
	chatID, ok := updateChat(upd)
	if !ok {
		return conversation.Event{}, false
	}
	ev := conversation.Event{Individual: strconv.FormatInt(chatID, 10)}

	if cq := upd.CallbackQuery; cq != nil {
		ev.Callback = cq.Data
		ev.CallbackID = cq.ID
		if cq.From != nil {
			ev.Name = cq.From.FirstName
		}
		if cq.Message != nil {
			ev.MessageID = cq.Message.MessageID
		}
		return ev, ev.Callback != ""
	}

	msg := upd.Message
	if msg.From != nil {
		ev.Name = msg.From.FirstName
	}
	switch {
	case msg.Contact != nil:
		// Only the sender's own number counts.
		if msg.From != nil && msg.Contact.UserID != 0 && msg.Contact.UserID != msg.From.ID {
			return ev, true
		}
		ev.Contact = msg.Contact.PhoneNumber
	case msg.Document != nil:
		ev.Document = &conversation.Document{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MIMEType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
		}
	default:
		ev.Text = msg.Text
	}
	return ev, true
}
