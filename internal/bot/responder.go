package bot

import (
	"context"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"marijobs-go/internal/conversation"
	"marijobs-go/pkg/httpclient"
)

// maxMessageRunes is Telegram's limit on message text.
const maxMessageRunes = 4096

// Responder renders engine messages as Telegram messages and downloads
// uploaded files.
type Responder struct {
	api    API
	http   *httpclient.HttpClient
	token  string
	logger *zap.Logger
}

func NewResponder(api API, client *httpclient.HttpClient, token string, logger *zap.Logger) *Responder {
	return &Responder{api: api, http: client, token: token, logger: logger}
}

func (r *Responder) Send(_ context.Context, individual string, msg conversation.Message) error {
	chatID, err := strconv.ParseInt(individual, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "chat id %q", individual)
	}
	if msg.EditMessageID != 0 {
		err := r.edit(chatID, msg)
		if err == nil || msg.Text == "" {
			return err
		}
		r.logger.Debug("edit failed, sending a new message", zap.Int64("chat_id", chatID), zap.Error(err))
	}

	out := tgbotapi.NewMessage(chatID, clip(msg.Text))
	out.ParseMode = tgbotapi.ModeHTML
	out.DisableWebPagePreview = msg.DisablePreview
	switch {
	case msg.RequestContact:
		kb := tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonContact("📱 Share contact")))
		kb.OneTimeKeyboard = true
		kb.ResizeKeyboard = true
		out.ReplyMarkup = kb
	case len(msg.Keyboard) > 0:
		out.ReplyMarkup = inlineMarkup(msg.Keyboard)
	case msg.RemoveKeyboard:
		out.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	}
	_, err = r.api.Send(out)
	return errors.Wrap(err, "send message")
}

func (r *Responder) edit(chatID int64, msg conversation.Message) error {
	if msg.Text == "" {
		_, err := r.api.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, msg.EditMessageID, inlineMarkup(msg.Keyboard)))
		return ignoreNotModified(err)
	}
	edit := tgbotapi.NewEditMessageText(chatID, msg.EditMessageID, clip(msg.Text))
	edit.ParseMode = tgbotapi.ModeHTML
	edit.DisableWebPagePreview = msg.DisablePreview
	if len(msg.Keyboard) > 0 {
		markup := inlineMarkup(msg.Keyboard)
		edit.ReplyMarkup = &markup
	}
	_, err := r.api.Send(edit)
	return ignoreNotModified(err)
}

// ignoreNotModified drops the error Telegram returns for an edit that
// changes nothing.
func ignoreNotModified(err error) error {
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

func (r *Responder) Answer(_ context.Context, callbackID, text string) error {
	_, err := r.api.Request(tgbotapi.NewCallback(callbackID, text))
	return errors.Wrap(err, "answer callback")
}

// Download fetches an uploaded file. Errors never carry the file URL, which
// embeds the bot token.
func (r *Responder) Download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := r.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, errors.Newf("resolve file %s: %s", fileID, r.redact(err))
	}
	data, err := r.http.GetBody(ctx, url)
	if err != nil {
		return nil, errors.Newf("download file %s: %s", fileID, r.redact(err))
	}
	return data, nil
}

func (r *Responder) redact(err error) string {
	msg := err.Error()
	if r.token != "" {
		msg = strings.ReplaceAll(msg, r.token, "<token>")
	}
	return msg
}

func inlineMarkup(kb conversation.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func clip(text string) string {
	r := []rune(text)
	if len(r) <= maxMessageRunes {
		return text
	}
	return string(r[:maxMessageRunes-1]) + "…"
}
