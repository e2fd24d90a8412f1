package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marijobs-go/internal/conversation"
	"marijobs-go/pkg/httpclient"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	updates  chan tgbotapi.Update
	stopped  bool
	fileURL  string
	sendErr  error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	err := f.sendErr
	f.sendErr = nil
	return tgbotapi.Message{}, err
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) GetFileDirectURL(string) (string, error) {
	return f.fileURL, nil
}

type recordingHandler struct {
	mu     sync.Mutex
	events []conversation.Event
	delay  time.Duration
}

func (h *recordingHandler) Handle(_ context.Context, ev conversation.Event) error {
	time.Sleep(h.delay)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHandler) texts(individual string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.Individual == individual {
			out = append(out, ev.Text)
		}
	}
	return out
}

func textUpdate(id int, chat int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			MessageID: id,
			From:      &tgbotapi.User{ID: chat, FirstName: "Maria"},
			Chat:      &tgbotapi.Chat{ID: chat},
			Text:      text,
		},
	}
}

func TestToEvent_Text(t *testing.T) {
	ev, ok := toEvent(textUpdate(1, 42, "/start"))
	require.True(t, ok)
	assert.Equal(t, "42", ev.Individual)
	assert.Equal(t, "Maria", ev.Name)
	assert.Equal(t, "/start", ev.Text)
}

func TestToEvent_Callback(t *testing.T) {
	ev, ok := toEvent(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cq1",
		From:    &tgbotapi.User{ID: 42, FirstName: "Maria"},
		Message: &tgbotapi.Message{MessageID: 9, Chat: &tgbotapi.Chat{ID: 42}},
		Data:    "vote:up:abc",
	}})
	require.True(t, ok)
	assert.Equal(t, "42", ev.Individual)
	assert.Equal(t, "vote:up:abc", ev.Callback)
	assert.Equal(t, "cq1", ev.CallbackID)
	assert.Equal(t, 9, ev.MessageID)
}

func TestToEvent_Contact(t *testing.T) {
	upd := textUpdate(1, 42, "")
	upd.Message.Contact = &tgbotapi.Contact{PhoneNumber: "351900000001", UserID: 42}
	ev, ok := toEvent(upd)
	require.True(t, ok)
	assert.Equal(t, "351900000001", ev.Contact)

	upd.Message.Contact = &tgbotapi.Contact{PhoneNumber: "351911111111", UserID: 7}
	ev, ok = toEvent(upd)
	require.True(t, ok)
	assert.Empty(t, ev.Contact, "someone else's contact is ignored")
}

func TestToEvent_Document(t *testing.T) {
	upd := textUpdate(1, 42, "")
	upd.Message.Document = &tgbotapi.Document{FileID: "f1", FileName: "cv.pdf", MimeType: "application/pdf", FileSize: 2048}
	ev, ok := toEvent(upd)
	require.True(t, ok)
	require.NotNil(t, ev.Document)
	assert.Equal(t, conversation.Document{FileID: "f1", FileName: "cv.pdf", MIMEType: "application/pdf", Size: 2048}, *ev.Document)
}

func TestToEvent_IgnoresOtherUpdates(t *testing.T) {
	_, ok := toEvent(tgbotapi.Update{UpdateID: 5})
	assert.False(t, ok)
}

func TestRun_DispatchesInOrderPerChat(t *testing.T) {
	api := newFakeAPI()
	handler := &recordingHandler{delay: time.Millisecond}
	b := New(api, handler, 1, zaptest.NewLogger(t))

	for i, text := range []string{"a", "b", "c", "d"} {
		api.updates <- textUpdate(i+1, 1, text)
		api.updates <- textUpdate(i+100, 2, text)
	}
	close(api.updates)

	require.NoError(t, b.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "c", "d"}, handler.texts("1"))
	assert.Equal(t, []string{"a", "b", "c", "d"}, handler.texts("2"))

	require.NotEmpty(t, api.requests)
	_, ok := api.requests[0].(tgbotapi.SetMyCommandsConfig)
	assert.True(t, ok, "commands are registered first")
}

func TestRun_StopsOnCancel(t *testing.T) {
	api := newFakeAPI()
	b := New(api, &recordingHandler{}, 1, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, api.stopped)
}

func TestResponder_SendWithInlineKeyboard(t *testing.T) {
	api := newFakeAPI()
	r := NewResponder(api, nil, "", zaptest.NewLogger(t))

	err := r.Send(context.Background(), "42", conversation.Message{
		Text: "<b>Job 1/3</b>",
		Keyboard: conversation.Keyboard{
			{{Text: "👍", Data: "vote:up:x"}, {Text: "👎", Data: "vote:down:x"}},
			{{Text: "View job", URL: "https://jobs.test/1"}},
		},
		DisablePreview: true,
	})
	require.NoError(t, err)

	require.Len(t, api.sent, 1)
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.True(t, msg.DisableWebPagePreview)

	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 2)
	require.NotNil(t, markup.InlineKeyboard[0][1].CallbackData)
	assert.Equal(t, "vote:down:x", *markup.InlineKeyboard[0][1].CallbackData)
	require.NotNil(t, markup.InlineKeyboard[1][0].URL)
	assert.Equal(t, "https://jobs.test/1", *markup.InlineKeyboard[1][0].URL)
}

func TestResponder_ContactAndRemoveKeyboard(t *testing.T) {
	api := newFakeAPI()
	r := NewResponder(api, nil, "", zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, r.Send(ctx, "42", conversation.Message{Text: "phone?", RequestContact: true}))
	require.NoError(t, r.Send(ctx, "42", conversation.Message{Text: "thanks", RemoveKeyboard: true}))

	contact := api.sent[0].(tgbotapi.MessageConfig).ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	assert.True(t, contact.Keyboard[0][0].RequestContact)
	assert.True(t, contact.OneTimeKeyboard)

	remove := api.sent[1].(tgbotapi.MessageConfig).ReplyMarkup.(tgbotapi.ReplyKeyboardRemove)
	assert.True(t, remove.RemoveKeyboard)
}

func TestResponder_Edits(t *testing.T) {
	api := newFakeAPI()
	r := NewResponder(api, nil, "", zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, r.Send(ctx, "42", conversation.Message{EditMessageID: 7}))
	require.Len(t, api.requests, 1)
	markup, ok := api.requests[0].(tgbotapi.EditMessageReplyMarkupConfig)
	require.True(t, ok)
	assert.Equal(t, 7, markup.MessageID)
	assert.Empty(t, markup.ReplyMarkup.InlineKeyboard)

	require.NoError(t, r.Send(ctx, "42", conversation.Message{
		Text:          "page 2",
		Keyboard:      conversation.Keyboard{{{Text: "⬅️", Data: "histpage:1"}}},
		EditMessageID: 7,
	}))
	require.Len(t, api.sent, 1)
	edit, ok := api.sent[0].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, "page 2", edit.Text)
	require.NotNil(t, edit.ReplyMarkup)
	assert.Equal(t, tgbotapi.ModeHTML, edit.ParseMode)
}

func TestResponder_EditNotModifiedIsIgnored(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("Bad Request: message is not modified")
	r := NewResponder(api, nil, "", zaptest.NewLogger(t))

	require.NoError(t, r.Send(context.Background(), "42", conversation.Message{Text: "same", EditMessageID: 7}))
	assert.Len(t, api.sent, 1)
}

func TestResponder_FailedEditFallsBackToSend(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("Bad Request: message to edit not found")
	r := NewResponder(api, nil, "", zaptest.NewLogger(t))

	require.NoError(t, r.Send(context.Background(), "42", conversation.Message{Text: "fresh", EditMessageID: 7}))
	require.Len(t, api.sent, 2)
	_, ok := api.sent[1].(tgbotapi.MessageConfig)
	assert.True(t, ok)
}

func TestResponder_BadIndividual(t *testing.T) {
	r := NewResponder(newFakeAPI(), nil, "", zaptest.NewLogger(t))
	assert.Error(t, r.Send(context.Background(), "not-a-chat", conversation.Message{Text: "x"}))
}

func TestResponder_Answer(t *testing.T) {
	api := newFakeAPI()
	r := NewResponder(api, nil, "", zaptest.NewLogger(t))

	require.NoError(t, r.Answer(context.Background(), "cq1", "👍"))
	cb, ok := api.requests[0].(tgbotapi.CallbackConfig)
	require.True(t, ok)
	assert.Equal(t, "cq1", cb.CallbackQueryID)
	assert.Equal(t, "👍", cb.Text)
}

func TestResponder_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/file/botsecret/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("cv bytes"))
	}))
	defer srv.Close()

	api := newFakeAPI()
	api.fileURL = srv.URL + "/file/botsecret/cv.pdf"
	r := NewResponder(api, httpclient.NewHttpClient(5*time.Second), "secret", zaptest.NewLogger(t))

	data, err := r.Download(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "cv bytes", string(data))

	api.fileURL = srv.URL + "/file/botsecret/missing"
	_, err = r.Download(context.Background(), "f2")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}

func TestClip(t *testing.T) {
	long := make([]rune, maxMessageRunes+10)
	for i := range long {
		long[i] = 'é'
	}
	out := []rune(clip(string(long)))
	assert.Len(t, out, maxMessageRunes)
	assert.Equal(t, "short", clip("short"))
}
