package conversation

import "context"

// Document is a file an individual uploaded.
type Document struct {
	FileID   string
	FileName string
	MIMEType string
	Size     int64
}

// Event is one inbound update, already stripped of transport details.
// Exactly one of Text, Contact, Document or Callback is set.
type Event struct {
	Individual string
	Name       string

	Text     string
	Contact  string
	Document *Document

	Callback   string
	CallbackID string
	// MessageID is the message that carried the callback button.
	MessageID int
}

// Button is an inline keyboard button; URL buttons carry no callback data.
type Button struct {
	Text string
	Data string
	URL  string
}

type Keyboard [][]Button

// Message is one outbound HTML message.
type Message struct {
	Text     string
	Keyboard Keyboard
	// RequestContact replaces the reply keyboard with a share-contact button.
	RequestContact bool
	// RemoveKeyboard drops a reply keyboard shown earlier.
	RemoveKeyboard bool
	// EditMessageID, when set, rewrites that message instead of sending a new
	// one. With no Text only the keyboard is replaced.
	EditMessageID int
	// DisablePreview suppresses link previews.
	DisablePreview bool
}

// Responder delivers what the engine says back to the individual.
type Responder interface {
	Send(ctx context.Context, individual string, msg Message) error
	// Answer acknowledges a callback query, optionally with a toast.
	Answer(ctx context.Context, callbackID, text string) error
}

// Downloader fetches the bytes of an uploaded document.
type Downloader interface {
	Download(ctx context.Context, fileID string) ([]byte, error)
}
