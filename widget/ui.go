package widget

import (
	"context"

	"github.com/firemoo/firemoo-go/chat"
	"github.com/firemoo/firemoo-go/realtime"
	"github.com/firemoo/firemoo-go/wire"
)

// View is the panel shown inside the chat window.
type View int

const (
	// ViewClosed means the chat window is not open.
	ViewClosed View = iota
	// ViewProfileForm asks for name, email and phone.
	ViewProfileForm
	// ViewResumeChoice offers continuing the stored conversation or
	// starting a new one.
	ViewResumeChoice
	// ViewChat is the message list with its input.
	ViewChat
)

func (v View) String() string {
	switch v {
	case ViewClosed:
		return "closed"
	case ViewProfileForm:
		return "profile-form"
	case ViewResumeChoice:
		return "resume-choice"
	case ViewChat:
		return "chat"
	default:
		return "unknown"
	}
}

// NoticeKind classifies a transient notice.
type NoticeKind int

const (
	NoticeError NoticeKind = iota
	NoticeInfo
)

// Notice is a short user-visible message such as a failed send.
type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
}

// UI is the presentation collaborator. Its methods are called on the
// widget's loop goroutine. Widget methods called from them run inline.
type UI interface {
	Render(messages []chat.Message)
	ShowView(v View)
	Notify(n Notice)
}

// API is the backend surface the widget needs. *firemoo.Client implements
// it.
type API interface {
	CreateConversation(ctx context.Context, req wire.CreateConversationRequest) (*wire.Conversation, error)
	SendMessage(ctx context.Context, conversationID, text string) (*wire.MessageAck, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error)
	SocketURL() string
	Dialer() realtime.Dialer
}

// NopUI discards everything.
type NopUI struct{}

func (NopUI) Render([]chat.Message) {}
func (NopUI) ShowView(View)         {}
func (NopUI) Notify(Notice)         {}
