// Package widget is the embeddable chat: it decides which view is shown,
// drives sends through the reconciliation engine and keeps the realtime
// connection engaged while a conversation is on screen.
//
// All state lives on one event loop. Public methods are safe to call from
// any goroutine; network calls run off the loop and post their results back.
package widget

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/firemoo/firemoo-go"
	"github.com/firemoo/firemoo-go/chat"
	"github.com/firemoo/firemoo-go/frame"
	"github.com/firemoo/firemoo-go/identity"
	"github.com/firemoo/firemoo-go/loop"
	"github.com/firemoo/firemoo-go/realtime"
	"github.com/firemoo/firemoo-go/wire"
)

var (
	// ErrBusy is returned by Send while a previous send is in flight.
	ErrBusy = errors.New("widget: a message is already being sent")
	// ErrNoProfile is returned by Send before the profile form was submitted.
	ErrNoProfile = errors.New("widget: visitor profile required")
	// ErrNotInitialized is returned when Init has not completed.
	ErrNotInitialized = errors.New("widget: not initialized")
)

// Notice texts.
const (
	msgProfileRequired = "Please fill in your details first."
	msgIncomplete      = "Please fill in all required fields."
	msgInvalidEmail    = "Invalid email format."
	msgCreateFailed    = "Could not start the conversation. Please try again."
	msgSendFailed      = "Could not send the message. Please try again."
	msgStorageFailed   = "Could not save your details. Please try again."
)

// Widget is one embedded chat instance.
type Widget struct {
	api    API
	store  *identity.Store
	ui     UI
	loop   *loop.Loop
	engine *chat.Engine
	ctrl   *realtime.Controller
	router *realtime.Router
	logger zerolog.Logger

	currentPage string
	referrer    string

	cancel       context.CancelFunc
	shutdownOnce sync.Once

	// Loop-confined state.
	ready       bool
	visitorID   string
	profile     identity.Profile
	hasProfile  bool
	hasExisting bool
	isOpen      bool
	chatActive  bool
	busy        bool
	view        View
	// epoch changes when the visitor starts a new chat so that replies
	// for the abandoned conversation are dropped.
	epoch uint64
}

type options struct {
	clock       loop.Clock
	logger      zerolog.Logger
	currentPage string
	referrer    string
	ctrlOpts    []realtime.Option
}

// Option configures a Widget.
type Option func(*options)

// WithClock replaces the time source for timers and message timestamps.
func WithClock(c loop.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the widget logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPage records the embedding page and its referrer, sent when a
// conversation is created. An empty referrer is sent as null.
func WithPage(currentPage, referrer string) Option {
	return func(o *options) {
		o.currentPage = currentPage
		o.referrer = referrer
	}
}

// WithReconnect overrides the reconnect base delay and attempt cap.
func WithReconnect(base time.Duration, maxAttempts int) Option {
	return func(o *options) {
		o.ctrlOpts = append(o.ctrlOpts, realtime.WithBaseDelay(base), realtime.WithMaxAttempts(maxAttempts))
	}
}

// New builds a widget and starts its loop. Call Init before anything else
// and Shutdown when done.
func New(api API, store *identity.Store, ui UI, opts ...Option) *Widget {
	o := options{
		clock:  loop.System,
		logger: log.With().Str("component", "widget").Logger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if ui == nil {
		ui = NopUI{}
	}

	w := &Widget{
		api:         api,
		store:       store,
		ui:          ui,
		logger:      o.logger,
		currentPage: o.currentPage,
		referrer:    o.referrer,
	}
	w.loop = loop.New(loop.WithClock(o.clock), loop.WithLogger(o.logger))
	w.engine = chat.NewEngine(chat.RenderFunc(ui.Render), chat.WithLogger(o.logger))
	w.router = realtime.NewRouter(o.logger)
	w.router.On(realtime.TopicChatMessage, w.onChatMessage)
	w.router.On(realtime.TopicSessionReady, w.onSessionReady)

	ctrlOpts := []realtime.Option{
		realtime.WithGate(w.reconnectAllowed),
		realtime.WithFrameHandler(w.router.Dispatch),
		realtime.WithLogger(o.logger),
	}
	w.ctrl = realtime.NewController(w.loop, api.Dialer(), api.SocketURL(), append(ctrlOpts, o.ctrlOpts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go func() {
		if err := w.loop.Run(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("widget loop stopped")
		}
	}()
	return w
}

// Init loads the visitor identity, the saved profile and any stored
// conversation. A stored conversation whose history cannot be fetched is
// discarded and the widget starts fresh.
func (w *Widget) Init(ctx context.Context) error {
	visitorID, err := w.store.VisitorID(ctx)
	if err != nil {
		return err
	}
	profile, hasProfile := w.store.Profile(ctx)

	var history []wire.Message
	conversationID, ok := w.store.ConversationID(ctx, visitorID)
	if ok {
		history, err = w.api.ListMessages(ctx, conversationID, firemoo.DefaultMessageLimit)
		if err != nil {
			stale := &firemoo.StaleConversationError{ConversationID: conversationID, Err: err}
			w.logger.Warn().Err(stale).Msg("discarding stored conversation")
			if err := w.store.ClearConversationID(ctx, visitorID); err != nil {
				w.logger.Warn().Err(err).Msg("clear stored conversation")
			}
			conversationID = ""
		}
	}

	return w.loop.Call(ctx, func() {
		w.visitorID = visitorID
		w.profile = profile
		w.hasProfile = hasProfile
		if conversationID != "" {
			w.hasExisting = true
			w.engine.SetConversation(wire.ID(conversationID))
			w.engine.ReplaceHistory(history)
		}
		w.ready = true
	})
}

// Open shows the chat window and picks the view: the profile form when no
// profile exists, the resume choice when a stored conversation has not been
// picked up yet this session, the chat otherwise.
func (w *Widget) Open(ctx context.Context) error {
	return w.do(ctx, func() error {
		w.isOpen = true
		w.showCurrentView()
		return nil
	})
}

// Close hides the window and disconnects the socket. The chat stays active
// across a close unless a server-confirmed conversation exists, in which
// case the next open offers the resume choice again.
func (w *Widget) Close(ctx context.Context) error {
	return w.do(ctx, func() error {
		w.isOpen = false
		w.ctrl.Disconnect()
		if w.hasExisting && !w.engine.Conversation().IsZero() {
			w.chatActive = false
		}
		w.setView(ViewClosed)
		return nil
	})
}

// Toggle opens a closed window and closes an open one.
func (w *Widget) Toggle(ctx context.Context) error {
	var open bool
	if err := w.do(ctx, func() error { open = w.isOpen; return nil }); err != nil {
		return err
	}
	if open {
		return w.Close(ctx)
	}
	return w.Open(ctx)
}

// SubmitProfile validates and saves the contact form and moves to the chat.
// Validation failures are surfaced as notices and returned.
func (w *Widget) SubmitProfile(ctx context.Context, p identity.Profile) error {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		msg := msgIncomplete
		if errors.Is(err, identity.ErrInvalidEmail) {
			msg = msgInvalidEmail
		}
		w.notify(Notice{Kind: NoticeError, Message: msg, Err: err})
		return err
	}
	if err := w.store.SaveProfile(ctx, p); err != nil {
		w.notify(Notice{Kind: NoticeError, Message: msgStorageFailed, Err: err})
		return err
	}
	return w.do(ctx, func() error {
		w.profile = p
		w.hasProfile = true
		w.showChat()
		return nil
	})
}

// Continue resumes the stored conversation, or starts a new one when there
// is none.
func (w *Widget) Continue(ctx context.Context) error {
	var fresh bool
	err := w.do(ctx, func() error {
		if w.engine.Conversation().IsZero() {
			fresh = true
			return nil
		}
		w.showChat()
		return nil
	})
	if err != nil || !fresh {
		return err
	}
	return w.StartNew(ctx)
}

// StartNew forgets the current conversation and shows an empty chat. The
// next send creates a new conversation.
func (w *Widget) StartNew(ctx context.Context) error {
	var visitorID string
	err := w.do(ctx, func() error {
		visitorID = w.visitorID
		w.epoch++
		w.hasExisting = false
		w.busy = false
		w.chatActive = true
		w.ctrl.Disconnect()
		w.engine.Reset()
		w.showChat()
		return nil
	})
	if err != nil {
		return err
	}
	return w.store.ClearConversationID(ctx, visitorID)
}

// Send delivers text. Without a conversation one is created carrying text
// as its first message; otherwise a pending echo is shown until the server
// confirms. Failures are surfaced as notices and returned; they never
// leave a pending echo behind.
func (w *Widget) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var (
		epoch          uint64
		visitorID      string
		profile        identity.Profile
		conversationID string
		pending        wire.ID
	)
	err := w.do(ctx, func() error {
		if w.busy {
			return ErrBusy
		}
		if !w.hasProfile {
			w.ui.Notify(Notice{Kind: NoticeError, Message: msgProfileRequired, Err: ErrNoProfile})
			return ErrNoProfile
		}
		w.busy = true
		epoch = w.epoch
		visitorID = w.visitorID
		profile = w.profile
		conversationID = w.engine.Conversation().String()
		if conversationID != "" {
			pending = w.engine.InsertPending(text, w.loop.Now())
		}
		return nil
	})
	if err != nil {
		return err
	}

	if conversationID == "" {
		err = w.sendFirst(ctx, epoch, visitorID, profile, text)
	} else {
		err = w.sendNext(ctx, epoch, conversationID, pending, text)
	}

	w.loop.Post(func() {
		if w.epoch == epoch {
			w.busy = false
		}
	})
	return err
}

// sendFirst creates the conversation, reloads its history and claims the
// message that was just sent as local.
func (w *Widget) sendFirst(ctx context.Context, epoch uint64, visitorID string, p identity.Profile, text string) error {
	req := wire.CreateConversationRequest{
		VisitorID:   visitorID,
		Name:        p.Name,
		Email:       p.Email,
		Phone:       p.Phone,
		Message:     text,
		CurrentPage: w.currentPage,
	}
	if w.referrer != "" {
		ref := w.referrer
		req.Referrer = &ref
	}
	conv, err := w.api.CreateConversation(ctx, req)
	if err != nil {
		w.notify(Notice{Kind: NoticeError, Message: msgCreateFailed, Err: err})
		return err
	}
	id := conv.ID

	var current bool
	if err := w.do(ctx, func() error {
		current = w.epoch == epoch
		if current {
			w.hasExisting = true
			w.engine.SetConversation(id)
		}
		return nil
	}); err != nil {
		return err
	}
	if !current {
		w.logger.Debug().Str("conversation_id", id.String()).Msg("conversation created after new chat; dropped")
		return nil
	}
	if err := w.store.SaveConversationID(ctx, visitorID, id.String()); err != nil {
		w.logger.Warn().Err(err).Msg("save conversation id")
	}

	history, herr := w.api.ListMessages(ctx, id.String(), firemoo.DefaultMessageLimit)
	return w.do(ctx, func() error {
		if w.epoch != epoch || !w.engine.Conversation().Equal(id) {
			return nil
		}
		if herr != nil {
			w.logger.Warn().Err(herr).Str("conversation_id", id.String()).Msg("reload after create failed")
		} else {
			w.engine.ReplaceHistory(history)
			if _, ok := w.engine.ClaimSent(text); !ok {
				w.logger.Debug().Msg("sent message not found in history")
			}
		}
		w.ctrl.Connect(frame.ChatChannel(id.String()))
		return nil
	})
}

// sendNext posts to an existing conversation and swaps the pending echo for
// the confirmed history.
func (w *Widget) sendNext(ctx context.Context, epoch uint64, conversationID string, pending wire.ID, text string) error {
	ack, err := w.api.SendMessage(ctx, conversationID, text)
	if err != nil {
		w.loop.Post(func() {
			w.engine.Remove(pending)
			w.ui.Notify(Notice{Kind: NoticeError, Message: msgSendFailed, Err: err})
		})
		return err
	}

	if err := w.do(ctx, func() error {
		w.engine.MarkSent(ack.ID)
		w.engine.Remove(pending)
		return nil
	}); err != nil {
		return err
	}

	history, herr := w.api.ListMessages(ctx, conversationID, firemoo.DefaultMessageLimit)
	return w.do(ctx, func() error {
		if w.epoch != epoch || w.engine.Conversation().String() != conversationID {
			return nil
		}
		if herr != nil {
			w.logger.Warn().Err(herr).Str("conversation_id", conversationID).Msg("reload after send failed")
			w.engine.MergePush(wire.PushMessage{
				ID:             ack.ID,
				Text:           text,
				SenderType:     chat.SenderLocal.String(),
				CreatedAt:      ack.CreatedAt,
				ConversationID: wire.ID(conversationID),
			}, w.loop.Now())
			return nil
		}
		w.engine.ReplaceHistory(history)
		if w.chatActive {
			w.ctrl.Connect(frame.ChatChannel(conversationID))
		}
		return nil
	})
}

// View returns the panel currently shown.
func (w *Widget) View(ctx context.Context) (View, error) {
	var v View
	err := w.loop.Call(ctx, func() { v = w.view })
	return v, err
}

// Messages returns the displayed messages.
func (w *Widget) Messages(ctx context.Context) ([]chat.Message, error) {
	var out []chat.Message
	err := w.loop.Call(ctx, func() { out = w.engine.Messages() })
	return out, err
}

// ConversationID returns the active conversation, or "".
func (w *Widget) ConversationID(ctx context.Context) (string, error) {
	var id string
	err := w.loop.Call(ctx, func() { id = w.engine.Conversation().String() })
	return id, err
}

// ConnectionState returns the socket state.
func (w *Widget) ConnectionState(ctx context.Context) (realtime.State, error) {
	var s realtime.State
	err := w.loop.Call(ctx, func() { s = w.ctrl.State() })
	return s, err
}

// Shutdown disconnects the socket and stops the loop. The widget cannot be
// used afterwards.
func (w *Widget) Shutdown(ctx context.Context) error {
	var err error
	w.shutdownOnce.Do(func() {
		err = w.loop.Call(ctx, w.ctrl.Disconnect)
		w.cancel()
		if w.loop.InLoop() {
			return
		}
		select {
		case <-w.loop.Done():
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	})
	return err
}

// do runs fn on the loop once Init has completed.
func (w *Widget) do(ctx context.Context, fn func() error) error {
	var err error
	if cerr := w.loop.Call(ctx, func() {
		if !w.ready {
			err = ErrNotInitialized
			return
		}
		err = fn()
	}); cerr != nil {
		return cerr
	}
	return err
}

func (w *Widget) notify(n Notice) {
	w.loop.Post(func() { w.ui.Notify(n) })
}

func (w *Widget) showCurrentView() {
	switch {
	case !w.hasProfile:
		w.setView(ViewProfileForm)
	case w.hasExisting && !w.engine.Conversation().IsZero() && !w.chatActive:
		w.setView(ViewResumeChoice)
	default:
		w.showChat()
	}
}

func (w *Widget) showChat() {
	w.chatActive = true
	w.setView(ViewChat)
	if conv := w.engine.Conversation(); !conv.IsZero() {
		w.ctrl.Connect(frame.ChatChannel(conv.String()))
	}
}

func (w *Widget) setView(v View) {
	w.view = v
	w.ui.ShowView(v)
}

func (w *Widget) reconnectAllowed() bool {
	return w.isOpen && !w.engine.Conversation().IsZero()
}

func (w *Widget) onChatMessage(ev realtime.Event) {
	if ev.Message == nil {
		return
	}
	w.engine.MergePush(*ev.Message, w.loop.Now())
}

func (w *Widget) onSessionReady(realtime.Event) {
	if conv := w.engine.Conversation(); !conv.IsZero() {
		w.ctrl.Subscribe(frame.ChatChannel(conv.String()))
	}
}
