package widget_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemoo/firemoo-go"
	"github.com/firemoo/firemoo-go/chat"
	"github.com/firemoo/firemoo-go/identity"
	"github.com/firemoo/firemoo-go/loop"
	"github.com/firemoo/firemoo-go/realtime"
	"github.com/firemoo/firemoo-go/realtime/realtimetest"
	"github.com/firemoo/firemoo-go/widget"
	"github.com/firemoo/firemoo-go/wire"
)

const waitFor = 2 * time.Second

var ann = identity.Profile{Name: "Ann", Email: "ann@example.com", Phone: "+4712345678"}

type fakeAPI struct {
	mu       sync.Mutex
	dialer   *realtimetest.Dialer
	history  map[string][]wire.Message
	listErr  error
	lists    int
	convID   wire.ID
	created  []wire.CreateConversationRequest
	createEr error
	ack      wire.MessageAck
	sendErr  error
	sent     []string
	sendGate chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		dialer:  realtimetest.NewDialer(),
		history: make(map[string][]wire.Message),
	}
}

func (f *fakeAPI) CreateConversation(_ context.Context, req wire.CreateConversationRequest) (*wire.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createEr != nil {
		return nil, f.createEr
	}
	return &wire.Conversation{ID: f.convID, VisitorID: req.VisitorID}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID, text string) (*wire.MessageAck, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, conversationID+":"+text)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	ack := f.ack
	return &ack, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, conversationID string, limit int) ([]wire.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]wire.Message(nil), f.history[conversationID]...), nil
}

func (f *fakeAPI) SocketURL() string       { return "ws://chat.test/websocket?api_key=k" }
func (f *fakeAPI) Dialer() realtime.Dialer { return f.dialer }

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

type recordingUI struct {
	mu      sync.Mutex
	views   []widget.View
	notices []widget.Notice
	renders [][]chat.Message
}

func (u *recordingUI) Render(m []chat.Message) {
	u.mu.Lock()
	u.renders = append(u.renders, m)
	u.mu.Unlock()
}

func (u *recordingUI) ShowView(v widget.View) {
	u.mu.Lock()
	u.views = append(u.views, v)
	u.mu.Unlock()
}

func (u *recordingUI) Notify(n widget.Notice) {
	u.mu.Lock()
	u.notices = append(u.notices, n)
	u.mu.Unlock()
}

func (u *recordingUI) noticeCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.notices)
}

func (u *recordingUI) sawTemporary() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, r := range u.renders {
		for _, m := range r {
			if m.IsTemporary() {
				return true
			}
		}
	}
	return false
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	api   *fakeAPI
	store *identity.Store
	ui    *recordingUI
	clock *loop.ManualClock
	w     *widget.Widget
}

func newHarness(t *testing.T, setup func(ctx context.Context, h *harness)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		api:   newFakeAPI(),
		store: identity.NewStore(identity.NewMemoryStorage()),
		ui:    &recordingUI{},
		clock: loop.NewManualClock(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)),
	}
	if setup != nil {
		setup(h.ctx, h)
	}
	h.w = widget.New(h.api, h.store, h.ui, widget.WithClock(h.clock), widget.WithPage("https://shop.example/cart", ""))
	t.Cleanup(func() { h.w.Shutdown(context.Background()) })
	require.NoError(t, h.w.Init(h.ctx))
	return h
}

func (h *harness) visitorID() string {
	id, err := h.store.VisitorID(h.ctx)
	require.NoError(h.t, err)
	return id
}

func (h *harness) view() widget.View {
	v, err := h.w.View(h.ctx)
	require.NoError(h.t, err)
	return v
}

func (h *harness) messages() []chat.Message {
	m, err := h.w.Messages(h.ctx)
	require.NoError(h.t, err)
	return m
}

func (h *harness) state() realtime.State {
	s, err := h.w.ConnectionState(h.ctx)
	require.NoError(h.t, err)
	return s
}

func (h *harness) waitOpen() *realtimetest.Conn {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.state() == realtime.StateOpen }, waitFor, 5*time.Millisecond)
	return h.api.dialer.Last()
}

func (h *harness) advanceWhenPending(d time.Duration) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, p := range h.clock.Pending() {
			if p == d {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "no %v timer pending: %v", d, h.clock.Pending())
	h.clock.Advance(d)
}

// withConversation stores a profile and conversation 42 with one agent
// message.
func withConversation(ctx context.Context, h *harness) {
	require.NoError(h.t, h.store.SaveProfile(ctx, ann))
	require.NoError(h.t, h.store.SaveConversationID(ctx, h.visitorID(), "42"))
	h.api.history["42"] = []wire.Message{
		{ID: "1", Message: "Welcome!", SenderType: "agent", CreatedAt: "2024-05-01T09:00:00Z", ConversationID: "42"},
	}
}

func TestMethodsRequireInit(t *testing.T) {
	api := newFakeAPI()
	w := widget.New(api, identity.NewStore(identity.NewMemoryStorage()), nil)
	defer w.Shutdown(context.Background())

	assert.ErrorIs(t, w.Open(context.Background()), widget.ErrNotInitialized)
	assert.ErrorIs(t, w.Send(context.Background(), "hi"), widget.ErrNotInitialized)
}

func TestProfileFormFlow(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.w.Open(h.ctx))
	assert.Equal(t, widget.ViewProfileForm, h.view())

	err := h.w.SubmitProfile(h.ctx, identity.Profile{Name: "Ann", Email: "not-an-email", Phone: "1"})
	assert.ErrorIs(t, err, identity.ErrInvalidEmail)
	err = h.w.SubmitProfile(h.ctx, identity.Profile{Name: " ", Email: "a@b.co", Phone: "1"})
	assert.ErrorIs(t, err, identity.ErrProfileIncomplete)
	require.Eventually(t, func() bool { return h.ui.noticeCount() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, widget.ViewProfileForm, h.view())

	require.NoError(t, h.w.SubmitProfile(h.ctx, identity.Profile{Name: " Ann ", Email: "ann@example.com", Phone: "1"}))
	assert.Equal(t, widget.ViewChat, h.view())
	saved, ok := h.store.Profile(h.ctx)
	require.True(t, ok)
	assert.Equal(t, "Ann", saved.Name)

	// No conversation yet, so nothing to connect to.
	assert.Equal(t, 0, h.api.dialer.Dials())
}

func TestSendWithoutProfile(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.w.Send(h.ctx, "hello"), widget.ErrNoProfile)
	assert.NoError(t, h.w.Send(h.ctx, "   "), "blank input is ignored")
}

func TestResumeChoiceAndClose(t *testing.T) {
	h := newHarness(t, withConversation)

	require.NoError(t, h.w.Open(h.ctx))
	assert.Equal(t, widget.ViewResumeChoice, h.view())
	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.SenderRemote, msgs[0].Sender)
	assert.Equal(t, 0, h.api.dialer.Dials())

	require.NoError(t, h.w.Continue(h.ctx))
	assert.Equal(t, widget.ViewChat, h.view())
	conn := h.waitOpen()
	assert.Equal(t, "ws://chat.test/websocket?api_key=k", h.api.dialer.URLs()[0])

	h.advanceWhenPending(realtime.DefaultGraceDelay)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{`{"action":"subscribe","channel":"chat:42"}`}, conn.Writes())
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.w.Close(h.ctx))
	assert.Equal(t, widget.ViewClosed, h.view())
	assert.True(t, conn.Closed())
	assert.Equal(t, realtime.StateDisconnected, h.state())

	require.NoError(t, h.w.Open(h.ctx))
	assert.Equal(t, widget.ViewResumeChoice, h.view(), "resume choice is offered again after close")
}

func TestStaleConversationIsDiscarded(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, h *harness) {
		withConversation(ctx, h)
		h.api.listErr = &firemoo.RemoteError{StatusCode: http.StatusNotFound, Message: "conversation not found"}
	})

	_, ok := h.store.ConversationID(h.ctx, h.visitorID())
	assert.False(t, ok)
	id, err := h.w.ConversationID(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, h.w.Open(h.ctx))
	assert.Equal(t, widget.ViewChat, h.view())
	assert.Empty(t, h.messages())
}

func TestSendCreatesConversation(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, h *harness) {
		require.NoError(t, h.store.SaveProfile(ctx, ann))
		h.api.convID = "7"
		// The server reports the first message with the wrong sender.
		h.api.history["7"] = []wire.Message{
			{ID: "70", Message: "hello", SenderType: "agent", CreatedAt: "2024-05-01T09:30:01Z", ConversationID: "7"},
		}
	})
	require.NoError(t, h.w.Open(h.ctx))

	require.NoError(t, h.w.Send(h.ctx, "hello"))

	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, chat.SenderLocal, msgs[0].Sender)
	assert.False(t, h.ui.sawTemporary(), "no pending echo for a new conversation")

	stored, ok := h.store.ConversationID(h.ctx, h.visitorID())
	require.True(t, ok)
	assert.Equal(t, "7", stored)

	require.Len(t, h.api.created, 1)
	req := h.api.created[0]
	assert.Equal(t, h.visitorID(), req.VisitorID)
	assert.Equal(t, "hello", req.Message)
	assert.Equal(t, "ann@example.com", req.Email)
	assert.Equal(t, "https://shop.example/cart", req.CurrentPage)
	assert.Nil(t, req.Referrer)

	conn := h.waitOpen()
	h.advanceWhenPending(realtime.DefaultGraceDelay)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{`{"action":"subscribe","channel":"chat:7"}`}, conn.Writes())
	}, waitFor, 5*time.Millisecond)
}

func TestSendCreateFailure(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, h *harness) {
		require.NoError(t, h.store.SaveProfile(ctx, ann))
		h.api.createEr = &firemoo.RemoteError{StatusCode: 500, Message: "boom"}
	})
	require.NoError(t, h.w.Open(h.ctx))

	err := h.w.Send(h.ctx, "hello")
	assert.True(t, firemoo.IsRemote(err, 500))
	assert.Empty(t, h.messages())
	require.Eventually(t, func() bool { return h.ui.noticeCount() == 1 }, waitFor, 5*time.Millisecond)

	_, ok := h.store.ConversationID(h.ctx, h.visitorID())
	assert.False(t, ok)
}

func TestSendExistingConversation(t *testing.T) {
	h := newHarness(t, withConversation)
	require.NoError(t, h.w.Open(h.ctx))
	require.NoError(t, h.w.Continue(h.ctx))

	h.api.set(func(f *fakeAPI) {
		f.ack = wire.MessageAck{ID: "2", ConversationID: "42"}
		f.history["42"] = append(f.history["42"],
			wire.Message{ID: "2", Message: "need help", SenderType: "Agent", CreatedAt: "2024-05-01T09:31:00Z", ConversationID: "42"},
			wire.Message{ID: "2", Message: "need help", SenderType: "Agent", CreatedAt: "2024-05-01T09:31:00Z", ConversationID: "42"},
		)
	})

	require.NoError(t, h.w.Send(h.ctx, "need help"))

	msgs := h.messages()
	require.Len(t, msgs, 2, "duplicate ids collapse and the pending echo is gone")
	assert.Equal(t, "need help", msgs[1].Text)
	assert.Equal(t, chat.SenderLocal, msgs[1].Sender, "acknowledged ids stay local")
	assert.True(t, h.ui.sawTemporary(), "pending echo was shown while sending")
	assert.Equal(t, []string{"42:need help"}, h.api.sent)
}

func TestSendFailureRemovesPendingEcho(t *testing.T) {
	h := newHarness(t, withConversation)
	require.NoError(t, h.w.Open(h.ctx))
	require.NoError(t, h.w.Continue(h.ctx))
	h.api.set(func(f *fakeAPI) { f.sendErr = &firemoo.TransportError{Op: "send", Err: assert.AnError} })

	err := h.w.Send(h.ctx, "lost")
	var te *firemoo.TransportError
	require.ErrorAs(t, err, &te)

	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Welcome!", msgs[0].Text)
	require.Eventually(t, func() bool { return h.ui.noticeCount() == 1 }, waitFor, 5*time.Millisecond)
}

func TestSendReloadFailureKeepsAcknowledgedMessage(t *testing.T) {
	h := newHarness(t, withConversation)
	require.NoError(t, h.w.Open(h.ctx))
	require.NoError(t, h.w.Continue(h.ctx))
	h.api.set(func(f *fakeAPI) {
		f.ack = wire.MessageAck{ID: "3"}
		f.listErr = assert.AnError
	})

	require.NoError(t, h.w.Send(h.ctx, "still here"))

	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, wire.ID("3"), msgs[1].ID)
	assert.Equal(t, chat.SenderLocal, msgs[1].Sender)
	assert.False(t, msgs[1].IsTemporary())
}

func TestSendWhileBusy(t *testing.T) {
	h := newHarness(t, withConversation)
	require.NoError(t, h.w.Open(h.ctx))
	require.NoError(t, h.w.Continue(h.ctx))

	gate := make(chan struct{})
	h.api.set(func(f *fakeAPI) {
		f.sendGate = gate
		f.ack = wire.MessageAck{ID: "5"}
	})

	done := make(chan error, 1)
	go func() { done <- h.w.Send(h.ctx, "first") }()
	require.Eventually(t, func() bool { return len(h.messages()) == 2 }, waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, h.w.Send(h.ctx, "second"), widget.ErrBusy)
	close(gate)
	require.NoError(t, <-done)
}

func TestPushedMessages(t *testing.T) {
	h := newHarness(t, withConversation)
	require.NoError(t, h.w.Open(h.ctx))
	require.NoError(t, h.w.Continue(h.ctx))
	conn := h.waitOpen()

	conn.PushJSON(map[string]any{
		"type": "channel:event", "channel": "chat:42", "event": "message:new",
		"data": map[string]any{"id": 10, "message": "agent reply", "sender_type": "agent", "conversation_id": 42},
	})
	conn.PushJSON(map[string]any{
		"type": "channel:event", "channel": "chat:43", "event": "message:new",
		"data": map[string]any{"id": 11, "message": "other chat", "conversation_id": 43},
	})
	conn.PushJSON(map[string]any{
		"type": "event", "channel_name": "chat:42", "event_name": "new_message",
		"payload": `{"id":"10","message":"agent reply"}`,
	})
	conn.PushJSON(map[string]any{"action": "message", "message_id": "12", "text": "direct", "senderType": "VISITOR"})

	require.Eventually(t, func() bool { return len(h.messages()) == 3 }, waitFor, 5*time.Millisecond)
	msgs := h.messages()
	assert.Equal(t, "agent reply", msgs[1].Text)
	assert.Equal(t, chat.SenderRemote, msgs[1].Sender)
	assert.Equal(t, "direct", msgs[2].Text)
	assert.Equal(t, chat.SenderLocal, msgs[2].Sender)
}

func TestSystemConnectedResubscribes(t *testing.T) {
	h := newHarness(t, withConversation)
	require.NoError(t, h.w.Open(h.ctx))
	require.NoError(t, h.w.Continue(h.ctx))
	conn := h.waitOpen()

	conn.PushJSON(map[string]any{"type": "system:event", "event": "connection:established"})
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{`{"action":"subscribe","channel":"chat:42"}`}, conn.Writes())
	}, waitFor, 5*time.Millisecond)
}

func TestStartNewChat(t *testing.T) {
	h := newHarness(t, withConversation)
	require.NoError(t, h.w.Open(h.ctx))
	assert.Equal(t, widget.ViewResumeChoice, h.view())

	require.NoError(t, h.w.StartNew(h.ctx))
	assert.Equal(t, widget.ViewChat, h.view())
	assert.Empty(t, h.messages())
	id, err := h.w.ConversationID(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
	_, ok := h.store.ConversationID(h.ctx, h.visitorID())
	assert.False(t, ok)
	assert.Equal(t, 0, h.api.dialer.Dials(), "no socket until the new conversation exists")

	require.NoError(t, h.w.Close(h.ctx))
	require.NoError(t, h.w.Open(h.ctx))
	assert.Equal(t, widget.ViewChat, h.view(), "an unsent new chat stays active across close")
}

func TestReconnectOnlyWhileOpen(t *testing.T) {
	h := newHarness(t, withConversation)
	require.NoError(t, h.w.Open(h.ctx))
	require.NoError(t, h.w.Continue(h.ctx))
	conn := h.waitOpen()
	h.advanceWhenPending(realtime.DefaultGraceDelay)

	conn.CloseRemote()
	h.advanceWhenPending(realtime.DefaultBaseDelay)
	second := h.waitOpen()
	assert.NotSame(t, conn, second)
	assert.Equal(t, 2, h.api.dialer.Dials())

	require.NoError(t, h.w.Close(h.ctx))
	h.clock.Advance(time.Minute)
	assert.Equal(t, 2, h.api.dialer.Dials())
}

// callbackUI queries the widget from inside its view callback.
type callbackUI struct {
	widget.NopUI
	w *widget.Widget

	mu   sync.Mutex
	errs []error
	seen []widget.View
}

func (u *callbackUI) ShowView(widget.View) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := u.w.View(ctx)
	u.mu.Lock()
	u.errs = append(u.errs, err)
	u.seen = append(u.seen, v)
	u.mu.Unlock()
}

func TestUICallbacksMayCallWidget(t *testing.T) {
	ctx := context.Background()
	store := identity.NewStore(identity.NewMemoryStorage())
	require.NoError(t, store.SaveProfile(ctx, ann))

	ui := &callbackUI{}
	w := widget.New(newFakeAPI(), store, ui)
	ui.w = w
	defer w.Shutdown(ctx)
	require.NoError(t, w.Init(ctx))

	start := time.Now()
	require.NoError(t, w.Open(ctx))
	require.NoError(t, w.Close(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ui.mu.Lock()
	defer ui.mu.Unlock()
	assert.Equal(t, []error{nil, nil}, ui.errs)
	assert.Equal(t, []widget.View{widget.ViewChat, widget.ViewClosed}, ui.seen)
}
