package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"rentchat/internal/chat/store"
	"rentchat/internal/domain/chat"
)

type fakeConn struct {
	inbound   chan Event
	outbound  chan Event
	broken    chan struct{}
	breakOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan Event, 16),
		outbound: make(chan Event, 64),
		broken:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, event Event) error {
	select {
	case <-c.broken:
		return errors.New("connection broken")
	default:
	}
	c.outbound <- event
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (Event, error) {
	select {
	case event := <-c.inbound:
		return event, nil
	case <-c.broken:
		return Event{}, errors.New("connection broken")
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.breakOnce.Do(func() { close(c.broken) })
	return nil
}

func (c *fakeConn) push(event Event) { c.inbound <- event }

type fakeTransport struct {
	mu       sync.Mutex
	failures []error
	failAll  error
	conns    chan *fakeConn
}

func newFakeTransport(failures ...error) *fakeTransport {
	return &fakeTransport{failures: failures, conns: make(chan *fakeConn, 8)}
}

func (f *fakeTransport) Connect(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	if f.failAll != nil {
		err := f.failAll
		f.mu.Unlock()
		return nil, err
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	conn := newFakeConn()
	f.conns <- conn
	return conn, nil
}

func (f *fakeTransport) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection established in time")
		return nil
	}
}

type fakeHistory struct {
	mu       sync.Mutex
	rooms    []chat.ChatRoom
	receipts []chat.ReadReceipt
	messages map[chat.RoomID][]chat.ChatMessage
	createFn func(equipment chat.Equipment, participants []chat.Participant) (chat.ChatRoom, error)

	createCalls int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{messages: make(map[chat.RoomID][]chat.ChatMessage)}
}

func (f *fakeHistory) ListRooms(ctx context.Context) ([]chat.ChatRoom, []chat.ReadReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.ChatRoom(nil), f.rooms...), append([]chat.ReadReceipt(nil), f.receipts...), nil
}

func (f *fakeHistory) ListMessages(ctx context.Context, roomID chat.RoomID, limit int, before string) ([]chat.ChatMessage, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.ChatMessage(nil), f.messages[roomID]...), "", nil
}

func (f *fakeHistory) CreateRoom(ctx context.Context, equipment chat.Equipment, participants []chat.Participant) (chat.ChatRoom, error) {
	f.mu.Lock()
	fn := f.createFn
	f.createCalls++
	f.mu.Unlock()
	if fn == nil {
		return chat.ChatRoom{}, errors.New("create not configured")
	}
	return fn(equipment, participants)
}

func (f *fakeHistory) setMessages(roomID chat.RoomID, msgs []chat.ChatMessage) {
	f.mu.Lock()
	f.messages[roomID] = msgs
	f.mu.Unlock()
}

type harness struct {
	engine    *Engine
	stores    Stores
	hub       *store.Hub
	transport *fakeTransport
	history   *fakeHistory
	runErr    chan error
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, transport *fakeTransport, history *fakeHistory) *harness {
	t.Helper()
	cfg := Config{Backoff: Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond}}
	return newHarnessWithConfig(t, transport, history, cfg)
}

func newHarnessWithConfig(t *testing.T, transport *fakeTransport, history *fakeHistory, cfg Config) *harness {
	t.Helper()
	stores := Stores{
		Messages: store.NewMessageStore(),
		Rooms:    store.NewRoomDirectory(),
		Receipts: store.NewReceiptTracker(),
	}
	hub := store.NewHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(cfg, transport, history, stores, chat.Participant{ID: "alice", Name: "Alice"}, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		engine:    eng,
		stores:    stores,
		hub:       hub,
		transport: transport,
		history:   history,
		runErr:    make(chan error, 1),
		cancel:    cancel,
	}
	go func() { h.runErr <- eng.Run(ctx) }()
	t.Cleanup(func() {
		eng.Shutdown()
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
		hub.Close()
	})
	return h
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextOutbound(t *testing.T, conn *fakeConn, eventType EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-conn.outbound:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event sent in time", eventType)
		}
	}
}

func seedRoom(t *testing.T, id chat.RoomID) chat.ChatRoom {
	t.Helper()
	room, err := chat.NewRoom(chat.NewRoomParams{
		ID:        id,
		Equipment: chat.Equipment{ID: "eq-1", Name: "excavator"},
		Participants: []chat.Participant{
			{ID: "alice", Name: "Alice"},
			{ID: "bob", Name: "Bob"},
		},
		Now: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed room: %v", err)
	}
	return room
}

func TestEngine_SendIsConfirmedByServerAck(t *testing.T) {
	transport := newFakeTransport()
	history := newFakeHistory()
	room := seedRoom(t, "room-1")
	history.rooms = []chat.ChatRoom{room}

	h := newHarness(t, transport, history)
	conn := transport.nextConn(t)
	waitUntil(t, "room list resync", func() bool {
		_, ok := h.stores.Rooms.Get("room-1")
		return ok
	})

	pending, err := h.engine.Send("room-1", "is the excavator free this weekend?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if pending.Status != chat.StatusPending {
		t.Fatalf("expected pending status, got %s", pending.Status)
	}

	sent := nextOutbound(t, conn, EventSendMessage)
	if sent.TempID != pending.ID || sent.Content != pending.Content {
		t.Fatalf("outbound send does not match pending message: %+v", sent)
	}

	serverAt := time.Now().Add(-time.Second).UTC()
	conn.push(Event{
		Type:   EventMessage,
		TempID: pending.ID,
		Message: &MessagePayload{
			ID: "m123", RoomID: "room-1", SenderID: "alice",
			Content: pending.Content, SentAt: serverAt,
		},
	})

	waitUntil(t, "pending message confirmation", func() bool {
		msg, ok := h.stores.Messages.Get("room-1", "m123")
		return ok && msg.Status == chat.StatusConfirmed
	})
	if _, ok := h.stores.Messages.Get("room-1", pending.ID); ok {
		t.Fatal("temporary message should be gone after confirmation")
	}
	if got := len(h.stores.Messages.List("room-1")); got != 1 {
		t.Fatalf("expected exactly one message, got %d", got)
	}
}

func TestEngine_RejectedSendFailsWithoutAutoRetry(t *testing.T) {
	transport := newFakeTransport()
	history := newFakeHistory()
	history.rooms = []chat.ChatRoom{seedRoom(t, "room-1")}

	h := newHarness(t, transport, history)
	conn := transport.nextConn(t)
	waitUntil(t, "room list resync", func() bool {
		_, ok := h.stores.Rooms.Get("room-1")
		return ok
	})

	pending, err := h.engine.Send("room-1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	nextOutbound(t, conn, EventSendMessage)

	conn.push(Event{
		Type:   EventMessageRejected,
		RoomID: "room-1",
		TempID: pending.ID,
		Error:  &ErrorPayload{Code: "VALIDATION", Message: "content rejected"},
	})

	waitUntil(t, "message marked failed", func() bool {
		msg, ok := h.stores.Messages.Get("room-1", pending.ID)
		return ok && msg.Status == chat.StatusFailed && msg.FailReason == "content rejected"
	})

	// Failed sends stay put until the user acts.
	select {
	case event := <-conn.outbound:
		t.Fatalf("unexpected outbound event after rejection: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	retried, err := h.engine.Retry("room-1", pending.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.ID == pending.ID {
		t.Fatal("retry must use a fresh temporary id")
	}
	resent := nextOutbound(t, conn, EventSendMessage)
	if resent.TempID != retried.ID || resent.Content != "hello" {
		t.Fatalf("unexpected resend: %+v", resent)
	}
	if _, ok := h.stores.Messages.Get("room-1", pending.ID); ok {
		t.Fatal("failed message should be removed by retry")
	}
}

func TestEngine_CancelledSendDiscardsLateAck(t *testing.T) {
	transport := newFakeTransport()
	history := newFakeHistory()
	history.rooms = []chat.ChatRoom{seedRoom(t, "room-1")}

	h := newHarness(t, transport, history)
	conn := transport.nextConn(t)
	waitUntil(t, "room list resync", func() bool {
		_, ok := h.stores.Rooms.Get("room-1")
		return ok
	})

	pending, err := h.engine.Send("room-1", "never mind")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	nextOutbound(t, conn, EventSendMessage)

	if err := h.engine.Cancel("room-1", pending.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := h.stores.Messages.Get("room-1", pending.ID); ok {
		t.Fatal("cancelled message should disappear immediately")
	}

	// The ack arrives anyway; it must not resurrect the message. A marker
	// message afterwards proves the ack was already processed.
	conn.push(Event{
		Type:   EventMessage,
		TempID: pending.ID,
		Message: &MessagePayload{
			ID: "m123", RoomID: "room-1", SenderID: "alice",
			Content: "never mind", SentAt: time.Now().UTC(),
		},
	})
	conn.push(Event{
		Type: EventMessage,
		Message: &MessagePayload{
			ID: "m124", RoomID: "room-1", SenderID: "bob",
			Content: "ok", SentAt: time.Now().UTC(),
		},
	})
	waitUntil(t, "marker message", func() bool {
		_, ok := h.stores.Messages.Get("room-1", "m124")
		return ok
	})
	if _, ok := h.stores.Messages.Get("room-1", "m123"); ok {
		t.Fatal("ack for a cancelled send must be discarded")
	}
}

func TestEngine_ReconnectRecoversMissedMessages(t *testing.T) {
	transport := newFakeTransport()
	history := newFakeHistory()
	room := seedRoom(t, "room-1")
	history.rooms = []chat.ChatRoom{room}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	backlog := []chat.ChatMessage{
		{ID: "m1", RoomID: "room-1", SenderID: "bob", Content: "one", SentAt: base, Status: chat.StatusConfirmed},
		{ID: "m2", RoomID: "room-1", SenderID: "bob", Content: "two", SentAt: base.Add(time.Second), Status: chat.StatusConfirmed},
	}
	history.setMessages("room-1", backlog)

	h := newHarness(t, transport, history)
	conn := transport.nextConn(t)
	if err := h.engine.OpenRoom("room-1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	waitUntil(t, "initial history", func() bool {
		return len(h.stores.Messages.List("room-1")) == 2
	})

	// Five messages land server-side while the connection is down.
	missed := backlog
	for i := 3; i <= 7; i++ {
		missed = append(missed, chat.ChatMessage{
			ID: "m" + string(rune('0'+i)), RoomID: "room-1", SenderID: "bob",
			Content: "late", SentAt: base.Add(time.Duration(i) * time.Second), Status: chat.StatusConfirmed,
		})
	}
	history.setMessages("room-1", missed)
	conn.Close()

	transport.nextConn(t)
	waitUntil(t, "gap recovery", func() bool {
		return len(h.stores.Messages.List("room-1")) == 7
	})
	if h.engine.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", h.engine.State())
	}
}

func TestEngine_SendWhileDisconnectedFlushesOnConnect(t *testing.T) {
	transport := newFakeTransport(
		chat.TransportErr("dial", errors.New("refused")),
		chat.TransportErr("dial", errors.New("refused")),
	)
	history := newFakeHistory()
	room := seedRoom(t, "room-1")
	history.rooms = []chat.ChatRoom{room}

	h := newHarness(t, transport, history)
	// The room is known locally from a previous run; sending must work
	// offline and queue the transport work.
	h.stores.Rooms.Upsert(room)
	pending, err := h.engine.Send("room-1", "queued while offline")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, ok := h.stores.Messages.Get("room-1", pending.ID)
	if !ok || msg.Status != chat.StatusPending {
		t.Fatalf("expected queued pending message, got %+v ok=%v", msg, ok)
	}

	conn := transport.nextConn(t)
	sent := nextOutbound(t, conn, EventSendMessage)
	if sent.TempID != pending.ID {
		t.Fatalf("flushed send does not match queued message: %+v", sent)
	}
}

func TestEngine_GivesUpAfterReconnectBudget(t *testing.T) {
	transport := newFakeTransport()
	transport.failAll = chat.TransportErr("dial", errors.New("refused"))
	history := newFakeHistory()
	cfg := Config{
		Backoff:              Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond},
		MaxReconnectAttempts: 2,
	}

	h := newHarnessWithConfig(t, transport, history, cfg)
	select {
	case err := <-h.runErr:
		h.runErr <- err
		if !chat.IsCode(err, chat.CodeTransport) {
			t.Fatalf("expected transport error after spent attempt budget, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine should give up once the reconnect budget is spent")
	}
	if h.engine.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", h.engine.State())
	}
}

func TestEngine_AuthFailureIsFatal(t *testing.T) {
	transport := newFakeTransport(chat.AuthErr("token expired", nil))
	history := newFakeHistory()

	h := newHarness(t, transport, history)
	select {
	case err := <-h.runErr:
		h.runErr <- err
		if !chat.IsAuth(err) {
			t.Fatalf("expected auth error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine should stop on auth failure")
	}
	if h.engine.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", h.engine.State())
	}
}

func TestEngine_MarkReadSendsMarkerAndAppliesLocally(t *testing.T) {
	transport := newFakeTransport()
	history := newFakeHistory()
	room := seedRoom(t, "room-1")
	history.rooms = []chat.ChatRoom{room}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	history.setMessages("room-1", []chat.ChatMessage{
		{ID: "m1", RoomID: "room-1", SenderID: "bob", Content: "hi", SentAt: base, Status: chat.StatusConfirmed},
	})

	h := newHarness(t, transport, history)
	conn := transport.nextConn(t)
	if err := h.engine.OpenRoom("room-1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	waitUntil(t, "history", func() bool { return len(h.stores.Messages.List("room-1")) == 1 })

	if got := h.stores.Receipts.UnreadCount("room-1", "alice", h.stores.Messages.List("room-1")); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}
	// A pending send is newer than m1, but its temporary id must never
	// leave the client as a read marker.
	if _, err := h.engine.Send("room-1", "on my way"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.engine.MarkRead("room-1", ""); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	marker := nextOutbound(t, conn, EventMarkRead)
	if marker.MessageID != "m1" {
		t.Fatalf("expected marker for newest confirmed message, got %+v", marker)
	}
	if got := h.stores.Receipts.UnreadCount("room-1", "alice", h.stores.Messages.List("room-1")); got != 0 {
		t.Fatalf("expected 0 unread after marking read, got %d", got)
	}
}

func TestEngine_CreateRoomAdoptsCanonicalRoom(t *testing.T) {
	transport := newFakeTransport()
	history := newFakeHistory()
	release := make(chan struct{})
	history.createFn = func(equipment chat.Equipment, participants []chat.Participant) (chat.ChatRoom, error) {
		<-release
		return seedRoom(t, "room-9"), nil
	}

	h := newHarness(t, transport, history)
	conn := transport.nextConn(t)

	provisional, err := h.engine.CreateRoom(
		chat.Equipment{ID: "eq-1", Name: "excavator"},
		[]chat.Participant{{ID: "bob", Name: "Bob"}},
	)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if !provisional.Provisional {
		t.Fatal("room should start provisional")
	}
	if !provisional.HasParticipant("alice") {
		t.Fatal("creator must be added to the participant set")
	}

	// Same key again returns the existing room instead of creating another.
	again, err := h.engine.CreateRoom(
		chat.Equipment{ID: "eq-1", Name: "excavator"},
		[]chat.Participant{{ID: "bob", Name: "Bob"}},
	)
	if err != nil {
		t.Fatalf("repeat create room: %v", err)
	}
	if again.ID != provisional.ID {
		t.Fatalf("expected idempotent creation, got %s and %s", provisional.ID, again.ID)
	}

	// A message sent into the provisional room before confirmation. The
	// server does not know the provisional id, so nothing may go out
	// until the canonical room replaces it.
	pending, err := h.engine.Send(provisional.ID, "early message")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case event := <-conn.outbound:
		t.Fatalf("send dispatched before room confirmation: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	sent := nextOutbound(t, conn, EventSendMessage)
	if sent.RoomID != "room-9" {
		t.Fatalf("send should go out under the canonical room id, got %+v", sent)
	}
	if sent.TempID != pending.ID {
		t.Fatalf("flushed send does not match the held message: %+v", sent)
	}
	waitUntil(t, "room adoption", func() bool {
		_, ok := h.stores.Rooms.Get("room-9")
		return ok
	})
	if _, ok := h.stores.Rooms.Get(provisional.ID); ok {
		t.Fatal("provisional room should be gone after adoption")
	}
	msg, ok := h.stores.Messages.Get("room-9", pending.ID)
	if !ok {
		t.Fatal("interim message should move to the canonical room")
	}
	if msg.RoomID != "room-9" {
		t.Fatalf("remapped message keeps stale room id: %s", msg.RoomID)
	}
	if history.createCalls != 1 {
		t.Fatalf("expected a single create call, got %d", history.createCalls)
	}
}

func TestEngine_FailedRoomCreationRetriesOnResync(t *testing.T) {
	transport := newFakeTransport()
	history := newFakeHistory()
	calls := 0
	var mu sync.Mutex
	history.createFn = func(equipment chat.Equipment, participants []chat.Participant) (chat.ChatRoom, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return chat.ChatRoom{}, chat.TransportErr("create room", errors.New("unavailable"))
		}
		return seedRoom(t, "room-9"), nil
	}

	h := newHarness(t, transport, history)
	conn := transport.nextConn(t)

	if _, err := h.engine.CreateRoom(
		chat.Equipment{ID: "eq-1", Name: "excavator"},
		[]chat.Participant{{ID: "bob", Name: "Bob"}},
	); err != nil {
		t.Fatalf("create room: %v", err)
	}
	waitUntil(t, "first create attempt", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})

	// Reconnect triggers a resync, which retries the pending creation.
	conn.Close()
	transport.nextConn(t)
	waitUntil(t, "room adoption after retry", func() bool {
		_, ok := h.stores.Rooms.Get("room-9")
		return ok
	})
}

func TestEngine_ActionsAfterShutdownReturnClosed(t *testing.T) {
	transport := newFakeTransport()
	history := newFakeHistory()
	history.rooms = []chat.ChatRoom{seedRoom(t, "room-1")}

	h := newHarness(t, transport, history)
	transport.nextConn(t)
	h.engine.Shutdown()

	if _, err := h.engine.Send("room-1", "too late"); !chat.IsCode(err, chat.CodeClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := h.engine.MarkRead("room-1", "m1"); !chat.IsCode(err, chat.CodeClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := h.engine.CreateRoom(chat.Equipment{ID: "eq-1"}, nil); !chat.IsCode(err, chat.CodeClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestBackoff_DelayStaysWithinWindow(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 8 * time.Second}
	windows := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second,
	}
	for attempt, window := range windows {
		for i := 0; i < 100; i++ {
			d := b.Delay(attempt + 1)
			if d < 0 || d >= window {
				t.Fatalf("attempt %d: delay %v outside [0, %v)", attempt+1, d, window)
			}
		}
	}
	// Zero-valued config still produces a sane delay.
	if d := (Backoff{}).Delay(1); d < 0 || d >= time.Second {
		t.Fatalf("default delay %v outside [0, 1s)", d)
	}
}
