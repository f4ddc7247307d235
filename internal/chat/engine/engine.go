package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rentchat/internal/chat/store"
	"rentchat/internal/domain/chat"
)

// State is the sync engine connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// HistoryClient is the REST fallback used for cold-start fetches and
// gap-recovery resync after reconnect. ListRooms also returns the
// server's authoritative read markers.
type HistoryClient interface {
	ListRooms(ctx context.Context) ([]chat.ChatRoom, []chat.ReadReceipt, error)
	ListMessages(ctx context.Context, roomID chat.RoomID, limit int, before string) ([]chat.ChatMessage, string, error)
	CreateRoom(ctx context.Context, equipment chat.Equipment, participants []chat.Participant) (chat.ChatRoom, error)
}

// Stores groups the three projections the engine mutates. All mutation
// flows through the engine; UI code only reads.
type Stores struct {
	Messages *store.MessageStore
	Rooms    *store.RoomDirectory
	Receipts *store.ReceiptTracker
}

type Config struct {
	Backoff              Backoff
	MaxReconnectAttempts int           // reconnects before giving up, default 10
	SendTimeout          time.Duration // pending ack limit once dispatched, default 15s
	SweepInterval        time.Duration // pending timeout scan period, default 1s
	HistoryPageSize      int           // messages per resync page, default 50
}

func (c Config) maxAttempts() int {
	if c.MaxReconnectAttempts <= 0 {
		return 10
	}
	return c.MaxReconnectAttempts
}

func (c Config) sendTimeout() time.Duration {
	if c.SendTimeout <= 0 {
		return 15 * time.Second
	}
	return c.SendTimeout
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval <= 0 {
		return time.Second
	}
	return c.SweepInterval
}

func (c Config) pageSize() int {
	if c.HistoryPageSize <= 0 || c.HistoryPageSize > 200 {
		return 50
	}
	return c.HistoryPageSize
}

type inflightSend struct {
	roomID       chat.RoomID
	dispatchedAt time.Time
}

type createRequest struct {
	equipment    chat.Equipment
	participants []chat.Participant
}

// Engine owns the realtime connection lifecycle and serializes every
// store mutation through its run goroutine. UI actions perform their
// optimistic local effect against the thread-safe stores and enqueue the
// transport work as an intent; confirmations, receipts and resync all
// land on the run goroutine in arrival order.
type Engine struct {
	cfg        Config
	transport  Transport
	history    HistoryClient
	stores     Stores
	self       chat.Participant
	hub        *store.Hub
	logger     *slog.Logger
	generation string

	actions chan func(flush func())
	fatal   chan error
	done    chan struct{}
	state   atomic.Int32
	closed  atomic.Bool
	runCtx  atomic.Value // context.Context

	// Owned by the run goroutine.
	queue        []Event
	inflight     map[string]inflightSend
	discarded    map[string]struct{}
	open         map[chat.RoomID]struct{}
	pendingRooms map[chat.RoomID]createRequest
}

func New(cfg Config, transport Transport, history HistoryClient, stores Stores, self chat.Participant, hub *store.Hub, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:          cfg,
		transport:    transport,
		history:      history,
		stores:       stores,
		self:         self,
		hub:          hub,
		logger:       logger,
		generation:   uuid.NewString(),
		actions:      make(chan func(flush func()), 128),
		fatal:        make(chan error, 1),
		done:         make(chan struct{}),
		inflight:     make(map[string]inflightSend),
		discarded:    make(map[string]struct{}),
		open:         make(map[chat.RoomID]struct{}),
		pendingRooms: make(map[chat.RoomID]createRequest),
	}
	stores.Messages.SetOnChange(func(roomID chat.RoomID, newest *chat.ChatMessage) {
		if stores.Rooms.Touch(roomID, newest) {
			hub.Publish(store.Update{Kind: store.UpdateRooms})
		}
		hub.Publish(store.Update{Kind: store.UpdateMessages, RoomID: roomID})
	})
	return e
}

// Generation identifies this engine instance in logs; a new session
// always gets a new generation.
func (e *Engine) Generation() string { return e.generation }

// State returns the current connection state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Run drives the connection state machine until ctx is cancelled, the
// session is no longer authenticated, or reconnection gives up. It must
// be called exactly once.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx.Store(ctx)
	defer close(e.done)
	defer e.setState(StateDisconnected)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.setState(StateConnecting)
		conn, err := e.transport.Connect(ctx)
		if err != nil {
			if chat.IsAuth(err) {
				return err
			}
			e.logger.Warn("chat connect failed", "error", err, "attempt", attempt+1, "generation", e.generation)
			attempt++
			if err := e.waitReconnect(ctx, attempt, err); err != nil {
				return err
			}
			continue
		}
		attempt = 0
		e.setState(StateConnected)
		e.logger.Info("chat connected", "generation", e.generation)

		err = e.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if chat.IsAuth(err) {
			e.logger.Warn("chat session no longer authenticated", "error", err)
			return err
		}
		e.logger.Warn("chat connection lost", "error", err, "generation", e.generation)
		attempt++
		if err := e.waitReconnect(ctx, attempt, err); err != nil {
			return err
		}
	}
}

// waitReconnect sits out the backoff delay while still applying intents
// and timeout sweeps, or surfaces persistent disconnection when the
// attempt budget is spent.
func (e *Engine) waitReconnect(ctx context.Context, attempt int, cause error) error {
	if attempt > e.cfg.maxAttempts() {
		e.logger.Error("chat reconnect attempts exhausted", "attempts", attempt-1, "error", cause)
		return chat.TransportErr("reconnect attempts exhausted", cause)
	}
	e.setState(StateReconnecting)
	delay := e.cfg.Backoff.Delay(attempt)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	sweep := time.NewTicker(e.cfg.sweepInterval())
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case fn := <-e.actions:
			fn(nil)
		case <-sweep.C:
			e.sweepInflight(time.Now())
		case err := <-e.fatal:
			return err
		}
	}
}

// serve applies events on one live connection until it breaks.
func (e *Engine) serve(ctx context.Context, conn Conn) error {
	recv := make(chan Event)
	recvErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			event, err := conn.Receive(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case recv <- event:
			case <-stop:
				return
			}
		}
	}()

	e.resync(ctx)
	if err := e.flushQueue(ctx, conn); err != nil {
		return chat.TransportErr("flush outbound queue", err)
	}

	flush := func() {
		if err := e.flushQueue(ctx, conn); err != nil {
			e.logger.Warn("chat send failed, queue retained", "error", err)
		}
	}
	sweep := time.NewTicker(e.cfg.sweepInterval())
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-recv:
			if err := e.apply(ctx, conn, event); err != nil {
				return err
			}
		case err := <-recvErr:
			if chat.IsAuth(err) {
				return err
			}
			return chat.TransportErr("receive", err)
		case fn := <-e.actions:
			fn(flush)
		case <-sweep.C:
			e.sweepInflight(time.Now())
		case err := <-e.fatal:
			return err
		}
	}
}

// apply is the single ordered event-application path for inbound events.
func (e *Engine) apply(ctx context.Context, conn Conn, event Event) error {
	switch event.Type {
	case EventMessage:
		e.applyMessage(event)
	case EventReadReceipt:
		if event.Receipt != nil && e.stores.Receipts.Apply(event.Receipt.toDomain()) {
			e.hub.Publish(store.Update{Kind: store.UpdateReceipts, RoomID: chat.RoomID(event.Receipt.RoomID)})
		}
	case EventRoom:
		if event.Room != nil {
			e.stores.Rooms.Upsert(event.Room.toDomain())
			e.hub.Publish(store.Update{Kind: store.UpdateRooms})
		}
	case EventMessageRejected:
		e.applyRejection(event)
	case EventError:
		if event.Error != nil && event.Error.Code == string(chat.CodeAuth) {
			return chat.AuthErr(event.Error.Message, nil)
		}
		e.logger.Warn("chat server error event", "code", eventErrorCode(event), "message", eventErrorMessage(event))
	case EventPing:
		if err := conn.Send(ctx, Event{Type: EventPong, Timestamp: time.Now().UTC()}); err != nil {
			return chat.TransportErr("pong", err)
		}
	case EventPong:
	default:
		e.logger.Debug("chat event ignored", "type", event.Type)
	}
	return nil
}

func (e *Engine) applyMessage(event Event) {
	if event.Message == nil {
		return
	}
	msg := event.Message.toDomain()
	if event.TempID != "" {
		if _, cancelled := e.discarded[event.TempID]; cancelled {
			// Ack for a send the user cancelled; drop it for good.
			delete(e.discarded, event.TempID)
			return
		}
		delete(e.inflight, event.TempID)
		if err := e.stores.Messages.Replace(msg.RoomID, event.TempID, msg); err != nil {
			// The pending copy is gone, so the user withdrew the send
			// before the ack arrived.
			e.logger.Debug("chat ack for withdrawn send dropped", "temp_id", event.TempID)
		}
		return
	}
	e.stores.Messages.Append(msg.RoomID, msg)
}

func (e *Engine) applyRejection(event Event) {
	if event.TempID == "" {
		return
	}
	if _, cancelled := e.discarded[event.TempID]; cancelled {
		delete(e.discarded, event.TempID)
		return
	}
	roomID := chat.RoomID(event.RoomID)
	if send, ok := e.inflight[event.TempID]; ok {
		roomID = send.roomID
		delete(e.inflight, event.TempID)
	}
	reason := eventErrorMessage(event)
	if reason == "" {
		reason = "rejected by server"
	}
	if err := e.stores.Messages.MarkFailed(roomID, event.TempID, reason); err != nil {
		e.logger.Warn("chat rejection for unknown send", "temp_id", event.TempID)
	}
}

// resync is the gap-recovery pass run on every (re)connect: the full
// room list with authoritative read markers, pending room creations, and
// the newest history page of every open room. Messages already present
// deduplicate on append.
func (e *Engine) resync(ctx context.Context) {
	rooms, receipts, err := e.history.ListRooms(ctx)
	if err != nil {
		if chat.IsAuth(err) {
			e.reportFatal(err)
			return
		}
		e.logger.Warn("chat room list resync failed", "error", err)
	} else {
		for _, room := range rooms {
			e.stores.Rooms.Upsert(room)
		}
		e.hub.Publish(store.Update{Kind: store.UpdateRooms})
		for _, receipt := range receipts {
			e.stores.Receipts.Apply(receipt)
		}
		if len(receipts) > 0 {
			e.hub.Publish(store.Update{Kind: store.UpdateReceipts})
		}
	}
	for provisionalID, req := range e.pendingRooms {
		e.startRoomCreation(provisionalID, req)
	}
	for roomID := range e.open {
		e.startHistoryFetch(roomID)
	}
}

// flushQueue drains queued outbound events in FIFO order. Events bound
// for a provisional room are held back: the server only knows the room
// once creation confirms, and adoption rewrites their room id before
// they go out. On a send error the failing event stays queued for the
// next connection.
func (e *Engine) flushQueue(ctx context.Context, conn Conn) error {
	var held []Event
	for len(e.queue) > 0 {
		event := e.queue[0]
		if _, provisional := e.pendingRooms[chat.RoomID(event.RoomID)]; provisional {
			held = append(held, event)
			e.queue = e.queue[1:]
			continue
		}
		if err := conn.Send(ctx, event); err != nil {
			e.queue = append(held, e.queue...)
			return err
		}
		e.queue = e.queue[1:]
		if event.Type == EventSendMessage {
			e.inflight[event.TempID] = inflightSend{
				roomID:       chat.RoomID(event.RoomID),
				dispatchedAt: time.Now(),
			}
		}
	}
	e.queue = held
	return nil
}

// sweepInflight fails pending sends that were dispatched but never
// acknowledged within the send timeout. Queued-but-undispatched sends
// are the offline pending buffer and are left alone.
func (e *Engine) sweepInflight(now time.Time) {
	limit := e.cfg.sendTimeout()
	for tempID, send := range e.inflight {
		if now.Sub(send.dispatchedAt) <= limit {
			continue
		}
		delete(e.inflight, tempID)
		if err := e.stores.Messages.MarkFailed(send.roomID, tempID, "send timed out"); err == nil {
			e.logger.Warn("chat send timed out", "room_id", send.roomID, "temp_id", tempID)
		}
	}
}

// Send validates and appends an optimistic pending message, then queues
// the transport send. The pending message is returned immediately.
func (e *Engine) Send(roomID chat.RoomID, content string) (chat.ChatMessage, error) {
	if e.closed.Load() {
		return chat.ChatMessage{}, chat.ClosedErr()
	}
	if _, ok := e.stores.Rooms.Get(roomID); !ok {
		return chat.ChatMessage{}, chat.NotFoundErr("room")
	}
	msg, err := chat.NewPending("tmp-"+uuid.NewString(), roomID, e.self.ID, content, time.Now())
	if err != nil {
		return chat.ChatMessage{}, chat.ValidationErr("message content is required")
	}
	e.stores.Messages.Append(roomID, msg)
	event := sendEvent(msg)
	if err := e.dispatch(func(flush func()) {
		e.queue = append(e.queue, event)
		if flush != nil {
			flush()
		}
	}); err != nil {
		return chat.ChatMessage{}, err
	}
	return msg, nil
}

// Retry discards a failed message and sends its content again under a
// fresh temporary id. Failed sends are never retried automatically.
func (e *Engine) Retry(roomID chat.RoomID, tempID string) (chat.ChatMessage, error) {
	if e.closed.Load() {
		return chat.ChatMessage{}, chat.ClosedErr()
	}
	failed, err := e.stores.Messages.Remove(roomID, tempID, chat.StatusFailed)
	if err != nil {
		return chat.ChatMessage{}, chat.NotFoundErr("failed message")
	}
	return e.Send(roomID, failed.Content)
}

// Discard drops a failed message without resending it.
func (e *Engine) Discard(roomID chat.RoomID, tempID string) error {
	if e.closed.Load() {
		return chat.ClosedErr()
	}
	if _, err := e.stores.Messages.Remove(roomID, tempID, chat.StatusFailed); err != nil {
		return chat.NotFoundErr("failed message")
	}
	return nil
}

// Cancel withdraws a send that is still pending. The message disappears
// locally; if the transport already dispatched it, the eventual ack is
// discarded by temporary id.
func (e *Engine) Cancel(roomID chat.RoomID, tempID string) error {
	if e.closed.Load() {
		return chat.ClosedErr()
	}
	if _, err := e.stores.Messages.Remove(roomID, tempID, chat.StatusPending); err != nil {
		return chat.NotFoundErr("pending message")
	}
	return e.dispatch(func(flush func()) {
		if _, dispatched := e.inflight[tempID]; dispatched {
			delete(e.inflight, tempID)
			e.discarded[tempID] = struct{}{}
			return
		}
		for i, event := range e.queue {
			if event.Type == EventSendMessage && event.TempID == tempID {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				return
			}
		}
		// Never saw it leave: either already flushed without ack yet, or
		// raced the flush. Discarding by temp id covers both.
		e.discarded[tempID] = struct{}{}
	})
}

// MarkRead marks the room read up to messageID (the newest confirmed
// message when empty): optimistic local receipt plus a fire-and-forget
// notification. Read state is best-effort; resync re-derives it from
// the server.
func (e *Engine) MarkRead(roomID chat.RoomID, messageID string) error {
	if e.closed.Load() {
		return chat.ClosedErr()
	}
	if messageID == "" {
		newest, ok := e.stores.Messages.NewestConfirmed(roomID)
		if !ok {
			return nil
		}
		messageID = newest.ID
	}
	now := time.Now()
	if e.stores.Receipts.MarkLocalRead(roomID, e.self.ID, messageID, now) {
		e.hub.Publish(store.Update{Kind: store.UpdateReceipts, RoomID: roomID})
	}
	event := markReadEvent(roomID, messageID, now.UTC())
	return e.dispatch(func(flush func()) {
		e.queue = append(e.queue, event)
		if flush != nil {
			flush()
		}
	})
}

// CreateRoom returns the existing room for (equipment, participants) or
// creates one: a provisional room appears immediately so the UI can
// navigate, and is replaced by the server's canonical room on
// confirmation, remapping any interim messages.
func (e *Engine) CreateRoom(equipment chat.Equipment, participants []chat.Participant) (chat.ChatRoom, error) {
	if e.closed.Load() {
		return chat.ChatRoom{}, chat.ClosedErr()
	}
	participants = withParticipant(participants, e.self)
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ID)
	}
	if existing, ok := e.stores.Rooms.FindByKey(equipment.ID, ids); ok {
		return existing, nil
	}
	provisional, err := chat.NewRoom(chat.NewRoomParams{
		ID:           chat.RoomID("tmp-" + uuid.NewString()),
		Equipment:    equipment,
		Participants: participants,
		Now:          time.Now(),
		Provisional:  true,
	})
	if err != nil {
		return chat.ChatRoom{}, chat.ValidationErr(err.Error())
	}
	e.stores.Rooms.Upsert(provisional)
	e.hub.Publish(store.Update{Kind: store.UpdateRooms})
	req := createRequest{equipment: equipment, participants: participants}
	if err := e.dispatch(func(func()) {
		e.pendingRooms[provisional.ID] = req
		e.startRoomCreation(provisional.ID, req)
	}); err != nil {
		return chat.ChatRoom{}, err
	}
	return provisional, nil
}

// startRoomCreation runs the REST create off the loop and applies the
// adoption as an intent. A creation conflict resolves the same way: the
// client returns the server's canonical room for the key.
func (e *Engine) startRoomCreation(provisionalID chat.RoomID, req createRequest) {
	ctx := e.runContext()
	go func() {
		canonical, err := e.history.CreateRoom(ctx, req.equipment, req.participants)
		if err != nil {
			if chat.IsAuth(err) {
				e.reportFatal(err)
				return
			}
			e.logger.Warn("chat room creation failed, will retry on resync", "error", err, "provisional_id", provisionalID)
			return
		}
		_ = e.dispatch(func(flush func()) {
			delete(e.pendingRooms, provisionalID)
			e.adoptRoom(provisionalID, canonical)
			if flush != nil {
				flush()
			}
		})
	}()
}

// adoptRoom swaps a provisional room for the canonical one across every
// projection and rewrites queued outbound events.
func (e *Engine) adoptRoom(provisionalID chat.RoomID, canonical chat.ChatRoom) {
	adopted := e.stores.Rooms.Adopt(provisionalID, canonical)
	e.stores.Messages.Remap(provisionalID, adopted.ID)
	e.stores.Receipts.Remap(provisionalID, adopted.ID)
	for i := range e.queue {
		if e.queue[i].RoomID == string(provisionalID) {
			e.queue[i].RoomID = string(adopted.ID)
		}
	}
	for tempID, send := range e.inflight {
		if send.roomID == provisionalID {
			send.roomID = adopted.ID
			e.inflight[tempID] = send
		}
	}
	if _, ok := e.open[provisionalID]; ok {
		delete(e.open, provisionalID)
		e.open[adopted.ID] = struct{}{}
	}
	e.hub.Publish(store.Update{Kind: store.UpdateRooms})
	e.hub.Publish(store.Update{Kind: store.UpdateMessages, RoomID: adopted.ID})
}

// OpenRoom marks a room as visible: its history is fetched now and
// resynced after every reconnect.
func (e *Engine) OpenRoom(roomID chat.RoomID) error {
	if e.closed.Load() {
		return chat.ClosedErr()
	}
	return e.dispatch(func(func()) {
		if _, ok := e.open[roomID]; ok {
			return
		}
		e.open[roomID] = struct{}{}
		e.startHistoryFetch(roomID)
	})
}

// CloseRoom removes a room from the resync set.
func (e *Engine) CloseRoom(roomID chat.RoomID) error {
	if e.closed.Load() {
		return chat.ClosedErr()
	}
	return e.dispatch(func(func()) {
		delete(e.open, roomID)
	})
}

func (e *Engine) startHistoryFetch(roomID chat.RoomID) {
	ctx := e.runContext()
	go func() {
		msgs, _, err := e.history.ListMessages(ctx, roomID, e.cfg.pageSize(), "")
		if err != nil {
			if chat.IsAuth(err) {
				e.reportFatal(err)
				return
			}
			e.logger.Warn("chat history fetch failed", "error", err, "room_id", roomID)
			return
		}
		_ = e.dispatch(func(func()) {
			for _, msg := range msgs {
				e.stores.Messages.Append(roomID, msg)
			}
		})
	}()
}

// Shutdown marks the engine closed so no action lands after teardown
// begins. The session cancels the run context right after.
func (e *Engine) Shutdown() {
	e.closed.Store(true)
}

// dispatch hands an intent to the run goroutine.
func (e *Engine) dispatch(fn func(flush func())) error {
	if e.closed.Load() {
		return chat.ClosedErr()
	}
	select {
	case e.actions <- fn:
		return nil
	case <-e.done:
		return chat.ClosedErr()
	}
}

func (e *Engine) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

func (e *Engine) setState(state State) {
	if State(e.state.Swap(int32(state))) != state {
		e.hub.Publish(store.Update{Kind: store.UpdateConnection})
	}
}

func (e *Engine) runContext() context.Context {
	if ctx, ok := e.runCtx.Load().(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func withParticipant(participants []chat.Participant, member chat.Participant) []chat.Participant {
	for _, p := range participants {
		if p.ID == member.ID {
			return participants
		}
	}
	return append(append([]chat.Participant(nil), participants...), member)
}

func eventErrorCode(event Event) string {
	if event.Error == nil {
		return ""
	}
	return event.Error.Code
}

func eventErrorMessage(event Event) string {
	if event.Error == nil {
		return ""
	}
	return event.Error.Message
}
