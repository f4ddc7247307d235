// Package session owns the chat session lifecycle: one authenticated
// participant, one engine, one transport connection. A session is
// constructed when the user authenticates and torn down on logout; the
// manager enforces that at most one exists at a time.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"rentchat/internal/chat/engine"
	"rentchat/internal/chat/store"
	"rentchat/internal/domain/chat"
)

// Deps are the external collaborators a session consumes: the realtime
// transport, the REST fallback and a logger. Identity comes from the
// Start call.
type Deps struct {
	Transport engine.Transport
	History   engine.HistoryClient
	Logger    *slog.Logger
	Engine    engine.Config
}

// Manager enforces single-instance discipline for the session.
type Manager struct {
	mu     sync.Mutex
	active *Session
}

func NewManager() *Manager {
	return &Manager{}
}

// Start builds the stores and engine for the authenticated participant
// and launches the sync loop. It fails with a conflict while another
// session is active.
func (m *Manager) Start(ctx context.Context, self chat.Participant, deps Deps) (*Session, error) {
	if self.ID == "" {
		return nil, chat.ValidationErr("participant id is required")
	}
	if deps.Transport == nil || deps.History == nil {
		return nil, chat.ValidationErr("transport and history client are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && !m.active.closed.Load() {
		return nil, chat.ConflictErr("chat session already active")
	}

	stores := engine.Stores{
		Messages: store.NewMessageStore(),
		Rooms:    store.NewRoomDirectory(),
		Receipts: store.NewReceiptTracker(),
	}
	hub := store.NewHub()
	eng := engine.New(deps.Engine, deps.Transport, deps.History, stores, self, hub, logger)

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		self:    self,
		stores:  stores,
		hub:     hub,
		engine:  eng,
		cancel:  cancel,
		logger:  logger,
		manager: m,
	}
	s.runDone = make(chan struct{})
	go func() {
		defer close(s.runDone)
		err := eng.Run(runCtx)
		switch {
		case err == nil || runCtx.Err() != nil:
		case chat.IsAuth(err):
			// Expired credentials end the session; re-authentication is
			// the identity collaborator's job.
			logger.Warn("chat session ended by auth failure", "generation", eng.Generation(), "error", err)
			s.Close()
		default:
			logger.Error("chat sync stopped", "generation", eng.Generation(), "error", err)
		}
	}()

	logger.Info("chat session started", "user_id", self.ID, "generation", eng.Generation())
	m.active = s
	return s, nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.active = nil
	}
}

// Session exposes read-only projections of the chat stores and the
// action surface to the UI layer.
type Session struct {
	self    chat.Participant
	stores  engine.Stores
	hub     *store.Hub
	engine  *engine.Engine
	cancel  context.CancelFunc
	logger  *slog.Logger
	manager *Manager
	runDone chan struct{}
	closed  atomic.Bool
}

// Self returns the authenticated participant.
func (s *Session) Self() chat.Participant { return s.self }

// State reports the sync engine connection state.
func (s *Session) State() engine.State { return s.engine.State() }

// Updates subscribes to store change notifications. Cancel the
// subscription when the consumer goes away.
func (s *Session) Updates(buffer int) (<-chan store.Update, func()) {
	return s.hub.Subscribe(buffer)
}

// Rooms returns the room list sorted by recency.
func (s *Session) Rooms() []chat.ChatRoom { return s.stores.Rooms.List() }

// Room fetches one room.
func (s *Session) Room(id chat.RoomID) (chat.ChatRoom, bool) { return s.stores.Rooms.Get(id) }

// Messages returns the room's messages in display order.
func (s *Session) Messages(roomID chat.RoomID) []chat.ChatMessage {
	return s.stores.Messages.List(roomID)
}

// UnreadCount counts messages the authenticated user has not read yet,
// excluding their own.
func (s *Session) UnreadCount(roomID chat.RoomID) int {
	return s.stores.Receipts.UnreadCount(roomID, s.self.ID, s.stores.Messages.List(roomID))
}

// ReadBy projects which participants have read the given message.
func (s *Session) ReadBy(roomID chat.RoomID, messageID string) []chat.ReadEntry {
	return s.stores.Receipts.ReadBy(roomID, messageID, s.stores.Messages.List(roomID))
}

// Send posts a message optimistically; the returned message is pending
// until the server confirms it.
func (s *Session) Send(roomID chat.RoomID, content string) (chat.ChatMessage, error) {
	return s.engine.Send(roomID, content)
}

// Retry resends a failed message under a new temporary id.
func (s *Session) Retry(roomID chat.RoomID, tempID string) (chat.ChatMessage, error) {
	return s.engine.Retry(roomID, tempID)
}

// Discard drops a failed message.
func (s *Session) Discard(roomID chat.RoomID, tempID string) error {
	return s.engine.Discard(roomID, tempID)
}

// Cancel withdraws a still-pending send.
func (s *Session) Cancel(roomID chat.RoomID, tempID string) error {
	return s.engine.Cancel(roomID, tempID)
}

// MarkRead marks the room read up to messageID, or its newest confirmed
// message when messageID is empty.
func (s *Session) MarkRead(roomID chat.RoomID, messageID string) error {
	return s.engine.MarkRead(roomID, messageID)
}

// CreateRoom returns the canonical or provisional room for the
// equipment listing and participants.
func (s *Session) CreateRoom(equipment chat.Equipment, participants []chat.Participant) (chat.ChatRoom, error) {
	return s.engine.CreateRoom(equipment, participants)
}

// OpenRoom starts history sync for a room the UI is showing.
func (s *Session) OpenRoom(roomID chat.RoomID) error { return s.engine.OpenRoom(roomID) }

// CloseRoom stops history sync for a room.
func (s *Session) CloseRoom(roomID chat.RoomID) error { return s.engine.CloseRoom(roomID) }

// Done is closed once the sync loop has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.runDone }

// Close tears the session down: the engine stops accepting actions, the
// transport closes, subscribers are dropped and the manager slot frees.
// No store mutation lands after teardown begins. Safe to call twice.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.engine.Shutdown()
	s.cancel()
	s.hub.Close()
	s.manager.release(s)
	s.logger.Info("chat session closed", "user_id", s.self.ID, "generation", s.engine.Generation())
}
