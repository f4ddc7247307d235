package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"rentchat/internal/chat/engine"
	"rentchat/internal/chat/session"
	"rentchat/internal/chat/store"
	"rentchat/internal/domain/chat"
	"rentchat/internal/infra/config"
	"rentchat/internal/infra/obs"
	"rentchat/internal/infra/rest"
	"rentchat/internal/infra/transport/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	env := getenv("APP_ENV", "dev")
	logger := obs.NewLogger(env)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	self := chat.Participant{
		ID:        cfg.UserID,
		Name:      cfg.UserName,
		AvatarURL: cfg.UserAvatarURL,
	}
	deps := session.Deps{
		Transport: &ws.Client{
			URL:          cfg.WSURL,
			Token:        cfg.AuthToken,
			Logger:       logger,
			PingInterval: cfg.WSPingInterval,
		},
		History: &rest.Client{
			BaseURL:     cfg.APIBase,
			Token:       cfg.AuthToken,
			Logger:      logger,
			CallTimeout: cfg.RESTCallTimeout,
		},
		Logger: logger,
		Engine: engine.Config{
			Backoff:              engine.Backoff{Base: cfg.ReconnectBase, Cap: cfg.ReconnectCap},
			MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
			SendTimeout:          cfg.SendTimeout,
			HistoryPageSize:      cfg.HistoryPageSize,
		},
	}

	manager := session.NewManager()
	chatSession, err := manager.Start(ctx, self, deps)
	if err != nil {
		logger.Error("chat session start failed", "error", err)
		os.Exit(1)
	}
	defer chatSession.Close()

	updates, unsubscribe := chatSession.Updates(32)
	defer unsubscribe()

	var current chat.RoomID

	fmt.Println("rentchat: /rooms /open <id> /new <equipment> <peer> /read /retry <id> /cancel <id> /state /quit")
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-chatSession.Done():
			logger.Info("chat session ended")
			return
		case update := <-updates:
			if update.Kind == store.UpdateMessages && update.RoomID == current && current != "" {
				printMessages(chatSession, current)
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(chatSession, logger, &current, line); quit {
				return
			}
		}
	}
}

func handleLine(s *session.Session, logger *slog.Logger, current *chat.RoomID, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if *current == "" {
			fmt.Println("no room open; use /open <id> or /new <equipment> <peer>")
			return false
		}
		if _, err := s.Send(*current, line); err != nil {
			logger.Error("send failed", "error", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/state":
		fmt.Println("connection:", s.State())
	case "/rooms":
		for _, room := range s.Rooms() {
			marker := " "
			if room.Provisional {
				marker = "*"
			}
			fmt.Printf("%s %s  %-20s  unread=%d  %s\n",
				marker, room.ID, room.Equipment.Name, s.UnreadCount(room.ID), room.LastMessageText)
		}
	case "/open":
		if len(fields) < 2 {
			fmt.Println("usage: /open <room-id>")
			return false
		}
		roomID := chat.RoomID(fields[1])
		if _, ok := s.Room(roomID); !ok {
			fmt.Println("unknown room", roomID)
			return false
		}
		*current = roomID
		if err := s.OpenRoom(roomID); err != nil {
			logger.Error("open room failed", "error", err)
		}
		printMessages(s, roomID)
	case "/new":
		if len(fields) < 3 {
			fmt.Println("usage: /new <equipment-id> <peer-id>")
			return false
		}
		room, err := s.CreateRoom(
			chat.Equipment{ID: fields[1], Name: fields[1]},
			[]chat.Participant{{ID: fields[2], Name: fields[2]}},
		)
		if err != nil {
			logger.Error("create room failed", "error", err)
			return false
		}
		*current = room.ID
		_ = s.OpenRoom(room.ID)
		fmt.Println("room", room.ID)
	case "/read":
		if *current == "" {
			return false
		}
		if err := s.MarkRead(*current, ""); err != nil {
			logger.Error("mark read failed", "error", err)
		}
	case "/retry":
		if *current == "" || len(fields) < 2 {
			fmt.Println("usage: /retry <temp-id> (with a room open)")
			return false
		}
		if _, err := s.Retry(*current, fields[1]); err != nil {
			logger.Error("retry failed", "error", err)
		}
	case "/cancel":
		if *current == "" || len(fields) < 2 {
			fmt.Println("usage: /cancel <temp-id> (with a room open)")
			return false
		}
		if err := s.Cancel(*current, fields[1]); err != nil {
			logger.Error("cancel failed", "error", err)
		}
	default:
		fmt.Println("unknown command", fields[0])
	}
	return false
}

func printMessages(s *session.Session, roomID chat.RoomID) {
	for _, msg := range s.Messages(roomID) {
		status := ""
		switch msg.Status {
		case chat.StatusPending:
			status = " [sending]"
		case chat.StatusFailed:
			status = " [failed: " + msg.FailReason + ", id " + msg.ID + "]"
		}
		who := msg.SenderID
		if msg.IsMine(s.Self().ID) {
			who = "me"
		}
		fmt.Printf("%s  %-10s %s%s\n", msg.SentAt.Local().Format("15:04:05"), who, msg.Content, status)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
