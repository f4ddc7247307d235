package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates chat client configuration loaded from environment variables.
type Config struct {
	Env       string
	APIBase   string
	WSURL     string
	AuthToken string

	UserID        string
	UserName      string
	UserAvatarURL string

	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int
	SendTimeout          time.Duration
	HistoryPageSize      int
	WSPingInterval       time.Duration
	RESTCallTimeout      time.Duration
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:           getEnv("APP_ENV", "dev"),
		APIBase:       getEnv("CHAT_API_BASE", "http://localhost:8080"),
		WSURL:         getEnv("CHAT_WS_URL", "ws://localhost:8080/v1/chat/ws"),
		AuthToken:     os.Getenv("CHAT_AUTH_TOKEN"),
		UserID:        os.Getenv("CHAT_USER_ID"),
		UserName:      getEnv("CHAT_USER_NAME", ""),
		UserAvatarURL: getEnv("CHAT_USER_AVATAR_URL", ""),
	}

	base, err := parseDurationEnv("CHAT_RECONNECT_BASE", time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBase = base

	ceiling, err := parseDurationEnv("CHAT_RECONNECT_CAP", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectCap = ceiling

	attempts, err := parseIntEnv("CHAT_RECONNECT_MAX_ATTEMPTS", 10)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxAttempts = attempts

	sendTimeout, err := parseDurationEnv("CHAT_SEND_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.SendTimeout = sendTimeout

	pageSize, err := parseIntEnv("CHAT_HISTORY_PAGE_SIZE", 50)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryPageSize = pageSize

	ping, err := parseDurationEnv("CHAT_WS_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.WSPingInterval = ping

	callTimeout, err := parseDurationEnv("CHAT_REST_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.RESTCallTimeout = callTimeout

	if cfg.UserID == "" {
		return Config{}, fmt.Errorf("CHAT_USER_ID is required")
	}
	if cfg.WSURL == "" {
		return Config{}, fmt.Errorf("CHAT_WS_URL is required")
	}
	if cfg.APIBase == "" {
		return Config{}, fmt.Errorf("CHAT_API_BASE is required")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid %s integer: %q", key, raw)
	}
	return value, nil
}
