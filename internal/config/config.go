package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	RedisURL     string
	RelayChannel string
	HistoryCount int

	// Inbox (admin side-channel bot)
	InboxBaseURL  string
	InboxToken    string
	AdminTargetID string

	RelayPollInterval time.Duration
	InboxPollInterval time.Duration

	DataDir     string
	ControlAddr string
}

func Load() Config {
	return Config{
		RedisURL:     getenv("REDIS_URL", "redis://localhost:6379/0"),
		RelayChannel: getenv("PAIRCHAT_RELAY_CHANNEL", "ffpair_messages"),
		HistoryCount: getenvInt("PAIRCHAT_HISTORY_COUNT", 50),

		InboxBaseURL:  getenv("PAIRCHAT_INBOX_URL", "https://api.telegram.org"),
		InboxToken:    getenv("PAIRCHAT_INBOX_TOKEN", ""),
		AdminTargetID: getenv("PAIRCHAT_ADMIN_ID", ""),

		RelayPollInterval: time.Duration(getenvInt("PAIRCHAT_RELAY_POLL_MS", 2500)) * time.Millisecond,
		InboxPollInterval: time.Duration(getenvInt("PAIRCHAT_INBOX_POLL_MS", 1600)) * time.Millisecond,

		DataDir:     getenv("PAIRCHAT_DATA_DIR", "./data"),
		ControlAddr: getenv("PAIRCHAT_CONTROL_ADDR", ":8788"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
