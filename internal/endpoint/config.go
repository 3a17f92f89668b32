package endpoint

import (
	"juttled/internal/config"
	"time"
)

// Config holds heartbeat and write settings for endpoints.
type Config struct {
	PingInterval    time.Duration // how often a ping is queued (default: 10s)
	MissedPongLimit int           // consecutive unanswered pings tolerated (default: 6)
	WriteTimeout    time.Duration // per-message write deadline (default: 10s)
}

// LoadConfigFromEnv loads endpoint configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		PingInterval:    config.GetDurationEnv("WS_PING_INTERVAL", 10*time.Second),
		MissedPongLimit: config.GetIntEnv("WS_MISSED_PONG_LIMIT", 6),
		WriteTimeout:    config.GetDurationEnv("WS_WRITE_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.MissedPongLimit <= 0 {
		c.MissedPongLimit = 6
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}
