package dispatcher

import (
	"time"

	"juttled/internal/config"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize     int           // pending events, split across workers (default: 1000)
	Workers        int           // delivery goroutines, one queue each (default: 2)
	HTTPTimeout    time.Duration // per-request timeout (default: 10s)
	MaxRetries     int           // retries after the first attempt (default: 3)
	InitialBackoff time.Duration // first retry delay (default: 100ms)
	MaxBackoff     time.Duration // retry delay cap (default: 5s)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:     config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:        config.GetIntEnv("DISPATCHER_WORKERS", 2),
		HTTPTimeout:    config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:     config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
		InitialBackoff: config.GetDurationEnv("DISPATCHER_INITIAL_BACKOFF", 100*time.Millisecond),
		MaxBackoff:     config.GetDurationEnv("DISPATCHER_MAX_BACKOFF", 5*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}
