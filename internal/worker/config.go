package worker

import (
	"fmt"
	"juttled/internal/config"
	"time"
)

// Worker runtimes.
const (
	RuntimeProcess   = "process"
	RuntimeDocker    = "docker"
	RuntimeInProcess = "inprocess"
)

// Config holds configuration for launching workers.
type Config struct {
	Runtime    string        // process, docker or inprocess (default: process)
	Path       string        // worker binary for the process runtime
	Image      string        // worker image for the docker runtime
	ConfigPath string        // config file handed to each worker
	StopGrace  time.Duration // time allowed between stop and kill (default: 5s)
	CPU        float64       // CPU cores per container (docker only)
	MemoryMB   int           // memory limit per container (docker only)
}

// LoadConfigFromEnv loads worker configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Runtime:   config.GetEnv("WORKER_RUNTIME", RuntimeProcess),
		Path:      config.GetEnv("WORKER_PATH", "juttle-worker"),
		Image:     config.GetEnv("WORKER_IMAGE", "juttled/juttle-worker:latest"),
		StopGrace: config.GetDurationEnv("WORKER_STOP_GRACE", 5*time.Second),
		CPU:       config.GetFloatEnv("WORKER_CPU", 1),
		MemoryMB:  config.GetIntEnv("WORKER_MEMORY_MB", 512),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Runtime == "" {
		c.Runtime = RuntimeProcess
	}
	if c.Path == "" {
		c.Path = "juttle-worker"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c
}

// NewLauncher returns the launcher for the configured runtime.
func NewLauncher(cfg Config) (Launcher, error) {
	cfg = cfg.withDefaults()
	switch cfg.Runtime {
	case RuntimeProcess:
		var args []string
		if cfg.ConfigPath != "" {
			args = append(args, cfg.ConfigPath)
		}
		return NewProcessLauncher(cfg.Path, args...), nil
	case RuntimeDocker:
		return NewDockerLauncher(cfg)
	case RuntimeInProcess:
		return NewInProcessLauncher(engineOptions(cfg.ConfigPath)), nil
	default:
		return nil, fmt.Errorf("unknown worker runtime %q", cfg.Runtime)
	}
}
