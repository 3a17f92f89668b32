// Package config provides configuration loading from environment variables
// and the optional YAML config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds configuration for the juttled service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	RootDirectory     string        // Base directory for path-based bundles
	ModulePaths       []string      // Extra directories searched for imported modules
	ConfigPath        string        // YAML config file, also handed to every worker
	ImplicitSink      string        // Sink used by /prepare when a program has no view
	MaxSavedMessages  int           // Replay buffer capacity per job
	DelayedJobCleanup time.Duration // How long finished jobs stay resolvable
	RateLimit         float64       // Job submissions per second (0 disables)
	RateBurst         int
	WebhookURL        string // Lifecycle CloudEvents destination (empty disables)
	WebhookKey        string // HMAC key for webhook signing
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		RootDirectory:     GetEnv("ROOT_DIRECTORY", cwd),
		ModulePaths:       filepath.SplitList(GetEnv("JUTTLE_MODULE_PATH", "")),
		ConfigPath:        GetEnv("JUTTLE_CONFIG", ""),
		MaxSavedMessages:  GetIntEnv("MAX_SAVED_MESSAGES", 1024),
		DelayedJobCleanup: GetDurationEnv("DELAYED_JOB_CLEANUP", 10*time.Second),
		RateLimit:         GetFloatEnv("RATE_LIMIT", 0),
		RateBurst:         GetIntEnv("RATE_BURST", 10),
		WebhookURL:        GetEnv("WEBHOOK_URL", ""),
		WebhookKey:        GetSecretFile(GetEnv("WEBHOOK_KEY_FILE", "")),
	}
}

// File is the subset of the shared YAML config file read by the service.
type File struct {
	Juttled struct {
		MaxSavedMessages    *int   `yaml:"max_saved_messages"`
		DelayedJobCleanup   *int64 `yaml:"delayed_job_cleanup"`   // ms
		LingeringJobTimeout *int64 `yaml:"lingering_job_timeout"` // ms, older name
	} `yaml:"juttled"`
	Juttle struct {
		ImplicitSink string `yaml:"implicit_sink"`
	} `yaml:"juttle"`
}

// ReadFile parses the YAML config file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// ApplyFile overlays the juttled section of the config file at path.
// Values present in the file win over environment defaults.
func (c *ServiceConfig) ApplyFile(path string) error {
	f, err := ReadFile(path)
	if err != nil {
		return err
	}
	c.ConfigPath = path
	c.ImplicitSink = f.Juttle.ImplicitSink

	if f.Juttled.MaxSavedMessages != nil {
		c.MaxSavedMessages = *f.Juttled.MaxSavedMessages
	}
	if f.Juttled.LingeringJobTimeout != nil {
		c.DelayedJobCleanup = time.Duration(*f.Juttled.LingeringJobTimeout) * time.Millisecond
	}
	if f.Juttled.DelayedJobCleanup != nil {
		c.DelayedJobCleanup = time.Duration(*f.Juttled.DelayedJobCleanup) * time.Millisecond
	}
	return nil
}
