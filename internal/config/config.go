package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration.
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Build   BuildConfig   `yaml:"build"`
	Queue   QueueConfig   `yaml:"queue"`
	Server  ServerConfig  `yaml:"server"`
	Courses CoursesConfig `yaml:"courses"`
}

// PathsConfig holds the three per-course filesystem zone roots and the
// database location.
type PathsConfig struct {
	WorkingRoot   string `yaml:"working_root"`
	StoreRoot     string `yaml:"store_root"`
	PublishedRoot string `yaml:"published_root"`
	Database      string `yaml:"database"`
}

// BuildConfig holds container build defaults and pipeline limits.
type BuildConfig struct {
	DefaultImage   string `yaml:"default_image"`
	DefaultCommand string `yaml:"default_command,omitempty"`
	// ContainerBinary is the container CLI used to run builds.
	ContainerBinary string `yaml:"container_binary,omitempty"`
	// Timeout bounds the wall-clock duration of one container build.
	Timeout string `yaml:"timeout,omitempty"`
	// MaxConcurrent bounds simultaneous builds across courses. Builds for
	// the same course never overlap regardless of this value.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
	// LeaseTTL is how long a pipeline run may hold the per-course lease
	// before it is considered orphaned and reclaimable.
	LeaseTTL string `yaml:"lease_ttl,omitempty"`
	// HistoryLimit is the number of update records kept per course.
	HistoryLimit int `yaml:"history_limit,omitempty"`
	// SSHKeyPath is used for git origins that require SSH authentication.
	SSHKeyPath string `yaml:"ssh_key_path,omitempty"`
}

// QueueMode selects how triggered builds are executed.
type QueueMode string

const (
	ModeImmediate QueueMode = "immediate" // run in-process
	ModeQueued    QueueMode = "queued"    // enqueue to NATS, workers execute
)

// QueueConfig holds the execution mode and broker settings for queued mode.
type QueueConfig struct {
	Mode    QueueMode `yaml:"mode"`
	NATSURL string    `yaml:"nats_url,omitempty"`
	Stream  string    `yaml:"stream,omitempty"`
	Subject string    `yaml:"subject,omitempty"`
	Durable string    `yaml:"durable,omitempty"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// CoursesConfig points at the course registry file.
type CoursesConfig struct {
	Registry string `yaml:"registry"`
	// Watch enables automatic registry reload on file change.
	Watch bool `yaml:"watch,omitempty"`
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env file if present; existing environment wins.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment variables from .env")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Paths.WorkingRoot == "" {
		c.Paths.WorkingRoot = "./data/working"
	}
	if c.Paths.StoreRoot == "" {
		c.Paths.StoreRoot = "./data/store"
	}
	if c.Paths.PublishedRoot == "" {
		c.Paths.PublishedRoot = "./data/published"
	}
	if c.Paths.Database == "" {
		c.Paths.Database = "./data/coursebuilder.db"
	}
	if c.Build.ContainerBinary == "" {
		c.Build.ContainerBinary = "docker"
	}
	if c.Build.Timeout == "" {
		c.Build.Timeout = "30m"
	}
	if c.Build.MaxConcurrent <= 0 {
		c.Build.MaxConcurrent = 4
	}
	if c.Build.LeaseTTL == "" {
		c.Build.LeaseTTL = "45m"
	}
	if c.Build.HistoryLimit <= 0 {
		c.Build.HistoryLimit = 10
	}
	if c.Queue.Mode == "" {
		c.Queue.Mode = ModeImmediate
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = "COURSE_BUILDS"
	}
	if c.Queue.Subject == "" {
		c.Queue.Subject = "course.build"
	}
	if c.Queue.Durable == "" {
		c.Queue.Durable = "coursebuilder-workers"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8070"
	}
	if c.Courses.Registry == "" {
		c.Courses.Registry = "courses.yaml"
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	switch c.Queue.Mode {
	case ModeImmediate:
	case ModeQueued:
		if c.Queue.NATSURL == "" {
			return fmt.Errorf("queue mode %q requires nats_url", c.Queue.Mode)
		}
	default:
		return fmt.Errorf("unknown queue mode: %q", c.Queue.Mode)
	}

	if _, err := time.ParseDuration(c.Build.Timeout); err != nil {
		return fmt.Errorf("invalid build timeout %q: %w", c.Build.Timeout, err)
	}
	if _, err := time.ParseDuration(c.Build.LeaseTTL); err != nil {
		return fmt.Errorf("invalid lease TTL %q: %w", c.Build.LeaseTTL, err)
	}

	roots := map[string]string{
		"working_root":   c.Paths.WorkingRoot,
		"store_root":     c.Paths.StoreRoot,
		"published_root": c.Paths.PublishedRoot,
	}
	seen := make(map[string]string, len(roots))
	for name, root := range roots {
		if root == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
		if prev, dup := seen[root]; dup {
			return fmt.Errorf("%s and %s must be distinct directories", prev, name)
		}
		seen[root] = name
	}

	return nil
}

// BuildTimeout returns the parsed build timeout. Validate must have passed.
func (c *Config) BuildTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Build.Timeout)
	return d
}

// LeaseTTL returns the parsed lease TTL. Validate must have passed.
func (c *Config) LeaseTTL() time.Duration {
	d, _ := time.ParseDuration(c.Build.LeaseTTL)
	return d
}
