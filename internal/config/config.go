// Package config loads asyncmail settings from defaults, an optional YAML
// file, a .env file and ASYNCMAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"asyncmail/internal/dkim"
)

const defaultHostname = "localhost"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the static startup configuration.
type Config struct {
	Backend                string         `yaml:"backend"`
	BackendParams          map[string]any `yaml:"backend_params,omitempty"`
	ChunkSize              *int           `yaml:"chunk_size"`
	MessageExtraAttributes []string       `yaml:"message_extra_attributes,omitempty"`
	Task                   Task           `yaml:"task"`
	Queue                  Queue          `yaml:"queue"`
	HealthAddr             string         `yaml:"health_addr,omitempty"`
	DKIM                   dkim.Options   `yaml:"dkim,omitempty"`
	Debug                  *bool          `yaml:"debug"`
}

// Chunk returns ChunkSize, or 10 when unset.
func (c *Config) Chunk() int {
	if c.ChunkSize == nil {
		return 10
	}
	return *c.ChunkSize
}

// Verbose reports whether debug output was requested.
func (c *Config) Verbose() bool {
	return c.Debug != nil && *c.Debug
}

// Task holds the options the delivery task is declared with.
type Task struct {
	Name       string        `yaml:"name"`
	Queue      string        `yaml:"queue"`
	Durable    *bool         `yaml:"durable"`
	RateLimit  string        `yaml:"rate_limit,omitempty"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Pointer fields keep an explicit zero or false through merging.
	MaxRetries *int `yaml:"max_retries"`
}

// Retries returns MaxRetries, or 3 when unset.
func (t Task) Retries() int {
	if t.MaxRetries == nil {
		return 3
	}
	return *t.MaxRetries
}

// IsDurable reports whether pending tasks are spooled to disk.
func (t Task) IsDurable() bool {
	return t.Durable != nil && *t.Durable
}

// Queue configures the local worker pool.
type Queue struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SpoolPath    string        `yaml:"spool_path"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	chunk, retries := 10, 3
	durable, debug := false, false
	return &Config{
		Backend:   "smtp",
		ChunkSize: &chunk,
		Debug:     &debug,
		Task: Task{
			Name:       "send_emails",
			Queue:      "asyncmail",
			Durable:    &durable,
			RetryDelay: 3 * time.Minute,
			MaxRetries: &retries,
		},
		Queue: Queue{
			Workers:      QueueWorkers(),
			PollInterval: time.Second,
			SpoolPath:    "data/spool/queue.db",
		},
	}
}

// Load reads .env from the working directory if present, then path (when
// non-empty), applies ASYNCMAIL_* overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	env, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(cfg, env, mergo.WithOverride, mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := mergo.Merge(cfg, Defaults(), mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var rateLimitPattern = regexp.MustCompile(`^\d+(\.\d+)?(/[smh])?$`)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Backend) == "":
		return fmt.Errorf("%w: backend is required", ErrInvalid)
	case c.Chunk() < 1:
		return fmt.Errorf("%w: chunk_size must be at least 1, got %d", ErrInvalid, c.Chunk())
	case c.Task.Name == "":
		return fmt.Errorf("%w: task.name is required", ErrInvalid)
	case c.Task.RateLimit != "" && !rateLimitPattern.MatchString(c.Task.RateLimit):
		return fmt.Errorf("%w: task.rate_limit %q is not N, N/s, N/m or N/h", ErrInvalid, c.Task.RateLimit)
	case c.Task.RetryDelay < 0:
		return fmt.Errorf("%w: task.retry_delay must not be negative", ErrInvalid)
	case c.Queue.Workers < 1:
		return fmt.Errorf("%w: queue.workers must be at least 1", ErrInvalid)
	case c.Task.IsDurable() && c.Queue.SpoolPath == "":
		return fmt.Errorf("%w: queue.spool_path is required for durable tasks", ErrInvalid)
	}
	for _, name := range c.MessageExtraAttributes {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty name in message_extra_attributes", ErrInvalid)
		}
	}
	return nil
}

func fromEnv() (*Config, error) {
	env := &Config{
		Backend:    os.Getenv("ASYNCMAIL_BACKEND"),
		HealthAddr: os.Getenv("ASYNCMAIL_HEALTH_ADDR"),
		Debug:      boolEnv("ASYNCMAIL_DEBUG"),
		DKIM:       dkim.OptionsFromEnv(),
		Task: Task{
			Name:      os.Getenv("ASYNCMAIL_TASK_NAME"),
			Queue:     os.Getenv("ASYNCMAIL_TASK_QUEUE"),
			Durable:   boolEnv("ASYNCMAIL_TASK_DURABLE"),
			RateLimit: os.Getenv("ASYNCMAIL_RATE_LIMIT"),
		},
		Queue: Queue{
			SpoolPath: os.Getenv("ASYNCMAIL_SPOOL_PATH"),
		},
	}
	if v := strings.TrimSpace(os.Getenv("ASYNCMAIL_EXTRA_ATTRIBUTES")); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				env.MessageExtraAttributes = append(env.MessageExtraAttributes, name)
			}
		}
	}
	if os.Getenv("ASYNCMAIL_QUEUE_WORKERS") != "" {
		env.Queue.Workers = QueueWorkers()
	}

	var err error
	if env.ChunkSize, err = intEnv("ASYNCMAIL_CHUNK_SIZE"); err != nil {
		return nil, err
	}
	if env.Task.MaxRetries, err = intEnv("ASYNCMAIL_MAX_RETRIES"); err != nil {
		return nil, err
	}
	if env.Task.RetryDelay, err = durationEnv("ASYNCMAIL_RETRY_DELAY"); err != nil {
		return nil, err
	}
	if env.Queue.PollInterval, err = durationEnv("ASYNCMAIL_POLL_INTERVAL"); err != nil {
		return nil, err
	}
	return env, nil
}

// intEnv returns nil when key is unset or empty, so an explicit 0 still
// overrides the file.
func intEnv(key string) (*int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return &n, nil
}

func boolEnv(key string) *bool {
	v, ok := LookupBool(key)
	if !ok {
		return nil
	}
	return &v
}

func durationEnv(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return d, nil
}

// Hostname returns the name asyncmail greets SMTP servers with.
// Preference order: ASYNCMAIL_HOSTNAME, system hostname, fallback.
func Hostname() string {
	if env := os.Getenv("ASYNCMAIL_HOSTNAME"); env != "" {
		return env
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}
