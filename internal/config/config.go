package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"eventrunner/internal/connect"
	"eventrunner/internal/domain"
	"eventrunner/internal/scheduler"
)

// Config holds the runner configuration.
type Config struct {
	Addr       string
	DBPath     string
	Workers    int
	Poll       time.Duration
	EventsFile string
	NATSURL    string
	RedisURL   string
	LogLevel   string
	Debug      bool

	APIURL    string
	APIKey    string
	UserAgent string

	BackgroundTimeout  time.Duration
	InteractiveTimeout time.Duration
	ScheduledTimeout   time.Duration

	Maintenance scheduler.Config
}

// Load parses args on top of environment defaults and validates the result.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("eventrunner", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", getEnvString("ADDR", ":8080"), "HTTP bind address")
	fs.StringVar(&cfg.DBPath, "db", getEnvString("DB_PATH", "eventrunner.db"), "SQLite DB path")
	fs.IntVar(&cfg.Workers, "workers", getEnvInt("WORKERS", 8), "number of worker goroutines")
	fs.DurationVar(&cfg.Poll, "poll", getEnvDuration("POLL", 250*time.Millisecond), "poll interval for queue")
	fs.StringVar(&cfg.EventsFile, "events", getEnvString("EVENTS_FILE", "events.json"), "extension events file")
	fs.StringVar(&cfg.NATSURL, "nats", getEnvString("NATS_URL", ""), "NATS URL; empty disables the NATS transport")
	fs.StringVar(&cfg.RedisURL, "redis", getEnvString("REDIS_URL", ""), "Redis URL; empty disables the Redis transport")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnvString("LOG_LEVEL", "info"), "log level")
	fs.BoolVar(&cfg.Debug, "debug", false, "expose pprof handlers")
	fs.StringVar(&cfg.APIURL, "api-url", getEnvString("API_URL", ""), "remote API endpoint")
	fs.StringVar(&cfg.APIKey, "api-key", getEnvString("API_KEY", ""), "default API key")
	fs.StringVar(&cfg.UserAgent, "user-agent", getEnvString("USER_AGENT", "eventrunner/1.0"), "User-Agent sent to the remote API")
	fs.DurationVar(&cfg.BackgroundTimeout, "background-timeout",
		getEnvSeconds("BACKGROUND_TASK_MAX_EXECUTION_TIME", 300*time.Second), "budget for background tasks")
	fs.DurationVar(&cfg.InteractiveTimeout, "interactive-timeout",
		getEnvSeconds("INTERACTIVE_TASK_MAX_EXECUTION_TIME", 120*time.Second), "budget for interactive tasks")
	fs.DurationVar(&cfg.ScheduledTimeout, "scheduled-timeout",
		getEnvSeconds("SCHEDULED_TASK_MAX_EXECUTION_TIME", 43200*time.Second), "budget for scheduled tasks")
	maint := scheduler.DefaultConfig()
	fs.StringVar(&cfg.Maintenance.RecoverSpec, "recover-spec", getEnvString("RECOVER_SPEC", maint.RecoverSpec), "cron spec for stale lease recovery")
	fs.StringVar(&cfg.Maintenance.PruneSpec, "prune-spec", getEnvString("PRUNE_SPEC", maint.PruneSpec), "cron spec for result pruning")
	fs.DurationVar(&cfg.Maintenance.Retention, "retention", getEnvDuration("RESULT_RETENTION", maint.Retention), "how long journaled results are kept")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and normalizes the log level.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("invalid workers %d: must be at least 1", c.Workers)
	}
	if c.Poll <= 0 {
		return fmt.Errorf("invalid poll interval %v: must be positive", c.Poll)
	}
	if strings.TrimSpace(c.APIURL) == "" {
		return fmt.Errorf("api url cannot be empty")
	}
	for name, d := range map[string]time.Duration{
		domain.CategoryBackground:  c.BackgroundTimeout,
		domain.CategoryInteractive: c.InteractiveTimeout,
		domain.CategoryScheduled:   c.ScheduledTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s timeout %v: must be positive", name, d)
		}
	}
	if err := scheduler.ValidateSpec(c.Maintenance.RecoverSpec); err != nil {
		return fmt.Errorf("invalid recover spec %q: %w", c.Maintenance.RecoverSpec, err)
	}
	if err := scheduler.ValidateSpec(c.Maintenance.PruneSpec); err != nil {
		return fmt.Errorf("invalid prune spec %q: %w", c.Maintenance.PruneSpec, err)
	}
	if c.Maintenance.Retention <= 0 {
		return fmt.Errorf("invalid retention %v: must be positive", c.Maintenance.Retention)
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// Timeout returns the budget for a task category. Unknown categories get the
// background budget.
func (c *Config) Timeout(category string) time.Duration {
	switch category {
	case domain.CategoryInteractive:
		return c.InteractiveTimeout
	case domain.CategoryScheduled:
		return c.ScheduledTimeout
	default:
		return c.BackgroundTimeout
	}
}

// MaxTimeout is the largest configured budget.
func (c *Config) MaxTimeout() time.Duration {
	return max(c.BackgroundTimeout, c.InteractiveTimeout, c.ScheduledTimeout)
}

// Identity is the process-wide default identity for the remote API.
func (c *Config) Identity() connect.Identity {
	return connect.Identity{
		Endpoint: c.APIURL,
		APIKey:   c.APIKey,
		Headers:  map[string]string{"User-Agent": c.UserAgent},
	}
}

// Level returns the parsed log level.
func (c *Config) Level() zerolog.Level {
	l, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvSeconds accepts either a plain number of seconds or a Go duration.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return getEnvDuration(key, defaultValue)
}
