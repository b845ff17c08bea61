package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventrunner/internal/domain"
	"eventrunner/internal/scheduler"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_URL", "https://api.example.com/v1")
	t.Setenv("API_KEY", "secret")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 300*time.Second, cfg.Timeout(domain.CategoryBackground))
	assert.Equal(t, 120*time.Second, cfg.Timeout(domain.CategoryInteractive))
	assert.Equal(t, 43200*time.Second, cfg.Timeout(domain.CategoryScheduled))
	assert.Equal(t, 300*time.Second, cfg.Timeout("unknown"))
	assert.Equal(t, 43200*time.Second, cfg.MaxTimeout())
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	assert.Equal(t, scheduler.DefaultConfig(), cfg.Maintenance)

	id := cfg.Identity()
	assert.Equal(t, "https://api.example.com/v1", id.Endpoint)
	assert.Equal(t, "secret", id.APIKey)
	assert.Equal(t, "eventrunner/1.0", id.Headers["User-Agent"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_URL", "https://api.example.com/v1")
	t.Setenv("BACKGROUND_TASK_MAX_EXECUTION_TIME", "45")
	t.Setenv("INTERACTIVE_TASK_MAX_EXECUTION_TIME", "1m30s")
	t.Setenv("WORKERS", "3")
	t.Setenv("LOG_LEVEL", " DEBUG ")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.BackgroundTimeout)
	assert.Equal(t, 90*time.Second, cfg.InteractiveTimeout)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
}

func TestLoadFlagsWinOverEnv(t *testing.T) {
	t.Setenv("API_URL", "https://env.example.com")
	cfg, err := Load([]string{"-api-url", "https://flag.example.com", "-workers", "2", "-scheduled-timeout", "10m"})
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example.com", cfg.APIURL)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 10*time.Minute, cfg.ScheduledTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Workers:            1,
			Poll:               time.Second,
			APIURL:             "http://localhost",
			LogLevel:           "info",
			BackgroundTimeout:  time.Second,
			InteractiveTimeout: time.Second,
			ScheduledTimeout:   time.Second,
			Maintenance:        scheduler.DefaultConfig(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: "invalid workers"},
		{name: "zero poll", mutate: func(c *Config) { c.Poll = 0 }, wantErr: "invalid poll interval"},
		{name: "missing api url", mutate: func(c *Config) { c.APIURL = "  " }, wantErr: "api url cannot be empty"},
		{name: "zero timeout", mutate: func(c *Config) { c.ScheduledTimeout = 0 }, wantErr: "invalid scheduled timeout"},
		{name: "bad recover spec", mutate: func(c *Config) { c.Maintenance.RecoverSpec = "often" }, wantErr: "invalid recover spec"},
		{name: "no retention", mutate: func(c *Config) { c.Maintenance.Retention = 0 }, wantErr: "invalid retention"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
