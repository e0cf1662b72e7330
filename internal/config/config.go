package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	ProviderRemote = "remote"
	ProviderLocal  = "local"

	DriverPlaywright = "playwright"
	DriverChromedp   = "chromedp"
)

type Config struct {
	AppConfig     *AppConfig
	AgentConfig   *AgentConfig
	AIConfig      *AIConfig
	LocalAIConfig *LocalAIConfig
	BrowserConfig *BrowserConfig
}

type AppConfig struct {
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	Debug          bool   `envconfig:"DEBUG" default:"false"`
	LogFile        string `envconfig:"LOG_FILE" default:""`
	LogMaxSizeMB   int    `envconfig:"LOG_MAX_SIZE_MB" default:"50"`
	LogMaxBackups  int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	LogMaxAgeDays  int    `envconfig:"LOG_MAX_AGE_DAYS" default:"14"`
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:""`
}

type AgentConfig struct {
	AutomationEnabled  bool          `envconfig:"AUTOMATION_ENABLED" default:"true"`
	AllowSensitive     bool          `envconfig:"AGENT_ALLOW_SENSITIVE" default:"false"`
	MaxActions         int           `envconfig:"AGENT_MAX_ACTIONS" default:"3"`
	Provider           string        `envconfig:"AGENT_PROVIDER" default:"remote"`
	FallbackToRemote   bool          `envconfig:"AGENT_FALLBACK_TO_REMOTE" default:"true"`
	ReadyTimeout       time.Duration `envconfig:"AGENT_READY_TIMEOUT" default:"5s"`
	ActionReadyTimeout time.Duration `envconfig:"AGENT_ACTION_READY_TIMEOUT" default:"8s"`
	PollInterval       time.Duration `envconfig:"AGENT_POLL_INTERVAL" default:"150ms"`
	StartURL           string        `envconfig:"AGENT_START_URL" default:""`
}

type AIConfig struct {
	Provider    string        `envconfig:"AI_PROVIDER" default:"anthropic"`
	APIKey      string        `envconfig:"AI_API_KEY" default:""`
	Model       string        `envconfig:"AI_MODEL" default:"claude-sonnet-4-20250514"`
	BaseURL     string        `envconfig:"AI_BASE_URL" default:"https://api.anthropic.com"`
	MaxTokens   int           `envconfig:"AI_MAX_TOKENS" default:"1024"`
	Temperature float64       `envconfig:"AI_TEMPERATURE" default:"0"`
	Timeout     time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
}

type LocalAIConfig struct {
	BaseURL string        `envconfig:"LOCAL_AI_BASE_URL" default:"http://127.0.0.1:11434/v1"`
	Model   string        `envconfig:"LOCAL_AI_MODEL" default:"llama3.2"`
	Timeout time.Duration `envconfig:"LOCAL_AI_TIMEOUT" default:"30s"`
}

type BrowserConfig struct {
	Driver         string `envconfig:"BROWSER_DRIVER" default:"playwright"`
	Headless       bool   `envconfig:"BROWSER_HEADLESS" default:"false"`
	SlowMo         int    `envconfig:"BROWSER_SLOW_MO" default:"0"`
	Timeout        int    `envconfig:"BROWSER_TIMEOUT" default:"30000"`
	UserDataDir    string `envconfig:"BROWSER_USER_DATA_DIR" default:""`
	ViewportWidth  int    `envconfig:"BROWSER_VIEWPORT_WIDTH" default:"1280"`
	ViewportHeight int    `envconfig:"BROWSER_VIEWPORT_HEIGHT" default:"720"`
	Install        bool   `envconfig:"BROWSER_INSTALL" default:"true"`
}

func GetConfig() (*Config, error) {
	_ = godotenv.Load()

	var conf Config

	if err := envconfig.Process("", &conf); err != nil {
		return nil, fmt.Errorf("read config from env vars: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &conf, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.AgentConfig.Provider {
	case ProviderRemote, ProviderLocal:
	default:
		errs = append(errs, fmt.Errorf("AGENT_PROVIDER must be %q or %q, got %q", ProviderRemote, ProviderLocal, c.AgentConfig.Provider))
	}

	switch c.BrowserConfig.Driver {
	case DriverPlaywright, DriverChromedp:
	default:
		errs = append(errs, fmt.Errorf("BROWSER_DRIVER must be %q or %q, got %q", DriverPlaywright, DriverChromedp, c.BrowserConfig.Driver))
	}

	if c.AgentConfig.MaxActions < 1 {
		errs = append(errs, fmt.Errorf("AGENT_MAX_ACTIONS must be at least 1, got %d", c.AgentConfig.MaxActions))
	}

	durations := map[string]time.Duration{
		"AGENT_READY_TIMEOUT":        c.AgentConfig.ReadyTimeout,
		"AGENT_ACTION_READY_TIMEOUT": c.AgentConfig.ActionReadyTimeout,
		"AGENT_POLL_INTERVAL":        c.AgentConfig.PollInterval,
		"AI_TIMEOUT":                 c.AIConfig.Timeout,
		"LOCAL_AI_TIMEOUT":           c.LocalAIConfig.Timeout,
	}

	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	return errors.Join(errs...)
}
