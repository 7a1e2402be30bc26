// Package config loads the agent configuration from a YAML file and the
// environment. API keys never live in the file: each provider is registered
// only when its key is present in the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Router    RouterConfig    `yaml:"router"`
	Redis     RedisConfig     `yaml:"redis"`
	Endpoints []EndpointSpec  `yaml:"endpoints"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ExecutorConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type SchedulerConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type RouterConfig struct {
	// Preference lists provider names in try order; providers not listed are
	// tried afterwards in registration order.
	Preference []string `yaml:"preference"`
	Strategy   string   `yaml:"strategy"`
	MaxRetries int      `yaml:"max_retries"`
}

type RedisConfig struct {
	// URL enables the remote monitor queue bridge when set, for example
	// redis://localhost:6379/0.
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// EndpointSpec is one provider endpoint entry. APIKeyEnv names the
// environment variable holding the key; an endpoint whose variable is unset
// or empty is skipped at startup.
type EndpointSpec struct {
	Name                 string        `yaml:"name"`
	Kind                 string        `yaml:"kind"`
	BaseURL              string        `yaml:"base_url"`
	APIKeyEnv            string        `yaml:"api_key_env"`
	Model                string        `yaml:"model"`
	Priority             int           `yaml:"priority"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	Timeout              time.Duration `yaml:"timeout"`
}

// Endpoint kinds decide which SDK serves the endpoint.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{Path: "data/tasks.json"},
		Executor: ExecutorConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    10,
		},
		Scheduler: SchedulerConfig{
			CleanupInterval: time.Minute,
		},
		Router: RouterConfig{
			Strategy:   "priority",
			MaxRetries: 3,
		},
		Redis: RedisConfig{Key: "tradepilot:monitor_queue"},
		Endpoints: []EndpointSpec{
			{Name: "openai", Kind: KindOpenAI, BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY", Model: "gpt-4o-mini", Priority: 10, MaxRequestsPerMinute: 60, Timeout: 30 * time.Second},
			{Name: "anthropic", Kind: KindAnthropic, BaseURL: "https://api.anthropic.com", APIKeyEnv: "ANTHROPIC_API_KEY", Model: "claude-sonnet-4-5", Priority: 9, MaxRequestsPerMinute: 50, Timeout: 30 * time.Second},
			{Name: "deepseek", Kind: KindOpenAI, BaseURL: "https://api.deepseek.com/v1", APIKeyEnv: "DEEPSEEK_API_KEY", Model: "deepseek-chat", Priority: 8, MaxRequestsPerMinute: 60, Timeout: 30 * time.Second},
			{Name: "groq", Kind: KindOpenAI, BaseURL: "https://api.groq.com/openai/v1", APIKeyEnv: "GROQ_API_KEY", Model: "llama-3.3-70b-versatile", Priority: 7, MaxRequestsPerMinute: 30, Timeout: 30 * time.Second},
			{Name: "moonshot", Kind: KindOpenAI, BaseURL: "https://api.moonshot.cn/v1", APIKeyEnv: "MOONSHOT_API_KEY", Model: "moonshot-v1-8k", Priority: 6, MaxRequestsPerMinute: 30, Timeout: 30 * time.Second},
			{Name: "zhipu", Kind: KindOpenAI, BaseURL: "https://open.bigmodel.cn/api/paas/v4", APIKeyEnv: "ZHIPU_API_KEY", Model: "glm-4-flash", Priority: 5, MaxRequestsPerMinute: 30, Timeout: 30 * time.Second},
		},
	}
}

func (c Config) WithDefaults() Config {
	out := c
	def := DefaultConfig()

	if strings.TrimSpace(out.Store.Path) == "" {
		out.Store.Path = def.Store.Path
	}

	if out.Executor.Enabled == nil {
		v := true
		out.Executor.Enabled = &v
	}
	if out.Executor.PollInterval <= 0 {
		out.Executor.PollInterval = def.Executor.PollInterval
	}
	if out.Executor.BatchSize <= 0 {
		out.Executor.BatchSize = def.Executor.BatchSize
	}

	if out.Scheduler.Enabled == nil {
		v := true
		out.Scheduler.Enabled = &v
	}
	if out.Scheduler.CleanupInterval <= 0 {
		out.Scheduler.CleanupInterval = def.Scheduler.CleanupInterval
	}

	if strings.TrimSpace(out.Router.Strategy) == "" {
		out.Router.Strategy = def.Router.Strategy
	}
	if out.Router.MaxRetries <= 0 {
		out.Router.MaxRetries = def.Router.MaxRetries
	}

	if strings.TrimSpace(out.Redis.Key) == "" {
		out.Redis.Key = def.Redis.Key
	}

	if len(out.Endpoints) == 0 {
		out.Endpoints = def.Endpoints
	}
	for i := range out.Endpoints {
		e := &out.Endpoints[i]
		if strings.TrimSpace(e.Kind) == "" {
			e.Kind = KindOpenAI
		}
		if e.MaxRequestsPerMinute <= 0 {
			e.MaxRequestsPerMinute = 60
		}
		if e.Timeout <= 0 {
			e.Timeout = 30 * time.Second
		}
	}
	return out
}

// Validate catches misconfiguration that defaults cannot repair.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Endpoints))
	for _, e := range c.Endpoints {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return errors.New("endpoint name is required")
		}
		if seen[name] {
			return fmt.Errorf("duplicate endpoint name %q", name)
		}
		seen[name] = true
		switch e.Kind {
		case KindOpenAI, KindAnthropic:
		default:
			return fmt.Errorf("endpoint %q has unknown kind %q", name, e.Kind)
		}
		if strings.TrimSpace(e.APIKeyEnv) == "" {
			return fmt.Errorf("endpoint %q is missing api_key_env", name)
		}
		if strings.TrimSpace(e.Model) == "" {
			return fmt.Errorf("endpoint %q is missing model", name)
		}
	}
	return nil
}

// Load reads the YAML config at path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig().WithDefaults(), nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// APIKey resolves the endpoint's key from the environment. ok is false when
// the variable is unset or blank, which means the endpoint stays
// unregistered.
func (e EndpointSpec) APIKey() (string, bool) {
	key := strings.TrimSpace(os.Getenv(strings.TrimSpace(e.APIKeyEnv)))
	return key, key != ""
}
