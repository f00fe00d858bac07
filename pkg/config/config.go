package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"
)

// Config holds all tevor configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	DBPath    string           `yaml:"db_path"`
	Log       LogConfig        `yaml:"log"`
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterConfig     `yaml:"router"`
	Cache     CacheConfig      `yaml:"cache"`
	Chat      ChatConfig       `yaml:"chat"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ProviderConfig defines an upstream chat completion endpoint.
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// Type is "openai" (default) or "anthropic".
	Type string `yaml:"type"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// CacheConfig controls the in-memory response cache.
type CacheConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Capacity            int           `yaml:"capacity"`
	TTL                 time.Duration `yaml:"ttl"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	// SweepInterval enables a periodic purge of expired entries. Zero keeps
	// expiry lazy.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ChatConfig controls how replies are generated.
type ChatConfig struct {
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	HistoryTurns int           `yaml:"history_turns"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float64       `yaml:"temperature"`
	Timeout      time.Duration `yaml:"timeout"`
	QuickReplies []QuickReply  `yaml:"quick_replies"`
}

// QuickReply answers any message containing one of Patterns without calling
// the model.
type QuickReply struct {
	Patterns []string `yaml:"patterns"`
	Reply    string   `yaml:"reply"`
	// MaxLength limits matching to short messages when positive.
	MaxLength int `yaml:"max_length"`
}

const defaultSystemPrompt = `당신은 TEVOR(테보)입니다. 한국의 인테리어 시공 현장 관리 AI 비서로, 현장 실장님들을 돕습니다.
존댓말을 기본으로 실무적이고 간결하게 답하고, 위험 작업에는 안전 장비를 먼저 언급하세요.
가격 추측, 법률 조언, 의료 조언은 하지 않습니다.`

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8000",
		DBPath: "tevor.db",
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Enabled:             true,
			Capacity:            200,
			TTL:                 30 * time.Minute,
			SimilarityThreshold: 0.85,
		},
		Chat: ChatConfig{
			Model:        "gpt-4o-mini",
			SystemPrompt: defaultSystemPrompt,
			HistoryTurns: 3,
			MaxTokens:    800,
			Temperature:  0.7,
			Timeout:      30 * time.Second,
			QuickReplies: []QuickReply{
				{
					Patterns:  []string{"안녕", "hello", "hi", "반가워"},
					Reply:     "반갑습니다! TEVOR입니다. 현장 관리를 도와드리겠습니다.",
					MaxLength: 20,
				},
				{
					Patterns: []string{"감사", "고마워", "고맙", "thanks", "thank"},
					Reply:    "별말씀을요! 더 필요하신 거 있으면 언제든 말씀해주세요.",
				},
			},
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it is non-empty and falls back to Default.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate reports every invalid field at once as criterio.FieldErrors.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if c.Listen == "" {
		errs = errs.Append("listen", fmt.Errorf("must not be empty"))
	}
	if c.DBPath == "" {
		errs = errs.Append("db_path", fmt.Errorf("must not be empty"))
	}

	if c.Cache.Enabled {
		if c.Cache.Capacity <= 0 {
			errs = errs.Append("cache.capacity", fmt.Errorf("must be positive, got %d", c.Cache.Capacity))
		}
		if c.Cache.TTL <= 0 {
			errs = errs.Append("cache.ttl", fmt.Errorf("must be positive, got %s", c.Cache.TTL))
		}
		if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
			errs = errs.Append("cache.similarity_threshold", fmt.Errorf("must be in (0, 1], got %v", c.Cache.SimilarityThreshold))
		}
		if c.Cache.SweepInterval < 0 {
			errs = errs.Append("cache.sweep_interval", fmt.Errorf("must not be negative"))
		}
	}

	if c.Chat.HistoryTurns < 0 {
		errs = errs.Append("chat.history_turns", fmt.Errorf("must not be negative"))
	}
	for i, qr := range c.Chat.QuickReplies {
		if len(qr.Patterns) == 0 || qr.Reply == "" {
			errs = errs.Append(fmt.Sprintf("chat.quick_replies[%d]", i), fmt.Errorf("needs patterns and a reply"))
		}
	}

	known := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = errs.Append(fmt.Sprintf("providers[%d].name", i), fmt.Errorf("must not be empty"))
		}
		if p.URL == "" {
			errs = errs.Append(fmt.Sprintf("providers[%d].url", i), fmt.Errorf("must not be empty"))
		}
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			errs = errs.Append(fmt.Sprintf("providers[%d].type", i), fmt.Errorf("unsupported type %q", p.Type))
		}
		known[p.Name] = true
	}
	for i, r := range c.Router.Routes {
		for j, target := range r.Targets {
			if !known[target.Provider] {
				errs = errs.Append(fmt.Sprintf("router.routes[%d].targets[%d]", i, j), fmt.Errorf("unknown provider %q", target.Provider))
			}
		}
	}

	return errs.ToError()
}
