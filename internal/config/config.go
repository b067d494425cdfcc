// Package config loads the service configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"dev.helix.symposium/internal/retrieval"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Search  SearchConfig  `yaml:"search"`
	Redis   RedisConfig   `yaml:"redis"`
	Fusion  FusionConfig  `yaml:"fusion"`
	Debate  DebateConfig  `yaml:"debate"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // gin mode: debug, release, test
}

// LLMConfig configures the text-completion provider.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// SearchConfig configures the web search provider.
type SearchConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"api_key"`
	FetchPages bool          `yaml:"fetch_pages"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RedisConfig configures the optional fusion result cache.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     string        `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Addr returns the host:port address.
func (r *RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// FusionConfig configures default fusion behavior.
type FusionConfig struct {
	VectorWeight  float64       `yaml:"vector_weight"`
	WebWeight     float64       `yaml:"web_weight"`
	Strategy      string        `yaml:"strategy"`
	K             int           `yaml:"k"`
	ResultBudget  int           `yaml:"result_budget"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	Enhance       bool          `yaml:"enhance"`
	Method        string        `yaml:"enhancement_method"`
	EnhanceCount  int           `yaml:"enhance_count"`
}

// DebateConfig configures session orchestration.
type DebateConfig struct {
	ResponseTimeout  time.Duration `yaml:"response_timeout"`
	InteractiveTurns int           `yaml:"interactive_turns"`
	TranscriptWindow int           `yaml:"transcript_window"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file or overrides
// are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8085",
			Mode: "release",
		},
		LLM: LLMConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
			Timeout: 60 * time.Second,
		},
		Search: SearchConfig{
			Endpoint: "https://api.search.brave.com/res/v1/web/search",
			Timeout:  15 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
			TTL:  10 * time.Minute,
		},
		Fusion: FusionConfig{
			VectorWeight:  0.6,
			WebWeight:     0.4,
			Strategy:      string(retrieval.StrategyTopK),
			K:             5,
			ResultBudget:  10,
			MaxConcurrent: 4,
			Timeout:       30 * time.Second,
			Method:        string(retrieval.MethodHybrid),
			EnhanceCount:  3,
		},
		Debate: DebateConfig{
			ResponseTimeout:  60 * time.Second,
			InteractiveTurns: 4,
			TranscriptWindow: 6,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file
// and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays SYMPOSIUM_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Server.Host, "SYMPOSIUM_HOST")
	setString(&c.Server.Port, "SYMPOSIUM_PORT")
	setString(&c.Server.Mode, "SYMPOSIUM_GIN_MODE")

	setString(&c.LLM.BaseURL, "SYMPOSIUM_LLM_BASE_URL")
	setString(&c.LLM.APIKey, "SYMPOSIUM_LLM_API_KEY")
	setString(&c.LLM.Model, "SYMPOSIUM_LLM_MODEL")

	setBool(&c.Search.Enabled, "SYMPOSIUM_SEARCH_ENABLED")
	setString(&c.Search.Endpoint, "SYMPOSIUM_SEARCH_ENDPOINT")
	setString(&c.Search.APIKey, "SYMPOSIUM_SEARCH_API_KEY")
	setBool(&c.Search.FetchPages, "SYMPOSIUM_SEARCH_FETCH_PAGES")

	setBool(&c.Redis.Enabled, "SYMPOSIUM_REDIS_ENABLED")
	setString(&c.Redis.Host, "SYMPOSIUM_REDIS_HOST")
	setString(&c.Redis.Port, "SYMPOSIUM_REDIS_PORT")
	setString(&c.Redis.Password, "SYMPOSIUM_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "SYMPOSIUM_REDIS_DB")

	setFloat(&c.Fusion.VectorWeight, "SYMPOSIUM_FUSION_VECTOR_WEIGHT")
	setFloat(&c.Fusion.WebWeight, "SYMPOSIUM_FUSION_WEB_WEIGHT")
	setString(&c.Fusion.Strategy, "SYMPOSIUM_FUSION_STRATEGY")
	setInt(&c.Fusion.K, "SYMPOSIUM_FUSION_K")
	setInt(&c.Fusion.ResultBudget, "SYMPOSIUM_FUSION_RESULT_BUDGET")

	setString(&c.Logging.Level, "SYMPOSIUM_LOG_LEVEL")
	setString(&c.Logging.Format, "SYMPOSIUM_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port must be set")
	}
	if c.Fusion.VectorWeight < 0 || c.Fusion.VectorWeight > 1 {
		return fmt.Errorf("fusion vector weight %.3f outside [0,1]", c.Fusion.VectorWeight)
	}
	if c.Fusion.WebWeight < 0 || c.Fusion.WebWeight > 1 {
		return fmt.Errorf("fusion web weight %.3f outside [0,1]", c.Fusion.WebWeight)
	}
	if c.Fusion.K <= 0 {
		return fmt.Errorf("fusion k must be positive")
	}
	if c.Fusion.ResultBudget <= 0 {
		return fmt.Errorf("fusion result budget must be positive")
	}
	if _, err := retrieval.ParseStrategy(c.Fusion.Strategy); err != nil {
		return fmt.Errorf("fusion strategy: %w", err)
	}
	if c.Fusion.Method != "" {
		if _, err := retrieval.ParseMethod(c.Fusion.Method); err != nil {
			return fmt.Errorf("fusion enhancement method: %w", err)
		}
	}
	if c.Debate.InteractiveTurns <= 0 {
		return fmt.Errorf("debate interactive turns must be positive")
	}
	return nil
}

// FuseConfig translates the static fusion defaults into an engine
// configuration. Web usage follows search enablement; weights are
// renormalized onto the vector source when web search is off.
func (c *Config) FuseConfig() retrieval.FuseConfig {
	fc := retrieval.FuseConfig{
		UseVector:     true,
		UseWeb:        c.Search.Enabled,
		VectorWeight:  c.Fusion.VectorWeight,
		WebWeight:     c.Fusion.WebWeight,
		Enhance:       c.Fusion.Enhance,
		Method:        retrieval.Method(c.Fusion.Method),
		EnhanceCount:  c.Fusion.EnhanceCount,
		Strategy:      retrieval.Strategy(c.Fusion.Strategy),
		Params:        retrieval.DefaultStrategyParams(),
		ResultBudget:  c.Fusion.ResultBudget,
		MaxConcurrent: c.Fusion.MaxConcurrent,
		Timeout:       c.Fusion.Timeout,
	}
	fc.Params.K = c.Fusion.K
	if !fc.UseWeb {
		fc.VectorWeight = 1.0
		fc.WebWeight = 0
	}
	return fc
}
