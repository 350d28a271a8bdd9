package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config centralizes every tunable consumed by the investigation engine.
// Precedence: defaults < config file < environment.
type Config struct {
	// Chunked analysis
	MaxChunkTokens    int           `yaml:"max_chunk_tokens" env:"MEMTRIAGE_MAX_CHUNK_TOKENS"`
	MaxRetries        int           `yaml:"max_retries" env:"MEMTRIAGE_MAX_RETRIES"`
	RateLimitDelay    time.Duration `yaml:"-" env:"MEMTRIAGE_RATE_LIMIT_DELAY"`
	MaxRateLimitDelay time.Duration `yaml:"-" env:"MEMTRIAGE_MAX_RATE_LIMIT_DELAY"`
	ChunkConcurrency  int           `yaml:"chunk_concurrency" env:"MEMTRIAGE_CHUNK_CONCURRENCY"`

	// LLM settings
	LLMTimeout     time.Duration `yaml:"-" env:"MEMTRIAGE_LLM_TIMEOUT"`
	LLMTemperature float64       `yaml:"llm_temperature" env:"MEMTRIAGE_LLM_TEMPERATURE"`
	LLMMaxTokens   int           `yaml:"llm_max_tokens" env:"MEMTRIAGE_LLM_MAX_TOKENS"`

	// Models
	PlannerModel          string `yaml:"planner_model" env:"MEMTRIAGE_PLANNER_MODEL"`
	EvaluatorModel        string `yaml:"evaluator_model" env:"MEMTRIAGE_EVALUATOR_MODEL"`
	AnalyzerModel         string `yaml:"analyzer_model" env:"MEMTRIAGE_ANALYZER_MODEL"`
	FallbackAnalyzerModel string `yaml:"fallback_analyzer_model" env:"MEMTRIAGE_FALLBACK_ANALYZER_MODEL"`

	// Provider credentials
	OpenAIAPIKey    string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`

	// Evidence storage
	EvidenceBaseDir string `yaml:"evidence_base_dir" env:"MEMTRIAGE_EVIDENCE_DIR"`

	// Command execution
	CommandTimeout time.Duration `yaml:"-" env:"MEMTRIAGE_COMMAND_TIMEOUT"`

	// Escalation thresholds
	ThreatScoreThreshold float64 `yaml:"threat_score_threshold" env:"MEMTRIAGE_THREAT_THRESHOLD"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold" env:"MEMTRIAGE_CONFIDENCE_THRESHOLD"`

	// Logging
	LogLevel string `yaml:"log_level" env:"MEMTRIAGE_LOG_LEVEL"`
}

// UnmarshalYAML decodes the config, accepting human-friendly duration
// strings ("600s", "1m30s") for the timeout and delay fields, matching what
// the environment path accepts.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig Config
	if err := value.Decode((*rawConfig)(c)); err != nil {
		return err
	}

	var durations struct {
		RateLimitDelay    string `yaml:"rate_limit_delay"`
		MaxRateLimitDelay string `yaml:"max_rate_limit_delay"`
		LLMTimeout        string `yaml:"llm_timeout"`
		CommandTimeout    string `yaml:"command_timeout"`
	}
	if err := value.Decode(&durations); err != nil {
		return err
	}

	for _, field := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"rate_limit_delay", durations.RateLimitDelay, &c.RateLimitDelay},
		{"max_rate_limit_delay", durations.MaxRateLimitDelay, &c.MaxRateLimitDelay},
		{"llm_timeout", durations.LLMTimeout, &c.LLMTimeout},
		{"command_timeout", durations.CommandTimeout, &c.CommandTimeout},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", field.name, err)
		}
		*field.dst = d
	}
	return nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxChunkTokens:        20000,
		MaxRetries:            5,
		RateLimitDelay:        1 * time.Second,
		MaxRateLimitDelay:     60 * time.Second,
		ChunkConcurrency:      2,
		LLMTimeout:            120 * time.Second,
		LLMTemperature:        0.0,
		LLMMaxTokens:          4000,
		PlannerModel:          "gpt-4o",
		EvaluatorModel:        "gpt-4o-mini",
		AnalyzerModel:         "gpt-4o",
		FallbackAnalyzerModel: "gpt-4o-mini",
		EvidenceBaseDir:       defaultEvidenceDir(),
		CommandTimeout:        600 * time.Second,
		ThreatScoreThreshold:  7.0,
		ConfidenceThreshold:   0.8,
		LogLevel:              "info",
	}
}

func defaultEvidenceDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "forensics_evidence"
	}
	return filepath.Join(wd, "forensics_evidence")
}

// Load builds the effective configuration. A missing config file is not an
// error; the environment always wins over the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxChunkTokens <= 0 {
		return fmt.Errorf("max_chunk_tokens must be positive, got %d", c.MaxChunkTokens)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.ChunkConcurrency < 1 {
		return fmt.Errorf("chunk_concurrency must be at least 1, got %d", c.ChunkConcurrency)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive, got %s", c.CommandTimeout)
	}
	return nil
}
