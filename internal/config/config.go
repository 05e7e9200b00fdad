package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of named options consumed by the adjudication
// service. Zero values are replaced by defaults in applyDefaults.
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	Oracle     OracleConfig    `yaml:"oracle"`
	Reasoning  ReasoningConfig `yaml:"reasoning"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	Rules      RulesConfig     `yaml:"rules"`
	Audit      AuditConfig     `yaml:"audit"`
}

type OracleConfig struct {
	// Provider is "openai" or "static". The static provider answers
	// needs_review for every claim and needs no credentials.
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type ReasoningConfig struct {
	MaxAttempts              int      `yaml:"max_attempts"`
	MinConfidence            *float64 `yaml:"min_confidence"`
	RequireClauseForApproval *bool    `yaml:"require_clause_for_approval"`
	MaxClauseChars           int      `yaml:"max_clause_chars"`
	MaxContextChars          int      `yaml:"max_context_chars"`
}

type RetrievalConfig struct {
	TopK           int           `yaml:"top_k"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	Timeout        time.Duration `yaml:"timeout"`
	CorpusPath     string        `yaml:"corpus_path"`
	Embedder       string        `yaml:"embedder"`
	EmbeddingModel string        `yaml:"embedding_model"`
}

type RulesConfig struct {
	Path              string `yaml:"path"`
	// Store is "memory" or "postgres". The postgres store shares the audit
	// database.
	Store             string `yaml:"store"`
	VersionConstraint string `yaml:"version_constraint"`
	Cache             string `yaml:"cache"`
	RedisAddr         string `yaml:"redis_addr"`
}

type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Load reads an optional YAML file, expands ${VAR} references, applies
// environment overrides and defaults, then validates the result. An empty
// path skips the file.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		// #nosec G304 -- path is operator-provided config path.
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()

	return cfg, cfg.Validate()
}

// Default returns the configuration used when no file or environment is set.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		c.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
	str("ORACLE_PROVIDER", &c.Oracle.Provider)
	str("OPENAI_BASE_URL", &c.Oracle.BaseURL)
	str("OPENAI_API_KEY", &c.Oracle.APIKey)
	str("MODEL_NAME", &c.Oracle.Model)
	str("POLICY_CORPUS_PATH", &c.Retrieval.CorpusPath)
	str("EMBEDDER", &c.Retrieval.Embedder)
	str("EMBEDDING_MODEL", &c.Retrieval.EmbeddingModel)
	str("RULESET_PATH", &c.Rules.Path)
	str("RULESET_VERSION", &c.Rules.VersionConstraint)
	str("RULES_STORE", &c.Rules.Store)
	str("RULES_CACHE", &c.Rules.Cache)
	str("REDIS_ADDR", &c.Rules.RedisAddr)
	str("AUDIT_DRIVER", &c.Audit.Driver)
	str("DATABASE_URL", &c.Audit.DSN)

	if v, ok := lookup("ORACLE_RPS"); ok && v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ORACLE_RPS: %w", err)
		}
		c.Oracle.RequestsPerSecond = rps
	}

	for _, fn := range []func() error{
		func() error { return duration("ORACLE_TIMEOUT", &c.Oracle.Timeout) },
		func() error { return duration("RETRIEVAL_TIMEOUT", &c.Retrieval.Timeout) },
		func() error { return integer("REASONING_MAX_ATTEMPTS", &c.Reasoning.MaxAttempts) },
		func() error { return integer("RETRIEVAL_TOP_K", &c.Retrieval.TopK) },
		func() error { return integer("RETRIEVAL_MAX_ATTEMPTS", &c.Retrieval.MaxAttempts) },
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "openai"
	}
	if c.Oracle.BaseURL == "" {
		c.Oracle.BaseURL = "https://api.openai.com/v1"
	}
	if c.Oracle.Model == "" {
		c.Oracle.Model = "gpt-4o-mini"
	}
	if c.Oracle.Timeout == 0 {
		c.Oracle.Timeout = 30 * time.Second
	}
	if c.Oracle.RequestsPerSecond == 0 {
		c.Oracle.RequestsPerSecond = 5
	}

	if c.Reasoning.MaxAttempts == 0 {
		c.Reasoning.MaxAttempts = 2
	}
	if c.Reasoning.MinConfidence == nil {
		minConfidence := 0.5
		c.Reasoning.MinConfidence = &minConfidence
	}
	if c.Reasoning.RequireClauseForApproval == nil {
		require := true
		c.Reasoning.RequireClauseForApproval = &require
	}
	if c.Reasoning.MaxClauseChars == 0 {
		c.Reasoning.MaxClauseChars = 800
	}
	if c.Reasoning.MaxContextChars == 0 {
		c.Reasoning.MaxContextChars = 4000
	}

	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.MaxAttempts == 0 {
		c.Retrieval.MaxAttempts = 3
	}
	if c.Retrieval.BackoffBase == 0 {
		c.Retrieval.BackoffBase = 100 * time.Millisecond
	}
	if c.Retrieval.BackoffMax == 0 {
		c.Retrieval.BackoffMax = 2 * time.Second
	}
	if c.Retrieval.Timeout == 0 {
		c.Retrieval.Timeout = 5 * time.Second
	}
	if c.Retrieval.CorpusPath == "" {
		c.Retrieval.CorpusPath = "./data/policies.yaml"
	}
	if c.Retrieval.Embedder == "" {
		c.Retrieval.Embedder = "hash"
	}
	if c.Retrieval.EmbeddingModel == "" {
		c.Retrieval.EmbeddingModel = "text-embedding-3-small"
	}

	if c.Rules.Store == "" {
		c.Rules.Store = "memory"
	}
	if c.Rules.Cache == "" {
		c.Rules.Cache = "memory"
	}
	if c.Rules.RedisAddr == "" {
		c.Rules.RedisAddr = "localhost:6379"
	}

	if c.Audit.Driver == "" {
		c.Audit.Driver = "sqlite"
	}
	if c.Audit.DSN == "" && c.Audit.Driver == "sqlite" {
		c.Audit.DSN = "file:audit.db"
	}
}

func (c Config) Validate() error {
	switch c.Oracle.Provider {
	case "openai":
		if c.Oracle.APIKey == "" {
			return fmt.Errorf("oracle.api_key is required when oracle.provider=openai")
		}
	case "static":
	default:
		return fmt.Errorf("oracle.provider must be openai or static, got %q", c.Oracle.Provider)
	}

	if c.Reasoning.MaxAttempts < 1 {
		return fmt.Errorf("reasoning.max_attempts must be >= 1")
	}
	if c.Reasoning.MinConfidence != nil && (*c.Reasoning.MinConfidence < 0 || *c.Reasoning.MinConfidence > 1) {
		return fmt.Errorf("reasoning.min_confidence must be within [0,1]")
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be >= 1")
	}
	if c.Retrieval.MaxAttempts < 1 {
		return fmt.Errorf("retrieval.max_attempts must be >= 1")
	}
	if c.Retrieval.BackoffMax < c.Retrieval.BackoffBase {
		return fmt.Errorf("retrieval.backoff_max must be >= retrieval.backoff_base")
	}

	switch c.Retrieval.Embedder {
	case "hash":
	case "openai":
		if c.Oracle.APIKey == "" {
			return fmt.Errorf("oracle.api_key is required when retrieval.embedder=openai")
		}
	default:
		return fmt.Errorf("retrieval.embedder must be hash or openai, got %q", c.Retrieval.Embedder)
	}

	switch c.Rules.Store {
	case "memory":
	case "postgres":
		if c.Audit.Driver != "postgres" {
			return fmt.Errorf("rules.store=postgres requires audit.driver=postgres")
		}
	default:
		return fmt.Errorf("rules.store must be memory or postgres, got %q", c.Rules.Store)
	}

	switch c.Rules.Cache {
	case "memory", "redis":
	default:
		return fmt.Errorf("rules.cache must be memory or redis, got %q", c.Rules.Cache)
	}

	switch c.Audit.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn is required when audit.driver=%s", c.Audit.Driver)
		}
	default:
		return fmt.Errorf("audit.driver must be memory, sqlite or postgres, got %q", c.Audit.Driver)
	}

	return nil
}
