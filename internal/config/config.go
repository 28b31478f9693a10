package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/policyrag/internal/scoring"
)

// AppName is used for config file names, env prefixes and data directories.
const AppName = "policyrag"

// Provider names accepted by the llm and embeddings sections.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderStatic = "static"
)

// Index backends.
const (
	BackendLocal  = "local"
	BackendQdrant = "qdrant"
)

// Config represents the complete policyrag configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	LLM        LLMConfig        `yaml:"llm" json:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Index      IndexConfig      `yaml:"index" json:"index"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Scoring    ScoringConfig    `yaml:"scoring" json:"scoring"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Audit      AuditConfig      `yaml:"audit" json:"audit"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// LLMConfig configures the text-generation service used for query
// expansion and answer generation.
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Model    string `yaml:"model" json:"model"`

	// FallbackModel is tried once when answer generation with Model fails.
	FallbackModel string `yaml:"fallback_model" json:"fallback_model"`

	// APIKey is never written back by WriteYAML when it came from the environment.
	APIKey string `yaml:"api_key,omitempty" json:"-"`

	Temperature        float64       `yaml:"temperature" json:"temperature"`
	ExpansionMaxTokens int           `yaml:"expansion_max_tokens" json:"expansion_max_tokens"`
	AnswerMaxTokens    int           `yaml:"answer_max_tokens" json:"answer_max_tokens"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout"`

	// RequestsPerSecond caps calls to the provider. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// EmbeddingsConfig configures dense and sparse embedding.
type EmbeddingsConfig struct {
	Provider   string        `yaml:"provider" json:"provider"`
	Endpoint   string        `yaml:"endpoint" json:"endpoint"`
	Model      string        `yaml:"model" json:"model"`
	APIKey     string        `yaml:"api_key,omitempty" json:"-"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	CacheSize  int           `yaml:"cache_size" json:"cache_size"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`

	// Analyzer selects the sparse tokenizer: "en" (stemmed, stop words) or "simple".
	Analyzer string `yaml:"analyzer" json:"analyzer"`
}

// IndexConfig selects and configures the hybrid index.
type IndexConfig struct {
	Backend    string        `yaml:"backend" json:"backend"`
	DataDir    string        `yaml:"data_dir" json:"data_dir"`
	QdrantURL  string        `yaml:"qdrant_url" json:"qdrant_url"`
	APIKey     string        `yaml:"api_key,omitempty" json:"-"`
	Collection string        `yaml:"collection" json:"collection"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	RRFK       int           `yaml:"rrf_k" json:"rrf_k"`
}

// RetrievalConfig configures the expand/search/merge pipeline.
type RetrievalConfig struct {
	// ExpansionTerms is K, the number of search terms requested from the LLM.
	ExpansionTerms int `yaml:"expansion_terms" json:"expansion_terms"`

	// DisableExpansion searches with the original query only.
	DisableExpansion bool `yaml:"disable_expansion" json:"disable_expansion"`

	TopN           int           `yaml:"top_n" json:"top_n"`
	TermTimeout    time.Duration `yaml:"term_timeout" json:"term_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency" json:"max_concurrency"`
}

// ScoringConfig overrides the reranking policy. Empty values keep the defaults.
type ScoringConfig struct {
	Weights    scoring.Weights    `yaml:"weights" json:"weights"`
	Priorities map[string]float64 `yaml:"priorities,omitempty" json:"priorities,omitempty"`
}

// IngestConfig configures chunk-file ingestion.
type IngestConfig struct {
	Workers       int           `yaml:"workers" json:"workers"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	WatchDebounce time.Duration `yaml:"watch_debounce" json:"watch_debounce"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string        `yaml:"addr" json:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxQueryLength int           `yaml:"max_query_length" json:"max_query_length"`
	MaxLimit       int           `yaml:"max_limit" json:"max_limit"`
}

// AuditConfig configures the query audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// LoggingConfig configures the structured log file.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig creates a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		LLM: LLMConfig{
			Provider:           ProviderOpenAI,
			Endpoint:           "https://api.openai.com/v1",
			Model:              "gpt-3.5-turbo",
			FallbackModel:      "gpt-4o-mini",
			Temperature:        0.3,
			ExpansionMaxTokens: 200,
			AnswerMaxTokens:    1500,
			Timeout:            30 * time.Second,
			RequestsPerSecond:  5,
			Burst:              5,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   ProviderOpenAI,
			Endpoint:   "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			CacheSize:  1000,
			BatchSize:  100,
			Timeout:    5 * time.Second,
			Analyzer:   "en",
		},
		Index: IndexConfig{
			Backend:    BackendLocal,
			DataDir:    defaultDataDir(),
			QdrantURL:  "http://localhost:6334",
			Collection: "nhs_expert_policy",
			Timeout:    5 * time.Second,
			RRFK:       60,
		},
		Retrieval: RetrievalConfig{
			ExpansionTerms: 3,
			TopN:           10,
			TermTimeout:    5 * time.Second,
			MaxConcurrency: 3,
		},
		Scoring: ScoringConfig{
			Weights: scoring.DefaultWeights(),
		},
		Ingest: IngestConfig{
			Workers:       runtime.NumCPU(),
			BatchSize:     100,
			WatchDebounce: 500 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8000",
			RequestTimeout: 60 * time.Second,
			MaxQueryLength: 1000,
			MaxLimit:       50,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(defaultHomeDir(), "logs", "audit_trail.jsonl"),
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "."+AppName)
	}
	return filepath.Join(home, "."+AppName)
}

func defaultDataDir() string {
	return filepath.Join(defaultHomeDir(), "data")
}

// GetUserConfigPath returns the user config path, honoring XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", AppName, "config.yaml")
	}
	return filepath.Join(home, ".config", AppName, "config.yaml")
}

// GetUserConfigDir returns the directory containing the user config.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists reports whether a user config file is present.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := &Config{}
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// Load builds the effective configuration for dir.
//
// Precedence, lowest first: defaults, user config, project config
// (.policyrag.yaml in dir), POLICYRAG_* environment variables.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	userCfg, err := LoadUserConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	}
	if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile builds the configuration from defaults, the file at path and
// environment variables. User and project config files are not read.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ProjectConfigPath returns the project config file in dir, or "" if none.
func ProjectConfigPath(dir string) string {
	for _, name := range []string{"." + AppName + ".yaml", "." + AppName + ".yml"} {
		p := filepath.Join(dir, name)
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func (c *Config) loadFromFile(dir string) error {
	if p := ProjectConfigPath(dir); p != "" {
		return c.loadYAML(p)
	}
	return nil
}

// loadYAML parses path and merges its non-zero values into c.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith copies non-zero fields of other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	mergeString(&c.LLM.Provider, other.LLM.Provider)
	mergeString(&c.LLM.Endpoint, other.LLM.Endpoint)
	mergeString(&c.LLM.Model, other.LLM.Model)
	mergeString(&c.LLM.FallbackModel, other.LLM.FallbackModel)
	mergeString(&c.LLM.APIKey, other.LLM.APIKey)
	mergeFloat(&c.LLM.Temperature, other.LLM.Temperature)
	mergeInt(&c.LLM.ExpansionMaxTokens, other.LLM.ExpansionMaxTokens)
	mergeInt(&c.LLM.AnswerMaxTokens, other.LLM.AnswerMaxTokens)
	mergeDuration(&c.LLM.Timeout, other.LLM.Timeout)
	mergeFloat(&c.LLM.RequestsPerSecond, other.LLM.RequestsPerSecond)
	mergeInt(&c.LLM.Burst, other.LLM.Burst)

	mergeString(&c.Embeddings.Provider, other.Embeddings.Provider)
	mergeString(&c.Embeddings.Endpoint, other.Embeddings.Endpoint)
	mergeString(&c.Embeddings.Model, other.Embeddings.Model)
	mergeString(&c.Embeddings.APIKey, other.Embeddings.APIKey)
	mergeInt(&c.Embeddings.Dimensions, other.Embeddings.Dimensions)
	mergeInt(&c.Embeddings.CacheSize, other.Embeddings.CacheSize)
	mergeInt(&c.Embeddings.BatchSize, other.Embeddings.BatchSize)
	mergeDuration(&c.Embeddings.Timeout, other.Embeddings.Timeout)
	mergeString(&c.Embeddings.Analyzer, other.Embeddings.Analyzer)

	mergeString(&c.Index.Backend, other.Index.Backend)
	mergeString(&c.Index.DataDir, other.Index.DataDir)
	mergeString(&c.Index.QdrantURL, other.Index.QdrantURL)
	mergeString(&c.Index.APIKey, other.Index.APIKey)
	mergeString(&c.Index.Collection, other.Index.Collection)
	mergeDuration(&c.Index.Timeout, other.Index.Timeout)
	mergeInt(&c.Index.RRFK, other.Index.RRFK)

	mergeInt(&c.Retrieval.ExpansionTerms, other.Retrieval.ExpansionTerms)
	if other.Retrieval.DisableExpansion {
		c.Retrieval.DisableExpansion = true
	}
	mergeInt(&c.Retrieval.TopN, other.Retrieval.TopN)
	mergeDuration(&c.Retrieval.TermTimeout, other.Retrieval.TermTimeout)
	mergeInt(&c.Retrieval.MaxConcurrency, other.Retrieval.MaxConcurrency)

	// Weights are merged as a unit so a partial override cannot silently
	// combine with defaults into a set that no longer sums to 1.
	if other.Scoring.Weights != (scoring.Weights{}) {
		c.Scoring.Weights = other.Scoring.Weights
	}
	if len(other.Scoring.Priorities) > 0 {
		c.Scoring.Priorities = other.Scoring.Priorities
	}

	mergeInt(&c.Ingest.Workers, other.Ingest.Workers)
	mergeInt(&c.Ingest.BatchSize, other.Ingest.BatchSize)
	mergeDuration(&c.Ingest.WatchDebounce, other.Ingest.WatchDebounce)

	mergeString(&c.Server.Addr, other.Server.Addr)
	mergeDuration(&c.Server.RequestTimeout, other.Server.RequestTimeout)
	mergeInt(&c.Server.MaxQueryLength, other.Server.MaxQueryLength)
	mergeInt(&c.Server.MaxLimit, other.Server.MaxLimit)

	// enabled is a plain bool: only an explicit path section can turn it off.
	if other.Audit.Path != "" {
		c.Audit.Path = other.Audit.Path
		c.Audit.Enabled = other.Audit.Enabled
	}

	mergeString(&c.Logging.Level, other.Logging.Level)
	mergeString(&c.Logging.File, other.Logging.File)
	mergeInt(&c.Logging.MaxSizeMB, other.Logging.MaxSizeMB)
	mergeInt(&c.Logging.MaxFiles, other.Logging.MaxFiles)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies POLICYRAG_* variables. Provider API keys also
// fall back to OPENAI_API_KEY and QDRANT_API_KEY.
func (c *Config) applyEnvOverrides() {
	env := func(name string) string {
		return os.Getenv(strings.ToUpper(AppName) + "_" + name)
	}

	if v := env("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := env("LLM_ENDPOINT"); v != "" {
		c.LLM.Endpoint = v
	}
	if v := env("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := firstNonEmpty(env("LLM_API_KEY"), os.Getenv("OPENAI_API_KEY")); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}

	if v := env("EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := env("EMBEDDINGS_ENDPOINT"); v != "" {
		c.Embeddings.Endpoint = v
	}
	if v := env("EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := env("EMBEDDINGS_DIMENSIONS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Embeddings.Dimensions = d
		}
	}
	if v := firstNonEmpty(env("EMBEDDINGS_API_KEY"), os.Getenv("OPENAI_API_KEY")); v != "" && c.Embeddings.APIKey == "" {
		c.Embeddings.APIKey = v
	}

	if v := env("INDEX_BACKEND"); v != "" {
		c.Index.Backend = v
	}
	if v := env("DATA_DIR"); v != "" {
		c.Index.DataDir = v
	}
	if v := firstNonEmpty(env("QDRANT_URL"), os.Getenv("QDRANT_URL")); v != "" {
		c.Index.QdrantURL = v
	}
	if v := firstNonEmpty(env("QDRANT_API_KEY"), os.Getenv("QDRANT_API_KEY")); v != "" && c.Index.APIKey == "" {
		c.Index.APIKey = v
	}

	if v := env("EXPANSION_TERMS"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Retrieval.ExpansionTerms = k
		}
	}
	if v := env("TERM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Retrieval.TermTimeout = d
		}
	}
	if v := env("SIMILARITY_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil {
			c.Scoring.Weights.Similarity = w
		}
	}
	if v := env("PRIORITY_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil {
			c.Scoring.Weights.Priority = w
		}
	}
	if v := env("RECENCY_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil {
			c.Scoring.Weights.Recency = w
		}
	}

	if v := env("ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := env("AUDIT_ENABLED"); v != "" {
		c.Audit.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := env("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseFloat64(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &f)
	return f, err
}

// Policy builds the scoring policy described by the scoring section.
func (c *Config) Policy() (scoring.Policy, error) {
	priorities := scoring.DefaultPriorities()
	if len(c.Scoring.Priorities) > 0 {
		priorities = make(map[scoring.SourceType]float64, len(c.Scoring.Priorities))
		for raw, p := range c.Scoring.Priorities {
			st, err := scoring.ParseSourceType(raw)
			if err != nil {
				return scoring.Policy{}, err
			}
			priorities[st] = p
		}
	}
	return scoring.NewPolicy(c.Scoring.Weights, priorities)
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("llm.provider must be %q or %q, got %q", ProviderOllama, ProviderOpenAI, c.LLM.Provider)
	}
	switch c.Embeddings.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderStatic:
	default:
		return fmt.Errorf("embeddings.provider must be one of ollama, openai, static, got %q", c.Embeddings.Provider)
	}
	switch c.Embeddings.Analyzer {
	case "en", "simple":
	default:
		return fmt.Errorf("embeddings.analyzer must be \"en\" or \"simple\", got %q", c.Embeddings.Analyzer)
	}
	switch c.Index.Backend {
	case BackendLocal, BackendQdrant:
	default:
		return fmt.Errorf("index.backend must be %q or %q, got %q", BackendLocal, BackendQdrant, c.Index.Backend)
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %v", c.LLM.Temperature)
	}
	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("llm.requests_per_second must not be negative, got %v", c.LLM.RequestsPerSecond)
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Retrieval.ExpansionTerms < 1 {
		return fmt.Errorf("retrieval.expansion_terms must be at least 1, got %d", c.Retrieval.ExpansionTerms)
	}
	if c.Retrieval.TopN < 1 {
		return fmt.Errorf("retrieval.top_n must be at least 1, got %d", c.Retrieval.TopN)
	}
	if c.Retrieval.TermTimeout <= 0 {
		return fmt.Errorf("retrieval.term_timeout must be positive, got %s", c.Retrieval.TermTimeout)
	}
	if c.Retrieval.MaxConcurrency < 1 {
		return fmt.Errorf("retrieval.max_concurrency must be at least 1, got %d", c.Retrieval.MaxConcurrency)
	}
	if c.Index.RRFK < 1 {
		return fmt.Errorf("index.rrf_k must be at least 1, got %d", c.Index.RRFK)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Server.MaxLimit < 1 || c.Server.MaxQueryLength < 1 {
		return fmt.Errorf("server.max_limit and server.max_query_length must be positive")
	}

	if _, err := c.Policy(); err != nil {
		return err
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file. API keys are omitted.
func (c *Config) WriteYAML(path string) error {
	redacted := *c
	redacted.LLM.APIKey = ""
	redacted.Embeddings.APIKey = ""
	redacted.Index.APIKey = ""

	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// FindProjectRoot walks up from startDir looking for a project config or
// a .git directory. Falls back to startDir itself.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if ProjectConfigPath(currentDir) != "" || dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
