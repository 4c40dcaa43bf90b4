// Package config provides configuration management for mnemo.
// It loads settings from environment variables with the MNEMO_ prefix and
// provides sensible defaults for all configuration options.
//
// A .env file in the working directory (or the file named by MNEMO_ENV_FILE)
// is loaded first without overriding variables already set. LoadConfigFile
// additionally overlays a YAML file on the defaults; environment variables
// still take precedence over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/llm"
)

// Config holds all configuration settings for the mnemo services.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Ranking    RankingConfig    `yaml:"ranking"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Security   SecurityConfig   `yaml:"security"`
	Backup     BackupConfig     `yaml:"backup"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 6464)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Directory of the sqlite database (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Connection string when Engine is postgres
}

// LLMConfig configures the text generator used for extraction.
type LLMConfig struct {
	Provider          string        `yaml:"provider"` // ollama, openai, anthropic (default: ollama)
	BaseURL           string        `yaml:"base_url"` // Provider endpoint (default: http://localhost:11434 for ollama)
	Model             string        `yaml:"model"`    // Model name (default: qwen2.5:7b)
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`             // Per-call timeout (default: 2m)
	RequestsPerSecond float64       `yaml:"requests_per_second"` // Call rate limit, 0 disables (default: 2)
	Burst             int           `yaml:"burst"`               // Limiter burst (default: 2)
}

// EmbeddingConfig configures the embedding generator.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"` // ollama or openai (default: ollama)
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"` // (default: nomic-embed-text)
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`             // (default: 30s)
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 disables (default: 10)
	Burst             int           `yaml:"burst"`               // (default: 10)
	CacheEntries      int64         `yaml:"cache_entries"`       // Query embedding cache size, 0 disables (default: 10000)
}

// ExtractionConfig controls transcript discovery and the write path.
type ExtractionConfig struct {
	TranscriptRoots  []string      `yaml:"transcript_roots"` // Directories or files to mine (default: ./transcripts)
	Patterns         []string      `yaml:"patterns"`         // doublestar globs below each root (default: **/*.jsonl)
	MinMessages      int           `yaml:"min_messages"`     // (default: 10)
	MaxMessages      int           `yaml:"max_messages"`     // (default: 15)
	TailIdle         time.Duration `yaml:"tail_idle"`        // Quiet time before a file's last chunk is mined (default: 2m)
	MergeThreshold   float64       `yaml:"merge_threshold"`  // (default: 0.9)
	MaxChunkAttempts int           `yaml:"max_chunk_attempts"`
	FileConcurrency  int           `yaml:"file_concurrency"`
	Watch            bool          `yaml:"watch"`          // Trigger runs on transcript changes (default: true)
	WatchDebounce    time.Duration `yaml:"watch_debounce"` // (default: 5s)
}

// RetrievalConfig controls the read path.
type RetrievalConfig struct {
	SemanticThreshold float64 `yaml:"semantic_threshold"` // (default: 0.4)
	DefaultK          int     `yaml:"default_k"`          // (default: 10)
	MaxK              int     `yaml:"max_k"`              // (default: 100)
	VectorIndex       bool    `yaml:"vector_index"`       // Serve semantic search from the in-process index (default: true)
	NodeID            int64   `yaml:"node_id"`            // Snowflake node for recall ids (default: 1)
}

// RankingConfig holds the composite score weights.
type RankingConfig struct {
	SimilarityWeight  float64       `yaml:"similarity_weight"`
	RecencyWeight     float64       `yaml:"recency_weight"`
	ConfidenceWeight  float64       `yaml:"confidence_weight"`
	ObservationWeight float64       `yaml:"observation_weight"`
	TypeBoostWeight   float64       `yaml:"type_boost_weight"`
	RecencyHalfLife   time.Duration `yaml:"recency_half_life"` // (default: 720h)
	FeedbackStep      float64       `yaml:"feedback_step"`     // (default: 0.05)
}

// SchedulerConfig controls periodic extraction.
type SchedulerConfig struct {
	Interval   time.Duration `yaml:"interval"`     // (default: 15m)
	RunOnStart bool          `yaml:"run_on_start"` // (default: true)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	Mode           string   `yaml:"mode"`       // development or production (default: development)
	APIToken       string   `yaml:"api_token"`  // Bearer token required in production mode
	RateLimit      float64  `yaml:"rate_limit"` // HTTP requests per second per client (default: 20)
	RateBurst      int      `yaml:"rate_burst"` // (default: 40)
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BackupConfig controls snapshots of the sqlite store.
type BackupConfig struct {
	Enabled  bool          `yaml:"enabled"`  // Take periodic snapshots from mnemo-server (default: false)
	Dir      string        `yaml:"dir"`      // Snapshot directory (default: <data_path>/backups)
	Interval time.Duration `yaml:"interval"` // (default: 6h)
	Recent   int           `yaml:"recent"`   // Newest snapshots always kept (default: 4)
	Daily    int           `yaml:"daily"`    // Older days keeping one snapshot each (default: 7)
}

// Default returns the built-in configuration without consulting the
// environment.
func Default() *Config {
	eng := engine.DefaultConfig()
	ret := engine.DefaultRetrievalConfig()
	rank := engine.DefaultRankingConfig()

	return &Config{
		Server: ServerConfig{Port: 6464, Host: "127.0.0.1"},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		LLM: LLMConfig{
			Provider:          llm.ProviderOllama,
			BaseURL:           "http://localhost:11434",
			Model:             "qwen2.5:7b",
			Timeout:           2 * time.Minute,
			RequestsPerSecond: 2,
			Burst:             2,
		},
		Embedding: EmbeddingConfig{
			Provider:          llm.ProviderOllama,
			BaseURL:           "http://localhost:11434",
			Model:             "nomic-embed-text",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             10,
			CacheEntries:      10000,
		},
		Extraction: ExtractionConfig{
			TranscriptRoots:  []string{"./transcripts"},
			Patterns:         []string{"**/*.jsonl"},
			MinMessages:      eng.MinMessages,
			MaxMessages:      eng.MaxMessages,
			TailIdle:         eng.TailIdle,
			MergeThreshold:   eng.MergeThreshold,
			MaxChunkAttempts: eng.MaxChunkAttempts,
			FileConcurrency:  eng.FileConcurrency,
			Watch:            true,
			WatchDebounce:    5 * time.Second,
		},
		Retrieval: RetrievalConfig{
			SemanticThreshold: ret.SemanticThreshold,
			DefaultK:          ret.DefaultK,
			MaxK:              ret.MaxK,
			VectorIndex:       true,
			NodeID:            ret.NodeID,
		},
		Ranking: RankingConfig{
			SimilarityWeight:  rank.SimilarityWeight,
			RecencyWeight:     rank.RecencyWeight,
			ConfidenceWeight:  rank.ConfidenceWeight,
			ObservationWeight: rank.ObservationWeight,
			TypeBoostWeight:   rank.TypeBoostWeight,
			RecencyHalfLife:   rank.RecencyHalfLife,
			FeedbackStep:      rank.FeedbackStep,
		},
		Scheduler: SchedulerConfig{
			Interval:   eng.Interval,
			RunOnStart: true,
		},
		Security: SecurityConfig{
			Mode:      "development",
			RateLimit: 20,
			RateBurst: 40,
		},
		Backup: BackupConfig{
			Interval: 6 * time.Hour,
			Recent:   4,
			Daily:    7,
		},
	}
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the MNEMO_ prefix.
func LoadConfig() (*Config, error) {
	loadDotEnv()
	cfg := Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile overlays the YAML file at path on the defaults, then applies
// environment variables. Keys missing from the file keep their defaults.
func LoadConfigFile(path string) (*Config, error) {
	loadDotEnv()
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be within [1,65535], got %d", c.Server.Port))
	}

	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires MNEMO_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage engine %q", c.Storage.Engine))
	}

	switch strings.ToLower(c.LLM.Provider) {
	case llm.ProviderOllama, llm.ProviderOpenAI, llm.ProviderAnthropic:
	default:
		errs = append(errs, fmt.Errorf("unknown LLM provider %q", c.LLM.Provider))
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case llm.ProviderOllama, llm.ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}

	sched := c.SchedulerConfig()
	if err := sched.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Extraction.TranscriptRoots) == 0 {
		errs = append(errs, errors.New("at least one transcript root is required"))
	}

	for _, f := range []struct {
		name  string
		value float64
	}{
		{"semantic threshold", c.Retrieval.SemanticThreshold},
		{"similarity weight", c.Ranking.SimilarityWeight},
		{"recency weight", c.Ranking.RecencyWeight},
		{"confidence weight", c.Ranking.ConfidenceWeight},
		{"observation weight", c.Ranking.ObservationWeight},
		{"type boost weight", c.Ranking.TypeBoostWeight},
	} {
		if f.value < 0 || f.value > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", f.name, f.value))
		}
	}
	if c.Retrieval.DefaultK < 1 {
		errs = append(errs, fmt.Errorf("default k must be >= 1, got %d", c.Retrieval.DefaultK))
	}
	if c.Retrieval.MaxK < c.Retrieval.DefaultK {
		errs = append(errs, fmt.Errorf("max k must be >= default k, got %d", c.Retrieval.MaxK))
	}
	if c.Retrieval.NodeID < 0 || c.Retrieval.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("node id must be within [0,1023], got %d", c.Retrieval.NodeID))
	}

	switch c.Security.Mode {
	case "development":
	case "production":
		if c.Security.APIToken == "" {
			errs = append(errs, errors.New("production mode requires MNEMO_API_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown security mode %q", c.Security.Mode))
	}

	if c.Backup.Enabled {
		if c.Storage.Engine != "sqlite" {
			errs = append(errs, errors.New("backups are only supported for sqlite storage"))
		}
		if c.Backup.Interval <= 0 {
			errs = append(errs, fmt.Errorf("backup interval must be > 0, got %v", c.Backup.Interval))
		}
	}
	if c.Backup.Recent < 1 {
		errs = append(errs, fmt.Errorf("backup recent must be >= 1, got %d", c.Backup.Recent))
	}

	return errors.Join(errs...)
}

// SchedulerConfig returns the extraction scheduler settings.
func (c *Config) SchedulerConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Interval = c.Scheduler.Interval
	cfg.RunOnStart = c.Scheduler.RunOnStart
	cfg.FileConcurrency = c.Extraction.FileConcurrency
	cfg.MinMessages = c.Extraction.MinMessages
	cfg.MaxMessages = c.Extraction.MaxMessages
	cfg.TailIdle = c.Extraction.TailIdle
	cfg.MergeThreshold = c.Extraction.MergeThreshold
	cfg.MaxChunkAttempts = c.Extraction.MaxChunkAttempts
	return cfg
}

// RetrievalSettings returns the read-path settings.
func (c *Config) RetrievalSettings() engine.RetrievalConfig {
	cfg := engine.DefaultRetrievalConfig()
	cfg.SemanticThreshold = c.Retrieval.SemanticThreshold
	cfg.DefaultK = c.Retrieval.DefaultK
	cfg.MaxK = c.Retrieval.MaxK
	cfg.NodeID = c.Retrieval.NodeID
	return cfg
}

// RankingSettings returns the ranking weights and curves.
func (c *Config) RankingSettings() engine.RankingConfig {
	cfg := engine.DefaultRankingConfig()
	cfg.SimilarityWeight = c.Ranking.SimilarityWeight
	cfg.RecencyWeight = c.Ranking.RecencyWeight
	cfg.ConfidenceWeight = c.Ranking.ConfidenceWeight
	cfg.ObservationWeight = c.Ranking.ObservationWeight
	cfg.TypeBoostWeight = c.Ranking.TypeBoostWeight
	cfg.RecencyHalfLife = c.Ranking.RecencyHalfLife
	cfg.FeedbackStep = c.Ranking.FeedbackStep
	return cfg
}

// TextProvider returns the factory settings of the extraction model.
func (c *Config) TextProvider() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider: c.LLM.Provider,
		APIKey:   c.LLM.APIKey,
		BaseURL:  c.LLM.BaseURL,
		Model:    c.LLM.Model,
		Timeout:  c.LLM.Timeout,
	}
}

// EmbeddingProvider returns the factory settings of the embedding model.
func (c *Config) EmbeddingProvider() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider: c.Embedding.Provider,
		APIKey:   c.Embedding.APIKey,
		BaseURL:  c.Embedding.BaseURL,
		Model:    c.Embedding.Model,
		Timeout:  c.Embedding.Timeout,
	}
}

// DatabasePath returns the sqlite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataPath, "mnemo.db")
}

// BackupDir returns the snapshot directory.
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return filepath.Join(c.Storage.DataPath, "backups")
}

// IsProduction reports whether bearer-token auth is enforced.
func (c *Config) IsProduction() bool {
	return c.Security.Mode == "production"
}

// loadDotEnv loads the .env file if there is one. Variables already present
// in the environment win.
func loadDotEnv() {
	path := getEnv("MNEMO_ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("config: WARNING: failed to load %s: %v", path, err)
	}
}

// applyEnv overrides cfg with every MNEMO_ variable that is set.
func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("MNEMO_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("MNEMO_HOST", cfg.Server.Host)

	cfg.Storage.Engine = getEnv("MNEMO_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("MNEMO_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("MNEMO_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.LLM.Provider = getEnv("MNEMO_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.BaseURL = getEnv("MNEMO_LLM_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = getEnv("MNEMO_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.APIKey = getEnv("MNEMO_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Timeout = getEnvDuration("MNEMO_LLM_TIMEOUT", cfg.LLM.Timeout)
	cfg.LLM.RequestsPerSecond = getEnvFloat("MNEMO_LLM_RPS", cfg.LLM.RequestsPerSecond)
	cfg.LLM.Burst = getEnvInt("MNEMO_LLM_BURST", cfg.LLM.Burst)

	cfg.Embedding.Provider = getEnv("MNEMO_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.BaseURL = getEnv("MNEMO_EMBEDDING_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.Model = getEnv("MNEMO_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.APIKey = getEnv("MNEMO_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Timeout = getEnvDuration("MNEMO_EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)
	cfg.Embedding.RequestsPerSecond = getEnvFloat("MNEMO_EMBEDDING_RPS", cfg.Embedding.RequestsPerSecond)
	cfg.Embedding.Burst = getEnvInt("MNEMO_EMBEDDING_BURST", cfg.Embedding.Burst)
	cfg.Embedding.CacheEntries = int64(getEnvInt("MNEMO_EMBEDDING_CACHE_ENTRIES", int(cfg.Embedding.CacheEntries)))

	cfg.Extraction.TranscriptRoots = getEnvList("MNEMO_TRANSCRIPT_ROOTS", cfg.Extraction.TranscriptRoots)
	cfg.Extraction.Patterns = getEnvList("MNEMO_TRANSCRIPT_PATTERNS", cfg.Extraction.Patterns)
	cfg.Extraction.MinMessages = getEnvInt("MNEMO_CHUNK_MIN_MESSAGES", cfg.Extraction.MinMessages)
	cfg.Extraction.MaxMessages = getEnvInt("MNEMO_CHUNK_MAX_MESSAGES", cfg.Extraction.MaxMessages)
	cfg.Extraction.TailIdle = getEnvDuration("MNEMO_TAIL_IDLE", cfg.Extraction.TailIdle)
	cfg.Extraction.MergeThreshold = getEnvFloat("MNEMO_MERGE_THRESHOLD", cfg.Extraction.MergeThreshold)
	cfg.Extraction.MaxChunkAttempts = getEnvInt("MNEMO_MAX_CHUNK_ATTEMPTS", cfg.Extraction.MaxChunkAttempts)
	cfg.Extraction.FileConcurrency = getEnvInt("MNEMO_FILE_CONCURRENCY", cfg.Extraction.FileConcurrency)
	cfg.Extraction.Watch = getEnvBool("MNEMO_WATCH", cfg.Extraction.Watch)
	cfg.Extraction.WatchDebounce = getEnvDuration("MNEMO_WATCH_DEBOUNCE", cfg.Extraction.WatchDebounce)

	cfg.Retrieval.SemanticThreshold = getEnvFloat("MNEMO_SEMANTIC_THRESHOLD", cfg.Retrieval.SemanticThreshold)
	cfg.Retrieval.DefaultK = getEnvInt("MNEMO_DEFAULT_K", cfg.Retrieval.DefaultK)
	cfg.Retrieval.MaxK = getEnvInt("MNEMO_MAX_K", cfg.Retrieval.MaxK)
	cfg.Retrieval.VectorIndex = getEnvBool("MNEMO_VECTOR_INDEX", cfg.Retrieval.VectorIndex)
	cfg.Retrieval.NodeID = int64(getEnvInt("MNEMO_NODE_ID", int(cfg.Retrieval.NodeID)))

	cfg.Ranking.SimilarityWeight = getEnvFloat("MNEMO_WEIGHT_SIMILARITY", cfg.Ranking.SimilarityWeight)
	cfg.Ranking.RecencyWeight = getEnvFloat("MNEMO_WEIGHT_RECENCY", cfg.Ranking.RecencyWeight)
	cfg.Ranking.ConfidenceWeight = getEnvFloat("MNEMO_WEIGHT_CONFIDENCE", cfg.Ranking.ConfidenceWeight)
	cfg.Ranking.ObservationWeight = getEnvFloat("MNEMO_WEIGHT_OBSERVATION", cfg.Ranking.ObservationWeight)
	cfg.Ranking.TypeBoostWeight = getEnvFloat("MNEMO_WEIGHT_TYPE_BOOST", cfg.Ranking.TypeBoostWeight)
	cfg.Ranking.RecencyHalfLife = getEnvDuration("MNEMO_RECENCY_HALF_LIFE", cfg.Ranking.RecencyHalfLife)
	cfg.Ranking.FeedbackStep = getEnvFloat("MNEMO_FEEDBACK_STEP", cfg.Ranking.FeedbackStep)

	cfg.Scheduler.Interval = getEnvDuration("MNEMO_EXTRACTION_INTERVAL", cfg.Scheduler.Interval)
	cfg.Scheduler.RunOnStart = getEnvBool("MNEMO_RUN_ON_START", cfg.Scheduler.RunOnStart)

	cfg.Security.Mode = getEnv("MNEMO_SECURITY_MODE", cfg.Security.Mode)
	cfg.Security.APIToken = getEnv("MNEMO_API_TOKEN", cfg.Security.APIToken)
	cfg.Security.RateLimit = getEnvFloat("MNEMO_RATE_LIMIT", cfg.Security.RateLimit)
	cfg.Security.RateBurst = getEnvInt("MNEMO_RATE_BURST", cfg.Security.RateBurst)
	cfg.Security.AllowedOrigins = getEnvList("MNEMO_ALLOWED_ORIGINS", cfg.Security.AllowedOrigins)

	cfg.Backup.Enabled = getEnvBool("MNEMO_BACKUP_ENABLED", cfg.Backup.Enabled)
	cfg.Backup.Dir = getEnv("MNEMO_BACKUP_DIR", cfg.Backup.Dir)
	cfg.Backup.Interval = getEnvDuration("MNEMO_BACKUP_INTERVAL", cfg.Backup.Interval)
	cfg.Backup.Recent = getEnvInt("MNEMO_BACKUP_RECENT", cfg.Backup.Recent)
	cfg.Backup.Daily = getEnvInt("MNEMO_BACKUP_DAILY", cfg.Backup.Daily)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("config: WARNING: ignoring %s=%q: not an integer", key, value)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("config: WARNING: ignoring %s=%q: not a number", key, value)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("config: WARNING: ignoring %s=%q: not a duration", key, value)
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
