package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the cardscan binaries.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Cascade   CascadeConfig
	Embedding EmbeddingConfig
	Detector  DetectorConfig
	AI        AIConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig controls leasing and stuck-job recovery.
type QueueConfig struct {
	MaxRetries               int
	LeaseDuration            time.Duration
	StuckGrace               time.Duration
	HardTimeout              time.Duration
	MonitorSchedule          string
	PrototypeRebuildSchedule string
}

// CascadeConfig is the identification tuning block. It can also be set from
// the TOML file named by CARDSCAN_CONFIG_FILE.
type CascadeConfig struct {
	TopK                    int     `toml:"retrieval_topk"`
	ReducedTopK             int     `toml:"retrieval_topk_reduced"`
	UnknownThreshold        float64 `toml:"unknown_threshold"`
	Alpha                   float64 `toml:"alpha"`
	Beta                    float64 `toml:"beta"`
	CandidateLimit          int     `toml:"candidate_limit"`
	FallbackEnabled         bool    `toml:"fallback_enabled"`
	FallbackAcceptThreshold float64 `toml:"fallback_accept_threshold"`
	FallbackEstimatedCost   float64 `toml:"fallback_estimated_cost"`
	DailyFallbackBudget     float64 `toml:"daily_fallback_budget"`
}

type EmbeddingConfig struct {
	ServiceURL   string
	TTAViews     int
	Dim          int
	Timeout      time.Duration
	QueryTimeout time.Duration
}

type DetectorConfig struct {
	ServiceURL string
	Timeout    time.Duration
}

type AIConfig struct {
	Provider          string
	InferenceTimeout  time.Duration
	InputCostPerMTok  float64
	OutputCostPerMTok float64
	Ollama            OllamaConfig
	VLLM              VLLMConfig
	OpenAI            OpenAIConfig
	Anthropic         AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type WorkerConfig struct {
	ID           string
	PollInterval time.Duration
	HeartbeatTTL time.Duration
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cascade, err := loadCascadeFile(os.Getenv("CARDSCAN_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	alpha, beta, err := envWeights("FUSION_WEIGHTS", cascade.Alpha, cascade.Beta)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CARDSCAN_PORT", 8080),
			Env:  envString("CARDSCAN_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			MaxRetries:               envInt("MAX_RETRIES", 3),
			LeaseDuration:            envDuration("LEASE_DURATION", 10*time.Minute),
			StuckGrace:               envDuration("STUCK_GRACE", 30*time.Second),
			HardTimeout:              envDuration("HARD_TIMEOUT", 30*time.Minute),
			MonitorSchedule:          envString("MONITOR_SCHEDULE", "@every 30s"),
			PrototypeRebuildSchedule: envString("PROTOTYPE_REBUILD_SCHEDULE", "@daily"),
		},
		Cascade: CascadeConfig{
			TopK:                    envInt("RETRIEVAL_TOPK", cascade.TopK),
			ReducedTopK:             envInt("RETRIEVAL_TOPK_REDUCED", cascade.ReducedTopK),
			UnknownThreshold:        envFloat("UNKNOWN_THRESHOLD", cascade.UnknownThreshold),
			Alpha:                   alpha,
			Beta:                    beta,
			CandidateLimit:          envInt("CANDIDATE_LIMIT", cascade.CandidateLimit),
			FallbackEnabled:         envBool("FALLBACK_ENABLED", cascade.FallbackEnabled),
			FallbackAcceptThreshold: envFloat("FALLBACK_ACCEPT_THRESHOLD", cascade.FallbackAcceptThreshold),
			FallbackEstimatedCost:   envFloat("FALLBACK_ESTIMATED_COST", cascade.FallbackEstimatedCost),
			DailyFallbackBudget:     envFloat("DAILY_FALLBACK_BUDGET", cascade.DailyFallbackBudget),
		},
		Embedding: EmbeddingConfig{
			ServiceURL:   os.Getenv("EMBEDDING_SERVICE_URL"),
			TTAViews:     envInt("EMBEDDING_TTA_VIEWS", 1),
			Dim:          envInt("EMBEDDING_DIM", SchemaEmbeddingDim),
			Timeout:      envDuration("EMBEDDING_TIMEOUT", 30*time.Second),
			QueryTimeout: envDuration("ANN_QUERY_TIMEOUT", 8*time.Second),
		},
		Detector: DetectorConfig{
			ServiceURL: os.Getenv("DETECTOR_SERVICE_URL"),
			Timeout:    envDuration("DETECTOR_TIMEOUT", 60*time.Second),
		},
		AI: AIConfig{
			Provider:          envString("AI_PROVIDER", "openai"),
			InferenceTimeout:  envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			InputCostPerMTok:  envFloat("AI_INPUT_COST_PER_MTOK", 2.50),
			OutputCostPerMTok: envFloat("AI_OUTPUT_COST_PER_MTOK", 10.00),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llava"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			},
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			},
		},
		Worker: WorkerConfig{
			ID:           envString("WORKER_ID", hostname),
			PollInterval: envDuration("POLL_INTERVAL", 2*time.Second),
			HeartbeatTTL: envDuration("HEARTBEAT_TTL", 2*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultCascade returns the built-in cascade tuning.
func DefaultCascade() CascadeConfig {
	return CascadeConfig{
		TopK:                    200,
		ReducedTopK:             50,
		UnknownThreshold:        0.80,
		Alpha:                   0.7,
		Beta:                    0.3,
		CandidateLimit:          5,
		FallbackEnabled:         true,
		FallbackAcceptThreshold: 0.70,
		FallbackEstimatedCost:   0.01,
		DailyFallbackBudget:     5.00,
	}
}

// loadCascadeFile overlays the TOML tuning file, if any, on the defaults.
func loadCascadeFile(path string) (CascadeConfig, error) {
	cascade := DefaultCascade()
	if path == "" {
		return cascade, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cascade, fmt.Errorf("read CARDSCAN_CONFIG_FILE: %w", err)
	}
	var file struct {
		Cascade CascadeConfig `toml:"cascade"`
	}
	file.Cascade = cascade
	if err := toml.Unmarshal(data, &file); err != nil {
		return cascade, fmt.Errorf("parse CARDSCAN_CONFIG_FILE %q: %w", path, err)
	}
	return file.Cascade, nil
}

// SchemaEmbeddingDim is the width of the vector columns created by the
// migrations. Changing the embedding model's width needs a new migration.
const SchemaEmbeddingDim = 512

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("LEASE_DURATION must be positive, got %s", c.Queue.LeaseDuration)
	}

	if c.Cascade.TopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOPK must be positive, got %d", c.Cascade.TopK)
	}
	if c.Cascade.ReducedTopK <= 0 || c.Cascade.ReducedTopK > c.Cascade.TopK {
		return fmt.Errorf("RETRIEVAL_TOPK_REDUCED must be in (0, RETRIEVAL_TOPK], got %d", c.Cascade.ReducedTopK)
	}
	if c.Cascade.UnknownThreshold < -1 || c.Cascade.UnknownThreshold > 1 {
		return fmt.Errorf("UNKNOWN_THRESHOLD must be within [-1, 1], got %v", c.Cascade.UnknownThreshold)
	}
	if c.Cascade.Alpha < 0 || c.Cascade.Beta < 0 {
		return fmt.Errorf("FUSION_WEIGHTS must be non-negative, got %v,%v", c.Cascade.Alpha, c.Cascade.Beta)
	}
	if c.Cascade.DailyFallbackBudget < 0 {
		return fmt.Errorf("DAILY_FALLBACK_BUDGET must be >= 0, got %v", c.Cascade.DailyFallbackBudget)
	}

	if c.Embedding.Dim != SchemaEmbeddingDim {
		return fmt.Errorf("EMBEDDING_DIM must be %d to match the vector columns, got %d", SchemaEmbeddingDim, c.Embedding.Dim)
	}
	if c.Embedding.ServiceURL != "" && !isHTTPURL(c.Embedding.ServiceURL) {
		return fmt.Errorf("EMBEDDING_SERVICE_URL must start with http:// or https://, got %q", c.Embedding.ServiceURL)
	}
	if c.Detector.ServiceURL != "" && !isHTTPURL(c.Detector.ServiceURL) {
		return fmt.Errorf("DETECTOR_SERVICE_URL must start with http:// or https://, got %q", c.Detector.ServiceURL)
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic; got %q", c.AI.Provider)
	}
	if c.Cascade.FallbackEnabled {
		if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai and FALLBACK_ENABLED is true")
		}
		if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic and FALLBACK_ENABLED is true")
		}
	}

	return nil
}

// RequireWorkerServices checks the settings only the worker binary needs.
func (c *Config) RequireWorkerServices() error {
	if c.Embedding.ServiceURL == "" {
		return fmt.Errorf("EMBEDDING_SERVICE_URL is required")
	}
	if c.Detector.ServiceURL == "" {
		return fmt.Errorf("DETECTOR_SERVICE_URL is required")
	}
	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return b
}

// envWeights parses "alpha,beta". Unlike the other helpers a malformed value is
// an error: silently reverting fusion weights would change every score.
func envWeights(key string, defaultAlpha, defaultBeta float64) (float64, float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultAlpha, defaultBeta, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%s must be two comma-separated floats, got %q", key, v)
	}
	alpha, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: invalid alpha %q", key, parts[0])
	}
	beta, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: invalid beta %q", key, parts[1])
	}
	return alpha, beta, nil
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
