package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	GeminiAPIKey string `yaml:"gemini_api_key"`
	DatabaseURL  string `yaml:"database_url"`
	HTTPPort     string `yaml:"http_port"`
	LogLevel     string `yaml:"log_level"`
	JWTSecret    string `yaml:"jwt_secret"`

	EmbeddingProvider  string        `yaml:"embedding_provider"`
	EmbeddingModel     string        `yaml:"embedding_model"`
	EmbeddingDimension int           `yaml:"embedding_dimension"`
	EmbeddingRPS       float64       `yaml:"embedding_rps"`
	EmbeddingCacheTTL  time.Duration `yaml:"embedding_cache_ttl"`
	OpenAIBaseURL      string        `yaml:"openai_base_url"`
	OpenAIAPIKey       string        `yaml:"openai_api_key"`

	ChatProvider    string  `yaml:"chat_provider"`
	ChatModel       string  `yaml:"chat_model"`
	ChatTemperature float64 `yaml:"chat_temperature"`
	ChatMaxTokens   int     `yaml:"chat_max_tokens"`
	ChatMaxRetries  int     `yaml:"chat_max_retries"`

	VectorBackend  string `yaml:"vector_backend"`
	QdrantURL      string `yaml:"qdrant_url"`
	QdrantAPIKey   string `yaml:"qdrant_api_key"`
	CollectionName string `yaml:"collection_name"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	RedisURL       string `yaml:"redis_url"`

	ChunkSize               int      `yaml:"chunk_size"`
	ChunkOverlap            int      `yaml:"chunk_overlap"`
	RetrievalTopK           int      `yaml:"retrieval_top_k"`
	RetrievalScoreThreshold float64  `yaml:"retrieval_score_threshold"`
	MaxHistoryMessages      int      `yaml:"max_history_messages"`
	DefaultScopes           []string `yaml:"default_scopes"`

	WatchDir    string `yaml:"watch_dir"`
	WatchTenant string `yaml:"watch_tenant"`
}

var AppConfig Config

// LoadConfig fills AppConfig and exits the process on invalid configuration.
func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		slog.Info("No .env file found, relying on environment variables")
	}

	cfg, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	AppConfig = cfg
}

// Load reads the environment, then the YAML file named by CONFIG_FILE if any. Keys
// present in the file override the environment.
func Load() (Config, error) {
	cfg := Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:  getEnv("DATABASE_URL", "assistant.db"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:    getEnv("JWT_SECRET", ""),

		EmbeddingProvider:  getEnv("EMBEDDING_PROVIDER", "gemini"),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDimension: getEnvAsInt("EMBEDDING_DIMENSION", 768),
		EmbeddingRPS:       getEnvAsFloat("EMBEDDING_RPS", 25),
		EmbeddingCacheTTL:  getEnvAsDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),

		ChatProvider:    getEnv("CHAT_PROVIDER", "gemini"),
		ChatModel:       getEnv("CHAT_MODEL", "gemini-1.5-flash-latest"),
		ChatTemperature: getEnvAsFloat("CHAT_TEMPERATURE", 0.2),
		ChatMaxTokens:   getEnvAsInt("CHAT_MAX_TOKENS", 1024),
		ChatMaxRetries:  getEnvAsInt("CHAT_MAX_RETRIES", 3),

		VectorBackend:  getEnv("VECTOR_BACKEND", "sqlite"),
		QdrantURL:      getEnv("QDRANT_URL", "http://localhost:6333"),
		QdrantAPIKey:   getEnv("QDRANT_API_KEY", ""),
		CollectionName: getEnv("COLLECTION_NAME", "knowledge_base"),
		PostgresDSN:    getEnv("POSTGRES_DSN", ""),
		RedisURL:       getEnv("REDIS_URL", ""),

		ChunkSize:               getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:            getEnvAsInt("CHUNK_OVERLAP", 200),
		RetrievalTopK:           getEnvAsInt("RETRIEVAL_TOP_K", 5),
		RetrievalScoreThreshold: getEnvAsFloat("RETRIEVAL_SCORE_THRESHOLD", 0.3),
		MaxHistoryMessages:      getEnvAsInt("MAX_HISTORY_MESSAGES", 10),
		DefaultScopes:           getEnvAsList("DEFAULT_SCOPES", []string{"knowledge:read", "ui:navigate"}),

		WatchDir:    getEnv("WATCH_DIR", ""),
		WatchTenant: getEnv("WATCH_TENANT", ""),
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET environment variable is required"))
	}
	if (c.EmbeddingProvider == "gemini" || c.ChatProvider == "gemini") && c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY environment variable is required"))
	}
	for name, v := range map[string]string{"EMBEDDING_PROVIDER": c.EmbeddingProvider, "CHAT_PROVIDER": c.ChatProvider} {
		if v != "gemini" && v != "openai" {
			errs = append(errs, fmt.Errorf("%s must be gemini or openai, got %q", name, v))
		}
	}
	switch c.VectorBackend {
	case "qdrant", "sqlite", "memory":
	case "pgvector":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the pgvector backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown VECTOR_BACKEND %q", c.VectorBackend))
	}
	if c.EmbeddingDimension <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSION must be positive"))
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got size=%d overlap=%d", c.ChunkSize, c.ChunkOverlap))
	}
	if c.WatchDir != "" && c.WatchTenant == "" {
		errs = append(errs, errors.New("WATCH_TENANT is required when WATCH_DIR is set"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
