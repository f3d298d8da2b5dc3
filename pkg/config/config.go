package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Gemini   GeminiConfig
	Vision   VisionConfig
	Pipeline PipelineConfig
	OTEL     OTELConfig
	Env      string
	LogLevel string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds the SQLite datastore configuration
type DatabaseConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// GeminiConfig holds Gemini model configuration
type GeminiConfig struct {
	APIKey         string
	ValidatorModel string
	SummaryModel   string
	EnhancerModel  string
	ChatModel      string
	Timeout        time.Duration
	RateLimitRPM   int
	RateLimitBurst int
}

// VisionMode selects how the vision model is reached.
type VisionMode string

const (
	VisionModeLocal  VisionMode = "local"
	VisionModeRemote VisionMode = "remote"
	VisionModeMock   VisionMode = "mock"
)

// VisionConfig holds vision model configuration
type VisionConfig struct {
	Mode        VisionMode
	ModelID     string
	LabelPath   string
	Device      string
	CacheDir    string
	EndpointURL string
	Timeout     time.Duration
	AuthToken   string
}

// PipelineConfig holds annotation pipeline configuration
type PipelineConfig struct {
	MaxValidationAttempts int
	Workers               int
	EnableEnhancement     bool
	DefaultPrompt         string
	FallbackVocabPath     string
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Path:        getEnv("DATABASE_PATH", "./data/annotations.db"),
			BusyTimeout: getEnvAsDuration("DATABASE_BUSY_TIMEOUT", 30*time.Second),
		},
		Gemini: GeminiConfig{
			APIKey:         getEnv("GEMINI_API_KEY", ""),
			ValidatorModel: getEnv("GEMINI_VALIDATOR_MODEL", "gemini-2.0-flash-lite"),
			SummaryModel:   getEnv("GEMINI_SUMMARY_MODEL", "gemini-2.0-flash-lite"),
			EnhancerModel:  getEnv("GEMINI_ENHANCER_MODEL", "gemini-2.0-flash-lite"),
			ChatModel:      getEnv("GEMINI_CHAT_MODEL", "gemini-2.0-flash-lite"),
			Timeout:        getEnvAsDuration("GEMINI_TIMEOUT", 60*time.Second),
			RateLimitRPM:   getEnvAsInt("GEMINI_RATE_LIMIT_RPM", 60),
			RateLimitBurst: getEnvAsInt("GEMINI_RATE_LIMIT_BURST", 5),
		},
		Vision: VisionConfig{
			Mode:        VisionMode(getEnv("VISION_MODE", "local")),
			ModelID:     getEnv("VISION_MODEL_ID", "chestxray-classifier-v1"),
			LabelPath:   getEnv("VISION_LABEL_PATH", ""),
			Device:      getEnv("VISION_DEVICE", "auto"),
			CacheDir:    getEnv("VISION_CACHE_DIR", "./models"),
			EndpointURL: getEnv("VISION_ENDPOINT_URL", ""),
			Timeout:     getEnvAsDuration("VISION_TIMEOUT", 600*time.Second),
			AuthToken:   getEnv("VISION_AUTH_TOKEN", ""),
		},
		Pipeline: PipelineConfig{
			MaxValidationAttempts: getEnvAsInt("PIPELINE_MAX_VALIDATION_ATTEMPTS", 2),
			Workers:               getEnvAsInt("PIPELINE_WORKERS", 1),
			EnableEnhancement:     getEnvAsBool("PIPELINE_ENABLE_ENHANCEMENT", false),
			DefaultPrompt:         getEnv("PIPELINE_DEFAULT_PROMPT", ""),
			FallbackVocabPath:     getEnv("FALLBACK_VOCAB_PATH", ""),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "medannotator"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Vision.Mode {
	case VisionModeLocal, VisionModeRemote, VisionModeMock:
	default:
		return fmt.Errorf("invalid VISION_MODE %q", c.Vision.Mode)
	}
	if c.Vision.Mode == VisionModeRemote && c.Vision.EndpointURL == "" {
		return fmt.Errorf("VISION_ENDPOINT_URL is required in remote mode")
	}
	if c.Pipeline.MaxValidationAttempts < 1 {
		return fmt.Errorf("PIPELINE_MAX_VALIDATION_ATTEMPTS must be at least 1")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
