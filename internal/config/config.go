package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Client side
	BackendURL     string
	Token          string
	TitleMaxRunes  int
	RequestTimeout time.Duration
	LogLevel       string

	// Reference backend
	DatabaseURL  string
	HTTPPort     string
	JWTSecret    string
	GeminiAPIKey string
	GeminiModel  string
}

// Load reads .env (if any) and the environment. Missing values fall back to
// defaults; use ValidateServer before starting the backend.
func Load() (Config, error) {
	// A missing .env is fine, everything can come from the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	cfg := Config{
		BackendURL:     getEnv("CHATSYNC_BACKEND_URL", "http://localhost:8080"),
		Token:          getEnv("CHATSYNC_TOKEN", ""),
		TitleMaxRunes:  getEnvAsInt("TITLE_MAX_RUNES", 30),
		RequestTimeout: time.Duration(getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 180)) * time.Second,
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),

		DatabaseURL:  getEnv("DATABASE_URL", "chatsync.db"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
	}
	if cfg.TitleMaxRunes <= 0 {
		return Config{}, errors.New("TITLE_MAX_RUNES must be positive")
	}
	return cfg, nil
}

func (c Config) ValidateServer() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	return nil
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
