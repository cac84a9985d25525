package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string

	// Database
	DatabasePath string

	// Auth
	CronSecret string

	// Mailbox
	BuyerEmail       string
	DemoMode         bool
	DemoRecipient    string
	LookbackDaysDflt int

	// OpenAI
	OpenAIAPIKey   string
	LLMModel       string
	LLMTemperature float64
	LLMTimeoutSec  int
	LLMMaxRetries  int

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Poller
	PollBatchSize    int
	NextCheckEvery   time.Duration
	FollowupCooldown time.Duration

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabasePath: getEnv("DATABASE_PATH", "./data/ack.db"),

		// Auth
		CronSecret: getEnv("CRON_SECRET", ""),

		// Mailbox
		BuyerEmail:       getEnv("BUYER_EMAIL", ""),
		DemoMode:         getEnvBool("DEMO_MODE", false),
		DemoRecipient:    getEnv("DEMO_RECIPIENT", ""),
		LookbackDaysDflt: getEnvInt("LOOKBACK_DAYS_DEFAULT", 30),

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.0),
		LLMTimeoutSec:  getEnvInt("LLM_TIMEOUT_SEC", 60),
		LLMMaxRetries:  getEnvInt("LLM_MAX_RETRIES", 3),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		// Poller
		PollBatchSize:    getEnvInt("POLL_BATCH_SIZE", 25),
		NextCheckEvery:   time.Duration(getEnvInt("NEXT_CHECK_INTERVAL_MIN", 60)) * time.Minute,
		FollowupCooldown: time.Duration(getEnvInt("FOLLOWUP_COOLDOWN_HOURS", 24)) * time.Hour,

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
