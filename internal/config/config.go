package config

import (
	"os"
	"strconv"
)

type Config struct {
	ServerPort string
	LogLevel   string

	// Polar 账单/计量服务
	PolarAccessToken string
	PolarServerEnv   string // production | sandbox
	PolarBaseURL     string // 留空则根据 PolarServerEnv 推导
	UsageMeterID     string
	MeterEventName   string
	SuccessURL       string
	CreditsProductID string
	AppRedirectURL   string

	// 上游模型后端
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	CORSAllowedOrigins string
	RateLimitRPS       float64
	JournalDBPath      string
}

var cfg *Config

func Load() *Config {
	cfg = &Config{
		ServerPort: getEnv("SERVER_PORT", "8787"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		PolarAccessToken: getEnv("POLAR_ACCESS_TOKEN", ""),
		PolarServerEnv:   getEnv("POLAR_SERVER_ENVIRONMENT", "sandbox"),
		PolarBaseURL:     getEnv("POLAR_BASE_URL", ""),
		UsageMeterID:     getEnv("POLAR_USAGE_METER_ID", ""),
		MeterEventName:   getEnv("POLAR_METER_EVENT_NAME", "openai-usage"),
		SuccessURL:       getEnv("POLAR_SUCCESS_URL", ""),
		CreditsProductID: getEnv("POLAR_CREDITS_PRODUCT_ID", ""),
		AppRedirectURL:   getEnv("APP_REDIRECT_URL", "exp://127.0.0.1:8081"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 10),
		JournalDBPath:      getEnv("JOURNAL_DB_PATH", "./data/journal.db"),
	}
	return cfg
}

func Get() *Config {
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
