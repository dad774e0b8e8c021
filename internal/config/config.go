package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AlertConfig holds settings for the alert engine and its scheduler.
type AlertConfig struct {
	Enabled           bool
	Schedule          string        // Cron expression or descriptor (e.g. "@every 5m")
	RunTimeout        time.Duration // Timeout for one complete run
	WorkerConcurrency int           // Subscriptions processed at once
}

// SMSConfig holds settings for the SMS gateway.
type SMSConfig struct {
	Enabled       bool
	GatewayURL    string
	APIKey        string
	SenderID      string
	MaxLength     int
	RatePerSecond float64
	Timeout       time.Duration
}

// SMTPConfig holds settings for outgoing email.
type SMTPConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	From     string
	Timeout  time.Duration
}

// DevJWTSecret is the signing secret used when JWT_SECRET is unset.
const DevJWTSecret = "dev-secret-change-in-production"

type Config struct {
	// Server
	Port     string
	Env      string // "development", "production"
	LogLevel string

	// Database
	DatabaseURL       string
	DBConnectAttempts int

	// Auth
	JWTSecret string

	// CORS
	AllowedOrigins []string

	// Prices
	DefaultCurrency string

	Alerts AlertConfig
	SMS    SMSConfig
	SMTP   SMTPConfig
}

func Load() *Config {
	return &Config{
		// Server
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: os.Getenv("LOG_LEVEL"),

		// Database
		DatabaseURL:       getEnv("DATABASE_URL", "postgres://localhost:5432/cropalert?sslmode=disable"),
		DBConnectAttempts: getIntEnv("DB_CONNECT_ATTEMPTS", 5),

		// Auth
		JWTSecret: getEnv("JWT_SECRET", DevJWTSecret),

		// CORS
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		DefaultCurrency: strings.ToUpper(getEnv("DEFAULT_CURRENCY", "LKR")),

		Alerts: AlertConfig{
			Enabled:           getBoolEnv("ALERTS_ENABLED", true),
			Schedule:          getEnv("ALERT_SCHEDULE", "@every 5m"),
			RunTimeout:        getDurationEnv("ALERT_RUN_TIMEOUT", 4*time.Minute),
			WorkerConcurrency: getIntEnv("ALERT_WORKER_CONCURRENCY", 20),
		},

		SMS: SMSConfig{
			Enabled:       getBoolEnv("SMS_ENABLED", false),
			GatewayURL:    os.Getenv("SMS_GATEWAY_URL"),
			APIKey:        os.Getenv("SMS_API_KEY"),
			SenderID:      getEnv("SMS_SENDER_ID", "CropAlert"),
			MaxLength:     getIntEnv("SMS_MAX_LENGTH", 160),
			RatePerSecond: getFloatEnv("SMS_RATE_PER_SECOND", 5),
			Timeout:       getDurationEnv("SMS_TIMEOUT", 10*time.Second),
		},

		SMTP: SMTPConfig{
			Enabled:  getBoolEnv("SMTP_ENABLED", false),
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getIntEnv("SMTP_PORT", 587),
			User:     os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", "alerts@cropalert.local"),
			Timeout:  getDurationEnv("SMTP_TIMEOUT", 15*time.Second),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
