package config

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port        string
	Environment string

	// Database
	DatabaseURL string

	// Device link
	DeviceURL            string // static fallback when the store lookup fails
	DeviceTimezone       string // canonical timezone for all schedule evaluation
	ConnectTimeoutSec    int
	KeepaliveIntervalSec int
	HealthIntervalSec    int
	URLRefreshSec        int

	// Dispense
	DeclineRetrySec int // delay before a declined confirmation is re-prompted
	TimeWindowMin   int // +/- window around "now" for dispensing without a prompt
	DedupRetainSec  int // how long evaluator dedup keys are held

	// Ownership
	OwnerLivenessSec int // caregiver relationship re-check interval

	// Firebase (caregiver push)
	FirebaseCredentialsPath string

	// Email fallback
	EnableEmailFallback bool
	SMTPHost            string
	SMTPPort            int
	SMTPUsername        string
	SMTPPassword        string
	SMTPFromName        string
	SMTPFromEmail       string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️  Info: .env file not found or unreadable. Reading system environment variables.")
	}

	return &Config{
		// Server
		Port:        getEnvWithDefault("PORT", "8080"),
		Environment: getEnvWithDefault("ENVIRONMENT", "development"),

		// Database
		DatabaseURL: os.Getenv("DATABASE_URL"),

		// Device link
		DeviceURL:            getEnvWithDefault("DEVICE_WEBSOCKET_URL", "ws://192.168.1.45:8765"),
		DeviceTimezone:       getEnvWithDefault("DEVICE_TIMEZONE", "Asia/Manila"),
		ConnectTimeoutSec:    getEnvInt("DEVICE_CONNECT_TIMEOUT", 5),
		KeepaliveIntervalSec: getEnvInt("DEVICE_KEEPALIVE_INTERVAL", 10),
		HealthIntervalSec:    getEnvInt("DEVICE_HEALTH_INTERVAL", 5),
		URLRefreshSec:        getEnvInt("DEVICE_URL_REFRESH_INTERVAL", 60),

		// Dispense
		DeclineRetrySec: getEnvInt("DECLINE_RETRY_SECONDS", 60),
		TimeWindowMin:   getEnvInt("DISPENSE_TIME_WINDOW_MINUTES", 30),
		DedupRetainSec:  getEnvInt("SCHEDULE_DEDUP_SECONDS", 120),

		// Ownership
		OwnerLivenessSec: getEnvInt("OWNER_LIVENESS_SECONDS", 30),

		// Firebase
		FirebaseCredentialsPath: os.Getenv("FIREBASE_CREDENTIALS_PATH"),

		// SMTP
		EnableEmailFallback: getEnvBool("ENABLE_EMAIL_FALLBACK", false),
		SMTPHost:            getEnvWithDefault("SMTP_HOST", "smtp.gmail.com"),
		SMTPPort:            getEnvInt("SMTP_PORT", 587),
		SMTPUsername:        os.Getenv("SMTP_USERNAME"),
		SMTPPassword:        os.Getenv("SMTP_PASSWORD"),
		SMTPFromName:        getEnvWithDefault("SMTP_FROM_NAME", "PillPal"),
		SMTPFromEmail:       getEnvWithDefault("SMTP_FROM_EMAIL", "alerts@pillpal.app"),
	}, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// Validate checks that all required settings are present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.DeviceURL == "" {
		return fmt.Errorf("DEVICE_WEBSOCKET_URL is required")
	}

	if c.EnableEmailFallback && (c.SMTPUsername == "" || c.SMTPPassword == "") {
		log.Println("⚠️  Email fallback enabled but SMTP credentials not configured")
	}

	return nil
}
