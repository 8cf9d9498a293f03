package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/digimarket/reservation-core/internal/models"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig

	// Booking rules and maintenance jobs
	Booking BookingConfig

	// Messaging configuration
	Chat ChatConfig

	// OpenTelemetry configuration
	Telemetry TelemetryConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver             string // postgres, pgx, sqlite
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	RetryAttempts      int           // attempts per transaction on transient failures
	RetryInitialDelay  time.Duration // first backoff interval
	AutoMigrate        bool
}

// JWTConfig holds JWT-related configuration.
// Tokens are issued by the identity service; this service only verifies them.
type JWTConfig struct {
	Secret string
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// BookingConfig holds reservation policy and background job settings
type BookingConfig struct {
	RentalPolicy          models.RentalPolicy
	PendingTTL            time.Duration // 0 disables expiry of stale Pending bookings
	ExpirySchedule        string        // cron spec with seconds
	StatusRefreshSchedule string        // cron spec with seconds
}

// ChatConfig holds messaging configuration
type ChatConfig struct {
	StatusMessages   bool // append a system message to the booking thread on status changes
	MaxMessageLength int  // in runes
	RateLimit        int  // messages per window per sender, 0 disables
	RateWindow       time.Duration
	EncryptionSecret string // empty stores message bodies in clear text
	// PreviousSecrets still decrypt bodies written before a key rotation
	PreviousSecrets []string
}

// TelemetryConfig holds OpenTelemetry exporter settings
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Driver:             strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
			RetryAttempts:      getEnvAsInt("DATABASE_RETRY_ATTEMPTS", 4),
			RetryInitialDelay:  getEnvAsDuration("DATABASE_RETRY_INITIAL_DELAY", 50*time.Millisecond),
			AutoMigrate:        getEnvAsBool("DATABASE_AUTO_MIGRATE", true),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PATCH", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Booking: BookingConfig{
			RentalPolicy:          models.RentalPolicy(strings.ToLower(getEnv("RENTAL_POLICY", string(models.RentalPolicyInterval)))),
			PendingTTL:            getEnvAsDuration("PENDING_BOOKING_TTL", 0),
			ExpirySchedule:        getEnv("EXPIRY_SCHEDULE", "0 */5 * * * *"),
			StatusRefreshSchedule: getEnv("STATUS_REFRESH_SCHEDULE", "0 5 0 * * *"),
		},
		Chat: ChatConfig{
			StatusMessages:   getEnvAsBool("CHAT_STATUS_MESSAGES", true),
			MaxMessageLength: getEnvAsInt("MESSAGE_MAX_LENGTH", 5000),
			RateLimit:        getEnvAsInt("MESSAGE_RATE_LIMIT", 30),
			RateWindow:       getEnvAsDuration("MESSAGE_RATE_WINDOW", time.Minute),
			EncryptionSecret: getEnv("MESSAGE_ENCRYPTION_SECRET", ""),
			PreviousSecrets:  getEnvAsSlice("MESSAGE_ENCRYPTION_PREVIOUS_SECRETS", nil),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getEnvAsBool("OTEL_ENABLED", false),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			ServiceName:  getEnv("SERVICE_NAME", "reservation-core"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "pgx", "sqlite":
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER: %s (must be 'postgres', 'pgx' or 'sqlite')", c.Database.Driver)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Database.RetryAttempts < 1 {
		return fmt.Errorf("DATABASE_RETRY_ATTEMPTS must be at least 1")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if _, ok := models.ParseRentalPolicy(string(c.Booking.RentalPolicy)); !ok {
		return fmt.Errorf("invalid RENTAL_POLICY: %s (must be 'interval' or 'exclusive')", c.Booking.RentalPolicy)
	}

	if c.Booking.PendingTTL < 0 {
		return fmt.Errorf("PENDING_BOOKING_TTL must not be negative")
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Booking.ExpirySchedule); err != nil {
		return fmt.Errorf("invalid EXPIRY_SCHEDULE: %w", err)
	}
	if _, err := parser.Parse(c.Booking.StatusRefreshSchedule); err != nil {
		return fmt.Errorf("invalid STATUS_REFRESH_SCHEDULE: %w", err)
	}

	if c.Chat.MaxMessageLength < 1 {
		return fmt.Errorf("MESSAGE_MAX_LENGTH must be at least 1")
	}

	if c.Chat.RateLimit > 0 && c.Chat.RateWindow <= 0 {
		return fmt.Errorf("MESSAGE_RATE_WINDOW must be positive when MESSAGE_RATE_LIMIT is set")
	}

	if len(c.Chat.PreviousSecrets) > 0 && c.Chat.EncryptionSecret == "" {
		return fmt.Errorf("MESSAGE_ENCRYPTION_SECRET is required when previous secrets are set")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is true")
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("15m", "48h") or a bare number of seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
