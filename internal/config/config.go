package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends for the world server.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Config holds all configuration for the world server
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	World    WorldConfig
	Logging  LoggingConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	Environment    string
	AllowedOrigins []string
}

// DatabaseConfig holds storage configuration
type DatabaseConfig struct {
	Backend         string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SQLitePath      string
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	SessionSecret   string
	TokenExpiration time.Duration
	// RequireToken rejects edit submissions without a bearer token.
	RequireToken bool
}

// WorldConfig holds level and fan-out settings
type WorldConfig struct {
	LevelsPath       string
	SendBuffer       int
	MaxDrawDistance  int
	SubmitRateLimit  string
	ProfilingEnabled bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	OutputPath string
}

// ClientConfig holds configuration for the headless client
type ClientConfig struct {
	ServerURL      string
	Level          string
	DataDir        string
	DrawDistance   int
	Debounce       time.Duration
	MaxBatchSize   int
	RequestTimeout time.Duration
	Logging        LoggingConfig
}

// Load reads server configuration from environment variables and .env file
func Load() (*Config, error) {
	loadDotEnv()

	config := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:    getEnv("ENVIRONMENT", "development"),
			AllowedOrigins: getListEnv("ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Backend:         getEnv("STORAGE_BACKEND", BackendPostgres),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getIntEnv("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "blockhaven_dev"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConnections:  getIntEnv("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			SQLitePath:      getEnv("SQLITE_PATH", "data/world.db"),
		},
		Auth: AuthConfig{
			SessionSecret:   getEnv("SESSION_SECRET", ""),
			TokenExpiration: getDurationEnv("SESSION_TOKEN_EXPIRATION", 12*time.Hour),
			RequireToken:    getBoolEnv("REQUIRE_SESSION_TOKEN", true),
		},
		World: WorldConfig{
			LevelsPath:       getEnv("LEVELS_CONFIG", ""),
			SendBuffer:       getIntEnv("SESSION_SEND_BUFFER", 256),
			MaxDrawDistance:  getIntEnv("MAX_DRAW_DISTANCE", 32),
			SubmitRateLimit:  getEnv("SUBMIT_RATE_LIMIT", "20-S"),
			ProfilingEnabled: getBoolEnv("PROFILING_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			OutputPath: getEnv("LOG_OUTPUT_PATH", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// LoadClient reads headless client configuration
func LoadClient() (*ClientConfig, error) {
	loadDotEnv()

	config := &ClientConfig{
		ServerURL:      getEnv("WORLD_SERVER_URL", "http://127.0.0.1:8080"),
		Level:          getEnv("WORLD_LEVEL", "meadow"),
		DataDir:        getEnv("CLIENT_DATA_DIR", "data/client"),
		DrawDistance:   getIntEnv("DRAW_DISTANCE", 3),
		Debounce:       getDurationEnv("EDIT_DEBOUNCE", time.Second),
		MaxBatchSize:   getIntEnv("EDIT_MAX_BATCH", 100),
		RequestTimeout: getDurationEnv("CLIENT_REQUEST_TIMEOUT", 10*time.Second),
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			OutputPath: getEnv("LOG_OUTPUT_PATH", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// Validate checks that all required configuration values are set
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case BackendPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres backend")
		}
	case BackendSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Database.Backend)
	}
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if c.World.SendBuffer <= 0 {
		return fmt.Errorf("SESSION_SEND_BUFFER must be positive")
	}
	if c.World.MaxDrawDistance < 1 {
		return fmt.Errorf("MAX_DRAW_DISTANCE must be at least 1")
	}
	return nil
}

// Validate checks the client settings
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("WORLD_SERVER_URL is required")
	}
	if c.Level == "" {
		return fmt.Errorf("WORLD_LEVEL is required")
	}
	if c.DrawDistance < 1 {
		return fmt.Errorf("DRAW_DISTANCE must be at least 1")
	}
	if c.MaxBatchSize < 1 || c.MaxBatchSize > 100 {
		return fmt.Errorf("EDIT_MAX_BATCH must be between 1 and 100")
	}
	return nil
}

// DatabaseURL returns a PostgreSQL connection string
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// Addr returns the listen address
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// IsDevelopment returns true if running in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found (this is OK if using environment variables): %v", err)
	}
}

// Helper functions for environment variable access

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid integer value for %s: %s, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return intValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: invalid boolean value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return b
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid duration value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return duration
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
