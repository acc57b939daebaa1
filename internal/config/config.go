// internal/config/config.go

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"areareport/internal/domain/geo"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

var containerNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds all application configuration
type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	NATS        NATSConfig
	Messages    MessagesConfig
	Logging     LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	CorsOrigins     []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	MaxConns    int
	MinConns    int
	MaxLifetime time.Duration
	SSLMode     string
}

// ConnString returns the connection string for pgxpool
func (c DatabaseConfig) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisConfig holds record cache configuration. An empty URL disables the cache.
type RedisConfig struct {
	URL      string
	CacheTTL time.Duration
}

// NATSConfig holds NATS configuration. An empty URL disables region events.
type NATSConfig struct {
	URL            string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	EventsTopic    string
}

// MessagesConfig holds message storage configuration
type MessagesConfig struct {
	StoreDriver            string
	ContainerName          string
	MaxDataAgeToReturnDays int
	DefaultPrecision       int
	MaxRegionsPerArea      int
	MaxRequestIDs          int
	MaxAreasPerReport      int
	MaxRegionsPerReport    int
	PageSize               int
	MaxConcurrentBatches   int
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// Load loads configuration from environment variables, reading a .env file
// first when one is present
func Load() (Config, error) {
	_ = godotenv.Load()

	environment := getEnv("APP_ENV", "development")

	config := Config{
		Environment: environment,
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CorsOrigins:     getEnvAsSlice("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvAsInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", "postgres"),
			Database:    getEnv("DB_NAME", "areareport"),
			MaxConns:    getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:    getEnvAsInt("DB_MIN_CONNS", 2),
			MaxLifetime: getEnvAsDuration("DB_MAX_LIFETIME", 5*time.Minute),
			SSLMode:     getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			CacheTTL: getEnvAsDuration("REDIS_CACHE_TTL", time.Hour),
		},
		NATS: NATSConfig{
			URL:            getEnv("NATS_URL", ""),
			MaxReconnects:  getEnvAsInt("NATS_MAX_RECONNECTS", 10),
			ReconnectWait:  getEnvAsDuration("NATS_RECONNECT_WAIT", 1*time.Second),
			ConnectTimeout: getEnvAsDuration("NATS_CONNECT_TIMEOUT", 2*time.Second),
			EventsTopic:    getEnv("NATS_EVENTS_TOPIC", "areareport.region"),
		},
		Messages: MessagesConfig{
			StoreDriver:            getEnv("MESSAGES_STORE_DRIVER", StoreDriverPostgres),
			ContainerName:          getEnv("MESSAGES_CONTAINER_NAME", "message_containers"),
			MaxDataAgeToReturnDays: getEnvAsInt("MESSAGES_MAX_DATA_AGE_DAYS", 14),
			DefaultPrecision:       getEnvAsInt("MESSAGES_DEFAULT_PRECISION", geo.DefaultPrecision),
			MaxRegionsPerArea:      getEnvAsInt("MESSAGES_MAX_REGIONS_PER_AREA", 64),
			MaxRequestIDs:          getEnvAsInt("MESSAGES_MAX_REQUEST_IDS", 100),
			MaxAreasPerReport:      getEnvAsInt("MESSAGES_MAX_AREAS_PER_REPORT", 16),
			MaxRegionsPerReport:    getEnvAsInt("MESSAGES_MAX_REGIONS_PER_REPORT", 256),
			PageSize:               getEnvAsInt("MESSAGES_PAGE_SIZE", 100),
			MaxConcurrentBatches:   getEnvAsInt("MESSAGES_MAX_CONCURRENT_BATCHES", 16),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvAsBool("LOG_PRETTY", environment == "development"),
		},
	}

	return config, validate(config)
}

// IsDevelopment reports whether the service runs in development mode
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// validate checks if config is valid
func validate(config Config) error {
	if config.Messages.MaxDataAgeToReturnDays <= 0 {
		return fmt.Errorf("max data age must be positive, got %d", config.Messages.MaxDataAgeToReturnDays)
	}

	if p := config.Messages.DefaultPrecision; p < geo.MinPrecision || p > geo.MaxPrecision {
		return fmt.Errorf("default precision must be between %d and %d, got %d", geo.MinPrecision, geo.MaxPrecision, p)
	}

	if config.Messages.MaxRegionsPerArea <= 0 {
		return fmt.Errorf("max regions per area must be positive, got %d", config.Messages.MaxRegionsPerArea)
	}

	if config.Messages.MaxAreasPerReport <= 0 {
		return fmt.Errorf("max areas per report must be positive, got %d", config.Messages.MaxAreasPerReport)
	}

	if config.Messages.MaxRegionsPerReport < config.Messages.MaxRegionsPerArea {
		return fmt.Errorf("max regions per report (%d) must be at least max regions per area (%d)",
			config.Messages.MaxRegionsPerReport, config.Messages.MaxRegionsPerArea)
	}

	switch config.Messages.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", config.Messages.StoreDriver)
	}

	if !containerNamePattern.MatchString(config.Messages.ContainerName) {
		return fmt.Errorf("invalid container name %q", config.Messages.ContainerName)
	}

	if config.Messages.StoreDriver == StoreDriverMemory && config.Environment == "production" {
		return fmt.Errorf("memory store driver is not allowed in production")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
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

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
