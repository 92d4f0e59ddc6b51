// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/flowboard/flowboard/internal/slogging"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	Interface    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration. Driver is "postgres" for
// deployments or "sqlite" for local development and tests.
type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SSLMode    string
	SQLitePath string
}

// RedisConfig holds the optional redis fan-out configuration. When Enabled
// is false the server broadcasts within the process only.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds bearer-token identity configuration. Identity is
// optional everywhere; the secret is only used to verify tokens that
// clients choose to present.
type AuthConfig struct {
	JWTSecret string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            slogging.LogLevel
	IsDev            bool
	LogDir           string
	MaxAgeDays       int
	MaxSizeMB        int
	MaxBackups       int
	AlsoLogToConsole bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() Config {
	logLevelStr := getEnv("LOG_LEVEL", "info")

	return Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Interface:    getEnv("SERVER_INTERFACE", "0.0.0.0"),
			ReadTimeout:  parseDuration(getEnv("SERVER_READ_TIMEOUT", "5s"), 5*time.Second),
			WriteTimeout: parseDuration(getEnv("SERVER_WRITE_TIMEOUT", "10s"), 10*time.Second),
			IdleTimeout:  parseDuration(getEnv("SERVER_IDLE_TIMEOUT", "60s"), 60*time.Second),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "flowboard"),
			Password:   getEnv("DB_PASSWORD", ""),
			Name:       getEnv("DB_NAME", "flowboard"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "flowboard.db"),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       parseInt(getEnv("REDIS_DB", "0"), 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:            slogging.ParseLogLevel(logLevelStr),
			IsDev:            getEnv("ENV", "development") != "production",
			LogDir:           getEnv("LOG_DIR", "logs"),
			MaxAgeDays:       parseInt(getEnv("LOG_MAX_AGE_DAYS", "7"), 7),
			MaxSizeMB:        parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
			MaxBackups:       parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
			AlsoLogToConsole: getEnv("LOG_TO_CONSOLE", "true") == "true",
		},
	}
}

// PostgresDSN renders the database configuration as a GORM postgres DSN.
func (d DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return s.Interface + ":" + s.Port
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	duration, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return duration
}

func parseInt(val string, fallback int) int {
	if i, err := strconv.Atoi(val); err == nil {
		return i
	}
	return fallback
}
