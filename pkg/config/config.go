package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for all services
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upload   UploadConfig   `yaml:"upload"`
	Session  SessionConfig  `yaml:"session"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// UploadConfig holds the limits and timings of the upload core
type UploadConfig struct {
	ChunkSize            int64         `yaml:"chunk_size"`
	MinChunkSize         int64         `yaml:"min_chunk_size"`
	MaxChunkSize         int64         `yaml:"max_chunk_size"`
	MaxFileSize          int64         `yaml:"max_file_size"`
	MaxChunks            int           `yaml:"max_chunks"`
	Timeout              time.Duration `yaml:"timeout"`
	CompletedRetention   time.Duration `yaml:"completed_retention"`
	MaxConcurrentUploads int           `yaml:"max_concurrent_uploads"`
	TempLocation         string        `yaml:"temp_location"`
	FinalLocation        string        `yaml:"final_location"`
	FinalizeLease        time.Duration `yaml:"finalize_lease"`
	CleanupWorkers       int           `yaml:"cleanup_workers"`
	ReaperInterval       time.Duration `yaml:"reaper_interval"`
	ReaperOrphanScan     bool          `yaml:"reaper_orphan_scan"`
}

// SessionConfig selects the session store backend
type SessionConfig struct {
	Store            string `yaml:"store"` // memory, redis, postgres, sqlite, dynamodb
	SQLitePath       string `yaml:"sqlite_path"`
	DynamoDBTable    string `yaml:"dynamodb_table"`
	DynamoDBEndpoint string `yaml:"dynamodb_endpoint"`
	DynamoDBRegion   string `yaml:"dynamodb_region"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	Type      string            `yaml:"type"` // s3, gcs, local
	Bucket    string            `yaml:"bucket"`
	Region    string            `yaml:"region"`
	Endpoint  string            `yaml:"endpoint"`
	AccessKey string            `yaml:"access_key"`
	SecretKey string            `yaml:"secret_key"`
	LocalPath string            `yaml:"local_path"`
	Options   map[string]string `yaml:"options"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"` // empty disables bearer token checks
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 5*time.Minute),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Upload: UploadConfig{
			ChunkSize:            getEnvBytes("UPLOAD_CHUNK_SIZE", 5*units.MiB),
			MinChunkSize:         getEnvBytes("UPLOAD_MIN_CHUNK_SIZE", 1),
			MaxChunkSize:         getEnvBytes("UPLOAD_MAX_CHUNK_SIZE", 100*units.MiB),
			MaxFileSize:          getEnvBytes("UPLOAD_MAX_FILE_SIZE", 10*units.GiB),
			MaxChunks:            getEnvInt("UPLOAD_MAX_CHUNKS", 10000),
			Timeout:              getEnvDuration("UPLOAD_TIMEOUT", 24*time.Hour),
			CompletedRetention:   getEnvDuration("UPLOAD_COMPLETED_RETENTION", time.Hour),
			MaxConcurrentUploads: getEnvInt("UPLOAD_MAX_CONCURRENT", 64),
			TempLocation:         getEnv("UPLOAD_TEMP_LOCATION", "temp_chunks"),
			FinalLocation:        getEnv("UPLOAD_FINAL_LOCATION", "uploads"),
			FinalizeLease:        getEnvDuration("UPLOAD_FINALIZE_LEASE", 15*time.Minute),
			CleanupWorkers:       getEnvInt("UPLOAD_CLEANUP_WORKERS", 4),
			ReaperInterval:       getEnvDuration("UPLOAD_REAPER_INTERVAL", 5*time.Minute),
			ReaperOrphanScan:     getEnvBool("UPLOAD_REAPER_ORPHAN_SCAN", true),
		},
		Session: SessionConfig{
			Store:            getEnv("SESSION_STORE", "memory"),
			SQLitePath:       getEnv("SESSION_SQLITE_PATH", "freight.db"),
			DynamoDBTable:    getEnv("SESSION_DYNAMODB_TABLE", "upload_sessions"),
			DynamoDBEndpoint: getEnv("SESSION_DYNAMODB_ENDPOINT", ""),
			DynamoDBRegion:   getEnv("SESSION_DYNAMODB_REGION", getEnv("STORAGE_REGION", "us-east-1")),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "freight"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "freight"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Type:      getEnv("STORAGE_TYPE", "local"),
			Bucket:    getEnv("STORAGE_BUCKET", "freight-uploads"),
			Region:    getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:  getEnv("STORAGE_ENDPOINT", ""),
			AccessKey: getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey: getEnv("STORAGE_SECRET_KEY", ""),
			LocalPath: getEnv("STORAGE_LOCAL_PATH", "./data"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Validate checks the upload limits for consistency
func (u *UploadConfig) Validate() error {
	if u.MinChunkSize <= 0 {
		return fmt.Errorf("min chunk size must be positive, got %d", u.MinChunkSize)
	}
	if u.MaxChunkSize < u.MinChunkSize {
		return fmt.Errorf("max chunk size %d is below min chunk size %d", u.MaxChunkSize, u.MinChunkSize)
	}
	if u.ChunkSize < u.MinChunkSize || u.ChunkSize > u.MaxChunkSize {
		return fmt.Errorf("default chunk size %d outside [%d, %d]", u.ChunkSize, u.MinChunkSize, u.MaxChunkSize)
	}
	if u.MaxFileSize < 0 {
		return fmt.Errorf("max file size must not be negative")
	}
	if u.MaxChunks <= 0 {
		return fmt.Errorf("max chunks must be positive, got %d", u.MaxChunks)
	}
	// a file of the maximum size must fit at the default chunk size
	if chunks := (u.MaxFileSize + u.ChunkSize - 1) / u.ChunkSize; chunks > int64(u.MaxChunks) {
		return fmt.Errorf("max file size %d needs %d chunks at the default chunk size, limit is %d",
			u.MaxFileSize, chunks, u.MaxChunks)
	}
	if u.Timeout <= 0 {
		return fmt.Errorf("upload timeout must be positive")
	}
	if u.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("max concurrent uploads must be positive")
	}
	if u.TempLocation == "" || u.FinalLocation == "" {
		return fmt.Errorf("temp and final storage locations are required")
	}
	if u.TempLocation == u.FinalLocation {
		return fmt.Errorf("temp and final storage locations must differ")
	}
	return nil
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SetupLogging configures the global zerolog logger
func (l *LoggingConfig) SetupLogging() {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if l.Format == "text" || l.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// Helper functions for environment variable parsing
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "24h") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getEnvBytes accepts plain byte counts or human sizes ("5MB", "10GiB"), binary units
func getEnvBytes(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := units.RAMInBytes(value); err == nil {
			return n
		}
	}
	return defaultValue
}
