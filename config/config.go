package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"audioingest/apperr"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	// Relational store. DBDriver is "mysql" or "sqlite".
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string
	DBLogLevel string

	// Redis backs the transcode job queue.
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	QueueBackend  string // "redis" or "memory"
	QueueName     string

	// Object storage. StorageProvider is "s3", "gcs" or "azure".
	StorageProvider     string
	UploadURLExpiry     time.Duration
	DownloadURLExpiry   time.Duration
	VerifyUploadOnClose bool

	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	GCSBucket          string
	GCSCredentialsFile string

	AzureAccountName string
	AzureAccountKey  string
	AzureContainer   string
	AzureEndpoint    string // optional, e.g. an Azurite URL

	JWTSecret string

	// Transcode worker
	WorkerConcurrency   int
	WorkerMaxAttempts   int
	WorkerJobTimeout    time.Duration
	WorkerBackoffBase   time.Duration
	WorkerBackoffMax    time.Duration
	WorkerDequeueWait   time.Duration
	FFmpegPath          string
	AudioBitrate        string
	WaveformBuckets     int
	TranscodedKeyPrefix string

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "10m") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() does not override variables that are already set.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env.
func FromEnv() *Config {
	return &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		DBDriver:   strings.ToLower(getEnv("DB_DRIVER", "mysql")),
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "audioingest"),
		SQLitePath: getEnv("SQLITE_PATH", "audioingest.db"),
		DBLogLevel: getEnv("DB_LOG_LEVEL", "warn"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		QueueBackend:  strings.ToLower(getEnv("QUEUE_BACKEND", "redis")),
		QueueName:     getEnv("QUEUE_NAME", "transcode"),

		StorageProvider:     strings.ToLower(getEnv("STORAGE_PROVIDER", "s3")),
		UploadURLExpiry:     getEnvDuration("UPLOAD_URL_EXPIRY", time.Hour),
		DownloadURLExpiry:   getEnvDuration("DOWNLOAD_URL_EXPIRY", time.Hour),
		VerifyUploadOnClose: getEnvBool("INGEST_VERIFY_UPLOAD", false),

		S3Endpoint:  getEnv("S3_ENDPOINT", "s3.amazonaws.com"),
		S3Region:    getEnv("S3_REGION", getEnv("AWS_REGION", "us-east-1")),
		S3AccessKey: getEnv("S3_ACCESS_KEY", os.Getenv("AWS_ACCESS_KEY_ID")),
		S3SecretKey: getEnv("S3_SECRET_KEY", os.Getenv("AWS_SECRET_ACCESS_KEY")),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3UseSSL:    getEnvBool("S3_USE_SSL", true),

		GCSBucket:          os.Getenv("GCS_BUCKET"),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),

		AzureAccountName: os.Getenv("AZURE_ACCOUNT_NAME"),
		AzureAccountKey:  os.Getenv("AZURE_ACCOUNT_KEY"),
		AzureContainer:   os.Getenv("AZURE_CONTAINER"),
		AzureEndpoint:    os.Getenv("AZURE_BLOB_ENDPOINT"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerMaxAttempts:   getEnvInt("WORKER_MAX_ATTEMPTS", 5),
		WorkerJobTimeout:    getEnvDuration("WORKER_JOB_TIMEOUT", 10*time.Minute),
		WorkerBackoffBase:   getEnvDuration("WORKER_BACKOFF_BASE", 2*time.Second),
		WorkerBackoffMax:    getEnvDuration("WORKER_BACKOFF_MAX", 5*time.Minute),
		WorkerDequeueWait:   getEnvDuration("WORKER_DEQUEUE_WAIT", 5*time.Second),
		FFmpegPath:          getEnv("FFMPEG_PATH", "ffmpeg"),
		AudioBitrate:        getEnv("AUDIO_BITRATE", "192k"),
		WaveformBuckets:     getEnvInt("WAVEFORM_BUCKETS", 800),
		TranscodedKeyPrefix: getEnv("TRANSCODED_KEY_PREFIX", "transcoded"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
	}
}

// Validate checks the settings every process needs regardless of role.
// Provider credentials are checked by the storage package when the adapter is built.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required: %w", apperr.ErrConfiguration)
	}
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q: %w", c.DBDriver, apperr.ErrConfiguration)
	}
	switch c.QueueBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q: %w", c.QueueBackend, apperr.ErrConfiguration)
	}
	if c.WorkerMaxAttempts < 1 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be at least 1: %w", apperr.ErrConfiguration)
	}
	return nil
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
