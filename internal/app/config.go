package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreFile  = "file"
	StoreMongo = "mongo"
	StoreRedis = "redis"
)

type Config struct {
	HTTPAddr       string
	LogLevel       string
	LogFormat      string
	TorrentDataDir string

	ResumeDir         string
	ResumeStore       string // file | mongo | redis
	SaveInterval      time.Duration
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	LoadRate          float64 // adds per second; 0 = unlimited
	WriteQueue        int
	EventBuffer       int

	MongoURI              string
	MongoDatabase         string
	MongoResumeCollection string
	RedisURL              string
	RedisPrefix           string

	HTTPRateLimit float64 // requests per second; 0 = disabled
	HTTPRateBurst int

	OTLPEndpoint    string
	TraceSampleRate float64
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),
		TorrentDataDir: getEnv("TORRENT_DATA_DIR", "data"),

		ResumeDir:         getEnv("RESUME_DIR", "resume"),
		ResumeStore:       strings.ToLower(strings.TrimSpace(getEnv("RESUME_STORE", StoreFile))),
		SaveInterval:      getEnvSeconds("RESUME_SAVE_INTERVAL_SECONDS", 300*time.Second),
		HeartbeatInterval: getEnvSeconds("RESUME_HEARTBEAT_SECONDS", 5*time.Second),
		DrainTimeout:      getEnvSeconds("RESUME_DRAIN_TIMEOUT_SECONDS", 10*time.Second),
		LoadRate:          getEnvFloat64("RESUME_LOAD_RATE", 20),
		WriteQueue:        int(getEnvInt64("RESUME_WRITE_QUEUE", 256)),
		EventBuffer:       int(getEnvInt64("EVENT_BUFFER", 1024)),

		MongoURI:              getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:         getEnv("MONGO_DB", "torrentresume"),
		MongoResumeCollection: getEnv("MONGO_RESUME_COLLECTION", "resume_data"),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPrefix:           getEnv("REDIS_RESUME_PREFIX", "tresume:"),

		HTTPRateLimit: getEnvFloat64("HTTP_RATE_LIMIT", 50),
		HTTPRateBurst: int(getEnvInt64("HTTP_RATE_BURST", 100)),

		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRate: getEnvFloat64("OTEL_TRACE_SAMPLE_RATE", 0.1),
	}
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	switch c.ResumeStore {
	case StoreFile:
		if strings.TrimSpace(c.ResumeDir) == "" {
			return fmt.Errorf("RESUME_DIR is required for the %s store", StoreFile)
		}
	case StoreMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return fmt.Errorf("MONGO_URI is required for the %s store", StoreMongo)
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required for the %s store", StoreRedis)
		}
	default:
		return fmt.Errorf("unknown RESUME_STORE %q (want %s, %s or %s)", c.ResumeStore, StoreFile, StoreMongo, StoreRedis)
	}
	if c.SaveInterval <= 0 {
		return fmt.Errorf("RESUME_SAVE_INTERVAL_SECONDS must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat64(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	secs := getEnvInt64(key, -1)
	if secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
