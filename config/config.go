package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Broker   BrokerConfig
	Outbound OutboundConfig
	Upload   UploadConfig
	Redis    RedisConfig
	Status   StatusConfig
	Log      LogConfig
}

type BrokerConfig struct {
	URL                  string
	Host                 string
	ConnectTimeout       time.Duration
	HeartbeatOut         time.Duration
	HeartbeatIn          time.Duration
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int
	SubscribeReplayDelay time.Duration
}

type OutboundConfig struct {
	DedupWindow   time.Duration
	ReplayDelay   time.Duration
	RetryAttempts int
	RetryBase     time.Duration
}

type UploadConfig struct {
	ChunkSize            int
	MaxFileSize          int64
	IDTimeout            time.Duration
	CompletionPerMB      time.Duration
	MinCompletionTimeout time.Duration
	InterChunkDelay      time.Duration
	Destination          string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type StatusConfig struct {
	Addr string
}

type LogConfig struct {
	Level string
	Env   string
}

const (
	minChunkSize = 4 * 1024
	maxChunkSize = 64 * 1024
)

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		Broker: BrokerConfig{
			URL:                  getEnv("BROKER_URL", "ws://localhost:8080/ws"),
			Host:                 getEnv("BROKER_HOST", "/"),
			ConnectTimeout:       getSeconds("BROKER_CONNECT_TIMEOUT_SEC", 12),
			HeartbeatOut:         getMillis("BROKER_HEARTBEAT_OUT_MS", 10000),
			HeartbeatIn:          getMillis("BROKER_HEARTBEAT_IN_MS", 10000),
			ReconnectBase:        getMillis("BROKER_RECONNECT_BASE_MS", 1000),
			ReconnectMaxAttempts: getInt("BROKER_RECONNECT_MAX_ATTEMPTS", 5),
			SubscribeReplayDelay: getMillis("BROKER_SUBSCRIBE_REPLAY_DELAY_MS", 50),
		},
		Outbound: OutboundConfig{
			DedupWindow:   getMillis("OUTBOUND_DEDUP_WINDOW_MS", 1000),
			ReplayDelay:   getMillis("OUTBOUND_REPLAY_DELAY_MS", 50),
			RetryAttempts: getInt("OUTBOUND_RETRY_ATTEMPTS", 3),
			RetryBase:     getMillis("OUTBOUND_RETRY_BASE_MS", 200),
		},
		Upload: UploadConfig{
			ChunkSize:            getInt("UPLOAD_CHUNK_SIZE", 32*1024),
			MaxFileSize:          int64(getInt("UPLOAD_MAX_FILE_SIZE", 50*1024*1024)),
			IDTimeout:            getSeconds("UPLOAD_ID_TIMEOUT_SEC", 5),
			CompletionPerMB:      getSeconds("UPLOAD_COMPLETION_PER_MB_SEC", 20),
			MinCompletionTimeout: getSeconds("UPLOAD_MIN_COMPLETION_TIMEOUT_SEC", 30),
			InterChunkDelay:      getMillis("UPLOAD_INTER_CHUNK_DELAY_MS", 30),
			Destination:          getEnv("UPLOAD_DESTINATION", "/app/files.upload/{roomId}"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Status: StatusConfig{
			Addr: getEnv("STATUS_ADDR", ""),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			Env:   getEnv("ENV", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would break the wire protocol
func (c *Config) Validate() error {
	if c.Upload.ChunkSize < minChunkSize || c.Upload.ChunkSize > maxChunkSize {
		return fmt.Errorf("UPLOAD_CHUNK_SIZE must be between %d and %d bytes", minChunkSize, maxChunkSize)
	}
	if c.Broker.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("BROKER_RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	if c.Log.Env == "production" && !strings.HasPrefix(c.Broker.URL, "wss://") {
		return fmt.Errorf("BROKER_URL must use wss:// in production")
	}
	return nil
}

// RedisEnabled reports whether a shared dedup store is configured
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return v
}

func getMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getInt(key, defaultValue)) * time.Millisecond
}

func getSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getInt(key, defaultValue)) * time.Second
}
