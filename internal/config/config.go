package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the relay
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Upstream data source
	GammaAPIURL string
	DataAPIURL  string
	CLOBWSURL   string
	HTTPTimeout time.Duration

	// Leader detection
	DetectorInterval time.Duration
	MinVolume        decimal.Decimal
	MinTrades        int
	MinWinRate       decimal.Decimal // 0..1; applied only when win rate is known

	// Ingestion
	PollInterval   time.Duration
	PollTradeLimit int
	DedupLRUSize   int

	// Queue + workers
	WorkerConcurrency int
	QueueMaxAttempts  int
	QueueRetryBase    time.Duration
	QueueRetryCap     time.Duration
	VisibilityTimeout time.Duration

	// Exchange
	CLOBURL         string
	CLOBApiKey      string
	CLOBApiSecret   string
	CLOBPassphrase  string
	WalletKey       string
	ExchangeTimeout time.Duration

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		GammaAPIURL: getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		DataAPIURL:  getEnv("DATA_API_URL", "https://data-api.polymarket.com"),
		CLOBWSURL:   getEnv("CLOB_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		DetectorInterval: getEnvDuration("DETECTOR_INTERVAL", 5*time.Minute),
		MinVolume:        getEnvDecimal("MIN_VOLUME", decimal.NewFromInt(10000)),
		MinTrades:        getEnvInt("MIN_TRADES", 50),
		MinWinRate:       getEnvDecimal("MIN_WIN_RATE", decimal.NewFromFloat(0.55)),

		PollInterval:   getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollTradeLimit: getEnvInt("POLL_TRADE_LIMIT", 10),
		DedupLRUSize:   getEnvInt("DEDUP_LRU_SIZE", 10000),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),
		QueueMaxAttempts:  getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
		QueueRetryBase:    getEnvDuration("QUEUE_RETRY_BASE", time.Second),
		QueueRetryCap:     getEnvDuration("QUEUE_RETRY_CAP", 5*time.Minute),
		VisibilityTimeout: getEnvDuration("VISIBILITY_TIMEOUT", 60*time.Second),

		CLOBURL:         getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		CLOBApiKey:      os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:   os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase:  os.Getenv("CLOB_PASSPHRASE"),
		WalletKey:       os.Getenv("WALLET_PRIVATE_KEY"),
		ExchangeTimeout: getEnvDuration("EXCHANGE_TIMEOUT", 30*time.Second),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/polycopy.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.QueueMaxAttempts < 1 {
		return nil, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.DetectorInterval <= 0 {
		return nil, fmt.Errorf("DETECTOR_INTERVAL must be positive")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
