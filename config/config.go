package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Environment string

	// Redis configuration (device-local state: cache, offline queue, rate windows)
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	AdminChannel       string

	// Scan credential configuration
	ScanSecret      string
	WebhookSecret   string
	FreshnessWindow time.Duration
	ReplayGuardTTL  time.Duration
	SameScanWindow  time.Duration
	DeviceID        string
	CacheSyncEvery  time.Duration
	ProbeInterval   time.Duration
	OperatorPINHash string

	// Circuit breaker configuration
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration
	BreakerHalfOpenMax      int

	// Rate limits per endpoint class
	ScanRateMax       int
	ScanRateWindow    time.Duration
	OrderRateMax      int
	OrderRateWindow   time.Duration
	AuthRateMax       int
	AuthRateWindow    time.Duration
	APIRateMax        int
	APIRateWindow     time.Duration
	WebhookRateMax    int
	WebhookRateWindow time.Duration
	ViolationHistory  int

	// Timeout configuration
	StoreTimeout   time.Duration
	PaymentTimeout time.Duration

	// Payment processor lookup
	PaymentAPIURL string
	PaymentAPIKey string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		AdminChannel:       getEnv("ADMIN_CHANNEL", "admission-admin"),

		// Credentials
		ScanSecret:      getEnv("SCAN_SECRET", "dev-scan-secret"),
		WebhookSecret:   getEnv("WEBHOOK_SECRET", "dev-webhook-secret"),
		FreshnessWindow: getEnvAsDuration("WEBHOOK_FRESHNESS_WINDOW", "5m"),
		ReplayGuardTTL:  getEnvAsDuration("WEBHOOK_REPLAY_TTL", "10m"),
		SameScanWindow:  getEnvAsDuration("REPLAY_SAME_SCAN_WINDOW", "5m"),
		DeviceID:        getEnv("DEVICE_ID", ""),
		CacheSyncEvery:  getEnvAsDuration("CACHE_SYNC_INTERVAL", "1m"),
		ProbeInterval:   getEnvAsDuration("BACKEND_PROBE_INTERVAL", "10s"),
		OperatorPINHash: getEnv("OPERATOR_PIN_HASH", ""),

		// Circuit breakers
		BreakerFailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerCooldown:         getEnvAsDuration("BREAKER_COOLDOWN", "30s"),
		BreakerHalfOpenMax:      getEnvAsInt("BREAKER_HALF_OPEN_MAX", 3),

		// Rate limits
		ScanRateMax:       getEnvAsInt("SCAN_RATE_MAX", 30),
		ScanRateWindow:    getEnvAsDuration("SCAN_RATE_WINDOW", "10s"),
		OrderRateMax:      getEnvAsInt("ORDER_RATE_MAX", 10),
		OrderRateWindow:   getEnvAsDuration("ORDER_RATE_WINDOW", "1m"),
		AuthRateMax:       getEnvAsInt("AUTH_RATE_MAX", 5),
		AuthRateWindow:    getEnvAsDuration("AUTH_RATE_WINDOW", "1m"),
		APIRateMax:        getEnvAsInt("API_RATE_MAX", 120),
		APIRateWindow:     getEnvAsDuration("API_RATE_WINDOW", "1m"),
		WebhookRateMax:    getEnvAsInt("WEBHOOK_RATE_MAX", 60),
		WebhookRateWindow: getEnvAsDuration("WEBHOOK_RATE_WINDOW", "1m"),
		ViolationHistory:  getEnvAsInt("RATE_VIOLATION_HISTORY", 100),

		// Timeouts
		StoreTimeout:   getEnvAsDuration("STORE_TIMEOUT", "3s"),
		PaymentTimeout: getEnvAsDuration("PAYMENT_TIMEOUT", "5s"),

		// Payment processor
		PaymentAPIURL: getEnv("PAYMENT_API_URL", ""),
		PaymentAPIKey: getEnv("PAYMENT_API_KEY", ""),
	}
}

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

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
