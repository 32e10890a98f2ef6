package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Delivery queue tuning
	QueueTickInterval time.Duration
	QueueBatchSize    int
	QueueRetryDelay   time.Duration
	QueueExpireAfter  time.Duration

	// Campaign dispatch tuning
	CampaignChunkSize  int
	CampaignChunkPause time.Duration

	// WhatsApp channel
	WhatsAppEnabled     bool
	WhatsAppPhoneID     string
	WhatsAppAccessToken string
	WhatsAppVerifyToken string

	// SMS channel
	SMSEnabled    bool
	SMSProvider   string // twilio, vonage, or sns
	SMSAPIKey     string
	SMSFromNumber string

	// Email channel
	EmailEnabled  bool
	EmailProvider string
	EmailFromAddr string
	EmailFromName string

	// API rate limiting (per client, sliding window)
	APIRateLimit  int
	APIRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		QueueTickInterval: 5 * time.Second,
		QueueBatchSize:    5,
		QueueRetryDelay:   5 * time.Minute,
		QueueExpireAfter:  24 * time.Hour,

		CampaignChunkSize:  20,
		CampaignChunkPause: 2 * time.Second,

		// All channels on by default in development
		WhatsAppEnabled: true,
		SMSEnabled:      true,
		EmailEnabled:    true,

		SMSProvider:   "twilio",
		EmailProvider: "smtp",
		EmailFromAddr: "noreply@courier.local",

		APIRateLimit:  100,
		APIRateWindow: time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Queue tuning
	if v := os.Getenv("QUEUE_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_TICK_INTERVAL: %w", err)
		}
		cfg.QueueTickInterval = d
	}

	if v := os.Getenv("QUEUE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid QUEUE_BATCH_SIZE: %q", v)
		}
		cfg.QueueBatchSize = n
	}

	if v := os.Getenv("QUEUE_RETRY_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_RETRY_DELAY: %w", err)
		}
		cfg.QueueRetryDelay = d
	}

	if v := os.Getenv("QUEUE_EXPIRE_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_EXPIRE_AFTER: %w", err)
		}
		cfg.QueueExpireAfter = d
	}

	// Campaign tuning
	if v := os.Getenv("CAMPAIGN_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CAMPAIGN_CHUNK_SIZE: %q", v)
		}
		cfg.CampaignChunkSize = n
	}

	if v := os.Getenv("CAMPAIGN_CHUNK_PAUSE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CAMPAIGN_CHUNK_PAUSE: %w", err)
		}
		cfg.CampaignChunkPause = d
	}

	// Channel config
	if v := os.Getenv("WHATSAPP_ENABLED"); v != "" {
		cfg.WhatsAppEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WHATSAPP_PHONE_ID"); v != "" {
		cfg.WhatsAppPhoneID = v
	}
	if v := os.Getenv("WHATSAPP_ACCESS_TOKEN"); v != "" {
		cfg.WhatsAppAccessToken = v
	}
	if v := os.Getenv("WHATSAPP_VERIFY_TOKEN"); v != "" {
		cfg.WhatsAppVerifyToken = v
	}

	if v := os.Getenv("SMS_ENABLED"); v != "" {
		cfg.SMSEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SMS_PROVIDER"); v != "" {
		cfg.SMSProvider = v
	}
	if v := os.Getenv("SMS_API_KEY"); v != "" {
		cfg.SMSAPIKey = v
	}
	if v := os.Getenv("SMS_FROM_NUMBER"); v != "" {
		cfg.SMSFromNumber = v
	}

	if v := os.Getenv("EMAIL_ENABLED"); v != "" {
		cfg.EmailEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EMAIL_PROVIDER"); v != "" {
		cfg.EmailProvider = v
	}
	if v := os.Getenv("EMAIL_FROM_ADDR"); v != "" {
		cfg.EmailFromAddr = v
	}
	if v := os.Getenv("EMAIL_FROM_NAME"); v != "" {
		cfg.EmailFromName = v
	}

	// API rate limit
	if v := os.Getenv("API_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid API_RATE_LIMIT: %q", v)
		}
		cfg.APIRateLimit = n
	}

	if v := os.Getenv("API_RATE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_WINDOW: %w", err)
		}
		cfg.APIRateWindow = d
	}

	return cfg, nil
}
