package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Store     StoreConfig
	DynamoDB  DynamoDBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OTP       OTPConfig
	Notifier  NotifierConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	// TrustedProxies lists CIDRs or addresses whose forwarding headers are
	// believed when resolving the client IP.
	TrustedProxies []string
}

type LogConfig struct {
	Level string
}

// StoreConfig selects the session store backend: memory, redis or dynamodb.
type StoreConfig struct {
	Backend string
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

// JWTConfig configures verification tokens. An empty SecretKey disables them.
type JWTConfig struct {
	SecretKey string
	Expiry    time.Duration
}

type OTPConfig struct {
	Length          int
	Expiry          time.Duration
	MaxAttempts     int
	DeliveryTimeout time.Duration
	SweepInterval   time.Duration
	HashCost        int
	// Retention keeps expired sessions readable by shared stores long enough
	// for a late verify to report "expired" instead of "invalid session".
	Retention time.Duration
}

type NotifierConfig struct {
	Provider string
	WhatsApp WhatsAppConfig
	Twilio   TwilioConfig
}

type WhatsAppConfig struct {
	PhoneNumberID string
	AccessToken   string
	APIVersion    string
	GraphURL      string
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"

	NotifierWhatsApp = "whatsapp"
	NotifierTwilio   = "twilio"
	NotifierLog      = "log"
)

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES", nil),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("SESSION_STORE", StoreMemory)),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "OTPSessions"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
			Expiry:    getEnvAsDuration("VERIFICATION_TOKEN_EXPIRY", 15*time.Minute),
		},
		OTP: OTPConfig{
			Length:          getEnvAsInt("OTP_LENGTH", 6),
			Expiry:          getEnvAsDuration("OTP_EXPIRY", 5*time.Minute),
			MaxAttempts:     getEnvAsInt("OTP_MAX_ATTEMPTS", 5),
			DeliveryTimeout: getEnvAsDuration("OTP_DELIVERY_TIMEOUT", 10*time.Second),
			SweepInterval:   getEnvAsDuration("OTP_SWEEP_INTERVAL", time.Minute),
			HashCost:        getEnvAsInt("OTP_HASH_COST", 10),
			Retention:       getEnvAsDuration("OTP_RETENTION", 10*time.Minute),
		},
		Notifier: NotifierConfig{
			Provider: strings.ToLower(getEnv("NOTIFIER", NotifierWhatsApp)),
			WhatsApp: WhatsAppConfig{
				PhoneNumberID: getEnv("WA_PHONE_NUMBER_ID", ""),
				AccessToken:   getEnv("WA_ACCESS_TOKEN", ""),
				APIVersion:    getEnv("WA_API_VERSION", "v18.0"),
				GraphURL:      getEnv("WA_GRAPH_URL", "https://graph.facebook.com"),
			},
			Twilio: TwilioConfig{
				AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
				AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
				FromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
			},
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 10),
			Burst:     getEnvAsInt("RATE_LIMIT_BURST", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first configuration problem that would prevent startup.
func (c *Config) Validate() error {
	if c.JWT.SecretKey != "" && len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	for _, proxy := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			return fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP address or CIDR", proxy)
		}
	}

	switch c.Store.Backend {
	case StoreMemory, StoreRedis, StoreDynamoDB:
	default:
		return fmt.Errorf("unsupported SESSION_STORE %q", c.Store.Backend)
	}

	switch c.Notifier.Provider {
	case NotifierWhatsApp, NotifierTwilio, NotifierLog:
	default:
		return fmt.Errorf("unsupported NOTIFIER %q", c.Notifier.Provider)
	}

	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		return fmt.Errorf("OTP_LENGTH must be between 4 and 10")
	}

	if c.OTP.Expiry <= 0 {
		return fmt.Errorf("OTP_EXPIRY must be positive")
	}

	if c.OTP.DeliveryTimeout <= 0 {
		return fmt.Errorf("OTP_DELIVERY_TIMEOUT must be positive")
	}

	if c.OTP.HashCost < bcrypt.MinCost || c.OTP.HashCost > bcrypt.MaxCost {
		return fmt.Errorf("OTP_HASH_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	if c.OTP.MaxAttempts < 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must not be negative")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
