package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Store drivers accepted in STORE_DRIVER
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Signup seed policies accepted in SIGNUP_SEED
const (
	SeedZero   = "zero"
	SeedRandom = "random"
)

// Config holds application configuration
type Config struct {
	Port     string
	LogLevel string

	StoreDriver   string
	DBConn        string
	MongoURI      string
	MongoDatabase string
	StoreTimeout  time.Duration

	JWTSecret string
	JWTTTL    time.Duration

	TransferMaxAttempts int
	TransferRetryBase   time.Duration

	SignupSeed    string
	SignupSeedMax int64

	AuditSchedule string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SenderEmail  string
}

// NewConfig loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		StoreDriver:   getEnv("STORE_DRIVER", DriverPostgres),
		DBConn:        getEnv("DB_CONN", "host=localhost port=5436 user=test password=test dbname=ledger sslmode=disable"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDatabase: getEnv("MONGO_DATABASE", "ledger"),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		SignupSeed:    getEnv("SIGNUP_SEED", SeedZero),
		AuditSchedule: getEnv("AUDIT_SCHEDULE", "@every 5m"),
		SMTPHost:      getEnv("SMTP_HOST", ""),
		SMTPPort:      getEnv("SMTP_PORT", "587"),
		SMTPUsername:  getEnv("SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		SenderEmail:   getEnv("SENDER_EMAIL", ""),
	}

	var err error
	if cfg.StoreTimeout, err = getDuration("STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.JWTTTL, err = getDuration("JWT_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TransferRetryBase, err = getDuration("TRANSFER_RETRY_BASE", 20*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.TransferMaxAttempts, err = getInt("TRANSFER_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	seedMax, err := getInt("SIGNUP_SEED_MAX", 10000)
	if err != nil {
		return nil, err
	}
	cfg.SignupSeedMax = int64(seedMax)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SMTPEnabled reports whether transfer notifications can be sent
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SenderEmail != ""
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBConn == "" {
			return fmt.Errorf("DB_CONN is required")
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.TransferMaxAttempts < 1 {
		return fmt.Errorf("TRANSFER_MAX_ATTEMPTS must be at least 1, got %d", c.TransferMaxAttempts)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.AuditSchedule != "" {
		if _, err := cron.ParseStandard(c.AuditSchedule); err != nil {
			return fmt.Errorf("invalid AUDIT_SCHEDULE %q: %w", c.AuditSchedule, err)
		}
	}
	switch c.SignupSeed {
	case SeedZero:
	case SeedRandom:
		if c.SignupSeedMax < 1 {
			return fmt.Errorf("SIGNUP_SEED_MAX must be at least 1, got %d", c.SignupSeedMax)
		}
	default:
		return fmt.Errorf("unknown SIGNUP_SEED %q", c.SignupSeed)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultVal, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
