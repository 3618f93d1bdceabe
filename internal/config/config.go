package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/hipaa"
)

const (
	StoreMemory   = "memory"
	StoreLevelDB  = "leveldb"
	StorePostgres = "postgres"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	LevelDBPath string `mapstructure:"LEVELDB_PATH"`

	RedisURL          string `mapstructure:"REDIS_URL"`
	RedisStream       string `mapstructure:"REDIS_STREAM"`
	RedisStreamMaxLen int64  `mapstructure:"REDIS_STREAM_MAXLEN"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	RecordEncryptionKey          string `mapstructure:"RECORD_ENCRYPTION_KEY"`
	RecordEncryptionKeyVersion   int    `mapstructure:"RECORD_ENCRYPTION_KEY_VERSION"`
	RecordEncryptionPreviousKeys string `mapstructure:"RECORD_ENCRYPTION_PREVIOUS_KEYS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS", "LEVELDB_PATH",
	"REDIS_URL", "REDIS_STREAM", "REDIS_STREAM_MAXLEN",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"RECORD_ENCRYPTION_KEY", "RECORD_ENCRYPTION_KEY_VERSION", "RECORD_ENCRYPTION_PREVIOUS_KEYS",
}

// Load reads .env when present, then the environment. It does not validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("LEVELDB_PATH", "./data/ledger")
	v.SetDefault("REDIS_STREAM", "medledger:events")
	v.SetDefault("REDIS_STREAM_MAXLEN", 100000)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RECORD_ENCRYPTION_KEY_VERSION", 1)

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasTokenAuth reports whether any bearer token key source is configured.
func (c *Config) HasTokenAuth() bool {
	return c.AuthSigningKey != "" || c.AuthJWKSURL != "" || c.AuthIssuer != ""
}

// Validate checks cross-field rules. Production refuses the in-memory store,
// header-based sessions and unencrypted record payloads.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "production":
	default:
		return fmt.Errorf("ENV must be \"development\" or \"production\", got %q", c.Env)
	}

	switch c.StoreDriver {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER=memory is not durable and cannot be used in production")
		}
	case StoreLevelDB:
		if c.LevelDBPath == "" {
			return fmt.Errorf("LEVELDB_PATH is required when STORE_DRIVER is leveldb")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
		if err := db.ValidSchema(c.DBSchema); err != nil {
			return fmt.Errorf("DB_SCHEMA: %w", err)
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) must satisfy 0 <= min <= max, max > 0", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be memory, leveldb or postgres, got %q", c.StoreDriver)
	}

	if c.IsProduction() && !c.HasTokenAuth() {
		return fmt.Errorf("one of AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER is required in production")
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if c.IsProduction() && c.RecordEncryptionKey == "" {
		return fmt.Errorf("RECORD_ENCRYPTION_KEY is required in production")
	}
	if c.RecordEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.RecordEncryptionKey)
		if err != nil {
			return fmt.Errorf("RECORD_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("RECORD_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
		if c.RecordEncryptionKeyVersion < 1 {
			return fmt.Errorf("RECORD_ENCRYPTION_KEY_VERSION must be positive, got %d", c.RecordEncryptionKeyVersion)
		}
	}
	if c.RecordEncryptionPreviousKeys != "" {
		if c.RecordEncryptionKey == "" {
			return fmt.Errorf("RECORD_ENCRYPTION_PREVIOUS_KEYS requires RECORD_ENCRYPTION_KEY")
		}
		previous, err := hipaa.ParsePreviousKeys(c.RecordEncryptionPreviousKeys)
		if err != nil {
			return err
		}
		if _, clash := previous[c.RecordEncryptionKeyVersion]; clash {
			return fmt.Errorf("RECORD_ENCRYPTION_PREVIOUS_KEYS lists v%d, which is RECORD_ENCRYPTION_KEY_VERSION", c.RecordEncryptionKeyVersion)
		}
	}

	return nil
}
