package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLevelDB  = "leveldb"

	LedgerEmbedded = "embedded"
	LedgerRemote   = "remote"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	StorageBackend string   `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	ModelThreshold      float64 `mapstructure:"MODEL_THRESHOLD"`
	RiskHighPercent     float64 `mapstructure:"RISK_HIGH_PERCENT"`
	RiskModeratePercent float64 `mapstructure:"RISK_MODERATE_PERCENT"`
	SeverityMediumFrom  float64 `mapstructure:"SEVERITY_MEDIUM_FROM"`
	SeverityHighAbove   float64 `mapstructure:"SEVERITY_HIGH_ABOVE"`
	TopRules            int     `mapstructure:"TOP_RULES"`
	FlagAnomalyPercent  float64 `mapstructure:"FLAG_ANOMALY_PERCENT"`
	HashAlgorithm       string  `mapstructure:"HASH_ALGORITHM"`

	LedgerMode          string        `mapstructure:"LEDGER_MODE"`
	LedgerURL           string        `mapstructure:"LEDGER_URL"`
	LedgerDataDir       string        `mapstructure:"LEDGER_DATA_DIR"`
	LedgerBlockInterval time.Duration `mapstructure:"LEDGER_BLOCK_INTERVAL"`
	ReceiptCache        string        `mapstructure:"RECEIPT_CACHE"`
	ReceiptCachePath    string        `mapstructure:"RECEIPT_CACHE_PATH"`

	AnchorMaxAttempts      int           `mapstructure:"ANCHOR_MAX_ATTEMPTS"`
	AnchorInitialBackoff   time.Duration `mapstructure:"ANCHOR_INITIAL_BACKOFF"`
	AnchorMaxBackoff       time.Duration `mapstructure:"ANCHOR_MAX_BACKOFF"`
	AnchorMaxElapsed       time.Duration `mapstructure:"ANCHOR_MAX_ELAPSED"`
	AnchorMinConfirmations int           `mapstructure:"ANCHOR_MIN_CONFIRMATIONS"`
	AnchorPollInterval     time.Duration `mapstructure:"ANCHOR_POLL_INTERVAL"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
}

var defaults = map[string]interface{}{
	"PORT":                     "8000",
	"ENV":                      "development",
	"STORAGE_BACKEND":          BackendMemory,
	"DB_MAX_CONNS":             20,
	"DB_MIN_CONNS":             2,
	"CORS_ORIGINS":             "http://localhost:3000",
	"RATE_LIMIT_RPS":           50,
	"RATE_LIMIT_BURST":         100,
	"MODEL_THRESHOLD":          0.5,
	"RISK_HIGH_PERCENT":        20,
	"RISK_MODERATE_PERCENT":    10,
	"SEVERITY_MEDIUM_FROM":     0.5,
	"SEVERITY_HIGH_ABOVE":      0.8,
	"TOP_RULES":                3,
	"FLAG_ANOMALY_PERCENT":     5,
	"HASH_ALGORITHM":           "sha256",
	"LEDGER_MODE":              LedgerEmbedded,
	"LEDGER_DATA_DIR":          "",
	"LEDGER_BLOCK_INTERVAL":    "5s",
	"RECEIPT_CACHE":            BackendMemory,
	"ANCHOR_MAX_ATTEMPTS":      5,
	"ANCHOR_INITIAL_BACKOFF":   "200ms",
	"ANCHOR_MAX_BACKOFF":       "5s",
	"ANCHOR_MAX_ELAPSED":       "30s",
	"ANCHOR_MIN_CONFIRMATIONS": 1,
	"ANCHOR_POLL_INTERVAL":     "5s",
	"KAFKA_TOPIC":              "trialguard.events",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Bind every key explicitly so Unmarshal sees env-only values.
	for _, key := range keys() {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		log.Warn().Msg("running in development mode with header-based auth; do not expose this server")
	}
	return cfg, nil
}

func keys() []string {
	out := make([]string, 0, len(defaults)+8)
	for k := range defaults {
		out = append(out, k)
	}
	return append(out, "DATABASE_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
		"AUTH_SIGNING_KEY", "LEDGER_URL", "RECEIPT_CACHE_PATH", "KAFKA_BROKERS")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
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

// DevAuth reports whether requests should be authenticated from trusted
// development headers instead of bearer tokens.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == ""
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, c.StorageBackend)
	}

	switch c.ReceiptCache {
	case BackendMemory, BackendLevelDB:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when RECEIPT_CACHE is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("RECEIPT_CACHE must be memory, leveldb or postgres, got %q", c.ReceiptCache)
	}
	if c.ReceiptCache == BackendLevelDB && c.ReceiptCachePath == "" {
		return fmt.Errorf("RECEIPT_CACHE_PATH is required when RECEIPT_CACHE is %q", BackendLevelDB)
	}

	switch c.LedgerMode {
	case LedgerEmbedded:
		if c.LedgerBlockInterval <= 0 {
			return fmt.Errorf("LEDGER_BLOCK_INTERVAL must be positive")
		}
	case LedgerRemote:
		if c.LedgerURL == "" {
			return fmt.Errorf("LEDGER_URL is required when LEDGER_MODE is %q", LedgerRemote)
		}
	default:
		return fmt.Errorf("LEDGER_MODE must be %q or %q, got %q", LedgerEmbedded, LedgerRemote, c.LedgerMode)
	}

	if c.ModelThreshold <= 0 || c.ModelThreshold >= 1 {
		return fmt.Errorf("MODEL_THRESHOLD must be in (0, 1), got %v", c.ModelThreshold)
	}
	if c.RiskModeratePercent > c.RiskHighPercent {
		return fmt.Errorf("RISK_MODERATE_PERCENT (%v) must not exceed RISK_HIGH_PERCENT (%v)", c.RiskModeratePercent, c.RiskHighPercent)
	}
	if c.SeverityMediumFrom > c.SeverityHighAbove {
		return fmt.Errorf("SEVERITY_MEDIUM_FROM (%v) must not exceed SEVERITY_HIGH_ABOVE (%v)", c.SeverityMediumFrom, c.SeverityHighAbove)
	}
	if c.FlagAnomalyPercent < 0 || c.FlagAnomalyPercent > 100 {
		return fmt.Errorf("FLAG_ANOMALY_PERCENT must be between 0 and 100, got %v", c.FlagAnomalyPercent)
	}
	if c.AnchorMaxAttempts < 1 {
		return fmt.Errorf("ANCHOR_MAX_ATTEMPTS must be at least 1")
	}
	if c.AnchorMinConfirmations < 1 {
		return fmt.Errorf("ANCHOR_MIN_CONFIRMATIONS must be at least 1")
	}

	if c.IsProduction() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set in production")
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
	}
	return nil
}
