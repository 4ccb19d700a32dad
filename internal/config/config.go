package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          string `yaml:"port"`
	AllowedOrigin string `yaml:"allowed_origin"`

	TerminalID     string `yaml:"terminal_id"`
	StoreID        string `yaml:"store_id"`
	StoreName      string `yaml:"store_name"`
	SalesChannel   string `yaml:"sales_channel"`
	TaxRatePercent string `yaml:"tax_rate_percent"`

	LedgerURL            string `yaml:"ledger_url"`
	LedgerTimeoutSeconds int    `yaml:"ledger_timeout_seconds"`

	QueueBackend  string `yaml:"queue_backend"`
	QueueDir      string `yaml:"queue_dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	DatabaseURL   string `yaml:"database_url"`

	CatalogCacheTTLSeconds int `yaml:"catalog_cache_ttl_seconds"`
	ScanTimeoutMS          int `yaml:"scan_timeout_ms"`
	ScanMinLength          int `yaml:"scan_min_length"`
	ProbeIntervalSeconds   int `yaml:"probe_interval_seconds"`
	RetryIntervalSeconds   int `yaml:"retry_interval_seconds"`

	ReceiptDir string `yaml:"receipt_dir"`
	LogLevel   string `yaml:"log_level"`
}

func Defaults() Config {
	return Config{
		Port:                   "8080",
		AllowedOrigin:          "http://127.0.0.1:3000",
		TerminalID:             "T-01",
		StoreID:                "main-store",
		StoreName:              "Pharmacy",
		SalesChannel:           "pharmacy",
		TaxRatePercent:         "0",
		LedgerTimeoutSeconds:   8,
		QueueBackend:           "file",
		QueueDir:               "data/queue",
		CatalogCacheTTLSeconds: 60,
		ScanTimeoutMS:          120,
		ScanMinLength:          4,
		ProbeIntervalSeconds:   15,
		RetryIntervalSeconds:   30,
		ReceiptDir:             "data/receipts",
		LogLevel:               "info",
	}
}

// Load reads the configuration from the environment on top of the defaults.
func Load() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadFile overlays a YAML file on the defaults, then applies environment
// variables, which win over the file. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.TerminalID = getEnv("TERMINAL_ID", cfg.TerminalID)
	cfg.StoreID = getEnv("DEFAULT_STORE_ID", cfg.StoreID)
	cfg.StoreName = getEnv("STORE_NAME", cfg.StoreName)
	cfg.SalesChannel = strings.ToLower(getEnv("SALES_CHANNEL", cfg.SalesChannel))
	cfg.TaxRatePercent = getEnv("TAX_RATE_PERCENT", cfg.TaxRatePercent)
	cfg.LedgerURL = strings.TrimRight(getEnv("LEDGER_URL", cfg.LedgerURL), "/")
	cfg.LedgerTimeoutSeconds = getPositiveInt("LEDGER_TIMEOUT_SECONDS", cfg.LedgerTimeoutSeconds)
	cfg.QueueBackend = strings.ToLower(getEnv("QUEUE_BACKEND", cfg.QueueBackend))
	cfg.QueueDir = getEnv("QUEUE_DIR", cfg.QueueDir)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	if db, err := strconv.Atoi(getEnv("REDIS_DB", strconv.Itoa(cfg.RedisDB))); err == nil && db >= 0 {
		cfg.RedisDB = db
	}
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.CatalogCacheTTLSeconds = getPositiveInt("CATALOG_CACHE_TTL_SECONDS", cfg.CatalogCacheTTLSeconds)
	cfg.ScanTimeoutMS = getPositiveInt("SCAN_TIMEOUT_MS", cfg.ScanTimeoutMS)
	cfg.ScanMinLength = getPositiveInt("SCAN_MIN_LENGTH", cfg.ScanMinLength)
	cfg.ProbeIntervalSeconds = getPositiveInt("PROBE_INTERVAL_SECONDS", cfg.ProbeIntervalSeconds)
	cfg.RetryIntervalSeconds = getPositiveInt("RETRY_INTERVAL_SECONDS", cfg.RetryIntervalSeconds)
	cfg.ReceiptDir = getEnv("RECEIPT_DIR", cfg.ReceiptDir)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// TaxRate parses TaxRatePercent. Negative rates are rejected.
func (c Config) TaxRate() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.TaxRatePercent)
	if raw == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("TAX_RATE_PERCENT: %w", err)
	}
	if rate.IsNegative() {
		return decimal.Zero, errors.New("TAX_RATE_PERCENT must not be negative")
	}
	return rate, nil
}

func (c Config) LedgerTimeout() time.Duration {
	return time.Duration(c.LedgerTimeoutSeconds) * time.Second
}

func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}

func (c Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutMS) * time.Millisecond
}

func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

func (c Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

// getPositiveInt keeps fallback when the variable is unset or not a
// positive integer.
func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
