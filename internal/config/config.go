// Package config handles process-level configuration: the worker's
// environment-variable surface and (in botconfig.go) the per-bot
// configJson schema.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WorkerConfig is the process configuration read from the environment
// (spec.md §6 "Environment variables recognised by the worker"). There
// is no YAML file for process config: every field is a single
// environment variable, the surface the worker actually depends on.
type WorkerConfig struct {
	Enabled          bool
	EnableTrading    bool
	EnableStopping   bool
	UseRealExchange  bool
	ExchangeProvider string
	AllowMainnet     bool
	EncryptionKey    []byte // decoded CREDENTIALS_ENCRYPTION_KEY, nil if unset

	OrderMaxRetries    int
	OrderBackoffBaseMs int
	OrderBackoffMaxMs  int

	StopMaxRetries    int
	StopBackoffBaseMs int
	StopBackoffMaxMs  int

	ProxyURL     string
	HTTPSProxy   string
	ProxyNoProxy string

	AlertSlackWebhookURL string
}

// ValidationError mirrors the shape used across this codebase for
// reporting a single offending field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadWorkerConfig reads WorkerConfig from the process environment and
// validates it.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		Enabled:          envBool("WORKER_ENABLED", false),
		EnableTrading:    envBool("WORKER_ENABLE_TRADING", false),
		EnableStopping:   envBool("WORKER_ENABLE_STOPPING", false),
		UseRealExchange:  envBool("WORKER_USE_REAL_EXCHANGE", false),
		ExchangeProvider: os.Getenv("EXCHANGE_PROVIDER"),
		AllowMainnet:     envBool("ALLOW_MAINNET_TRADING", false),

		OrderMaxRetries:    envInt("WORKER_ORDER_MAX_RETRIES", 5),
		OrderBackoffBaseMs: envInt("WORKER_ORDER_BACKOFF_BASE_MS", 200),
		OrderBackoffMaxMs:  envInt("WORKER_ORDER_BACKOFF_MAX_MS", 5000),

		StopMaxRetries:    envInt("WORKER_STOP_MAX_RETRIES", 8),
		StopBackoffBaseMs: envInt("WORKER_STOP_BACKOFF_BASE_MS", 200),
		StopBackoffMaxMs:  envInt("WORKER_STOP_BACKOFF_MAX_MS", 10000),

		ProxyURL:     os.Getenv("CCXT_PROXY_URL"),
		HTTPSProxy:   os.Getenv("HTTPS_PROXY"),
		ProxyNoProxy: os.Getenv("CCXT_NO_PROXY"),

		AlertSlackWebhookURL: os.Getenv("WORKER_ALERT_SLACK_WEBHOOK"),
	}

	if keyB64 := os.Getenv("CREDENTIALS_ENCRYPTION_KEY"); keyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, ValidationError{Field: "CREDENTIALS_ENCRYPTION_KEY", Message: "must be base64"}
		}
		if len(key) != 32 {
			return nil, ValidationError{Field: "CREDENTIALS_ENCRYPTION_KEY", Value: len(key), Message: "must decode to exactly 32 bytes"}
		}
		cfg.EncryptionKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the cross-field rules spec.md §6/§9 depend on: real
// trading requires an explicit real provider, and mainnet requires an
// encryption key to be configured.
func (c *WorkerConfig) Validate() error {
	if c.UseRealExchange && c.ExchangeProvider != "real" {
		return ValidationError{
			Field:   "EXCHANGE_PROVIDER",
			Value:   c.ExchangeProvider,
			Message: "must be 'real' when WORKER_USE_REAL_EXCHANGE is set",
		}
	}
	if c.AllowMainnet && len(c.EncryptionKey) == 0 {
		return ValidationError{
			Field:   "CREDENTIALS_ENCRYPTION_KEY",
			Message: "required when ALLOW_MAINNET_TRADING is set",
		}
	}
	if c.OrderMaxRetries < 1 {
		return ValidationError{Field: "WORKER_ORDER_MAX_RETRIES", Value: c.OrderMaxRetries, Message: "must be >= 1"}
	}
	if c.StopMaxRetries < 1 {
		return ValidationError{Field: "WORKER_STOP_MAX_RETRIES", Value: c.StopMaxRetries, Message: "must be >= 1"}
	}
	return nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}
