// Package config содержит логику чтения конфигурации сервиса разделения счетов.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	TelegramToken         string        `env:"TELEGRAM_TOKEN"`
	TelegramWebhookSecret string        `env:"TELEGRAM_WEBHOOK_SECRET"`
	RedisAddress          string        `env:"REDIS_ADDRESS"`
	KafkaBrokers          string        `env:"KAFKA_BROKERS"`
	KafkaTopic            string        `env:"KAFKA_TOPIC" envDefault:"bill-events"`
	ReceiptServiceAddress string        `env:"RECEIPT_SERVICE_ADDRESS"`
	PublicBaseURL         string        `env:"PUBLIC_BASE_URL"`
	ActionCooldown        time.Duration `env:"ACTION_COOLDOWN" envDefault:"700ms"`
	TxMaxRetries          int           `env:"TX_MAX_RETRIES" envDefault:"5"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
}

type stringOption struct {
	target *string
	name   string
	value  string
	usage  string
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	options := []stringOption{
		{&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server"},
		{&cfg.DatabaseURI, "d", "", "database URI, in-memory store if empty"},
		{&cfg.TelegramToken, "t", "", "telegram bot token, bot disabled if empty"},
		{&cfg.TelegramWebhookSecret, "w", "", "telegram webhook secret, long polling if empty"},
		{&cfg.RedisAddress, "r", "", "redis address for action cooldown, in-process if empty"},
		{&cfg.KafkaBrokers, "k", "", "comma-separated kafka brokers, events disabled if empty"},
		{&cfg.ReceiptServiceAddress, "o", "", "receipt recognition service address"},
		{&cfg.PublicBaseURL, "u", "http://localhost:8080", "public base URL for share links"},
	}

	fromEnv := make([]string, len(options))
	for i, o := range options {
		fromEnv[i] = *o.target
		flag.StringVar(o.target, o.name, o.value, o.usage)
	}

	flag.Parse()

	for i, o := range options {
		if fromEnv[i] != "" {
			*o.target = fromEnv[i]
		}
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if cfg.ActionCooldown < 0 {
		return nil, fmt.Errorf("ACTION_COOLDOWN must not be negative")
	}
	if cfg.TxMaxRetries < 0 {
		return nil, fmt.Errorf("TX_MAX_RETRIES must not be negative")
	}

	return cfg, nil
}

// Brokers возвращает список брокеров Kafka.
func (c *Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
