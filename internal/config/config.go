// Package config содержит логику чтения конфигурации сервиса взаимопомощи.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultRabbitExchange = "campushelp.events"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	AuthSecret     string `env:"AUTH_SECRET"`
	RabbitURL      string `env:"RABBIT_URL"`
	RabbitExchange string `env:"RABBIT_EXCHANGE"`
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения, в том числе из файла .env, имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret used to sign auth tokens, random per process when empty")
	flag.StringVar(&cfg.RabbitURL, "m", "", "RabbitMQ URL for point events")
	flag.StringVar(&cfg.RabbitExchange, "x", defaultRabbitExchange, "RabbitMQ exchange for point events")
	flag.StringVar(&cfg.OTLPEndpoint, "t", "", "OTLP gRPC endpoint for traces")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.AuthSecret, fromEnv.AuthSecret)
	override(&cfg.RabbitURL, fromEnv.RabbitURL)
	override(&cfg.RabbitExchange, fromEnv.RabbitExchange)
	override(&cfg.OTLPEndpoint, fromEnv.OTLPEndpoint)

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.RabbitExchange == "" {
		cfg.RabbitExchange = defaultRabbitExchange
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
