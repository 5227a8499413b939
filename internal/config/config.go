// Package config содержит логику чтения конфигурации сервиса DropPoint.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultLoadingTimeout  = 5 * time.Second
	defaultRfidLinkTimeout = 50 * time.Second
)

// Config содержит параметры конфигурации сервиса DropPoint.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	AuthSecret      string        `env:"AUTH_SECRET"`
	LoadingTimeout  time.Duration `env:"LOADING_TIMEOUT"`
	RfidLinkTimeout time.Duration `env:"RFID_LINK_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.AuthSecret, "s", "", "cookie signing secret")
	flag.DurationVar(&cfg.LoadingTimeout, "l", defaultLoadingTimeout, "data loading timeout")
	flag.DurationVar(&cfg.RfidLinkTimeout, "t", defaultRfidLinkTimeout, "RFID card linking timeout")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.AuthSecret != "" {
		cfg.AuthSecret = envCfg.AuthSecret
	}
	if envCfg.LoadingTimeout > 0 {
		cfg.LoadingTimeout = envCfg.LoadingTimeout
	}
	if envCfg.RfidLinkTimeout > 0 {
		cfg.RfidLinkTimeout = envCfg.RfidLinkTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.LoadingTimeout <= 0 {
		cfg.LoadingTimeout = defaultLoadingTimeout
	}
	if cfg.RfidLinkTimeout <= 0 {
		cfg.RfidLinkTimeout = defaultRfidLinkTimeout
	}
	if cfg.AuthSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.AuthSecret = secret
	}

	return cfg, nil
}

// randomSecret создаёт ключ подписи cookie; сеансы не переживают перезапуск.
func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate auth secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
