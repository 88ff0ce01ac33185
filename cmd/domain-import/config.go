package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type appConfig struct {
	LogLevel string `koanf:"log_level"`

	AMQP struct {
		URL                string        `koanf:"url"`
		Queue              string        `koanf:"queue"`
		Exchange           string        `koanf:"exchange"`
		ExchangeType       string        `koanf:"exchange_type"`
		RoutingKey         string        `koanf:"routing_key"`
		Prefetch           int           `koanf:"prefetch"`
		MaxRequeueRetries  int           `koanf:"max_requeue_retries"`
		RetryInterval      time.Duration `koanf:"retry_interval"`
		DeadLetterExchange string        `koanf:"dead_letter_exchange"`
		DeadLetterQueue    string        `koanf:"dead_letter_queue"`
		GracePeriod        time.Duration `koanf:"grace_period"`
	} `koanf:"amqp"`

	Postgres struct {
		DSN string `koanf:"dsn"`
	} `koanf:"postgres"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`
}

// loadConfig reads the yaml file then overlays DOMAINIMPORT_-prefixed
// environment variables (nested keys separated with __), e.g.
// DOMAINIMPORT_AMQP__URL or DOMAINIMPORT_POSTGRES__DSN.
func loadConfig(path string) (appConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return appConfig{}, fmt.Errorf("load %s: %w", path, err)
	}
	if err := k.Load(env.Provider("DOMAINIMPORT_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "DOMAINIMPORT_")
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return appConfig{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg appConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return appConfig{}, fmt.Errorf("unmarshal: %w", err)
	}
	if cfg.AMQP.URL == "" {
		return appConfig{}, fmt.Errorf("amqp.url required")
	}
	if cfg.AMQP.Queue == "" {
		return appConfig{}, fmt.Errorf("amqp.queue required")
	}
	if cfg.Postgres.DSN == "" {
		return appConfig{}, fmt.Errorf("postgres.dsn required")
	}
	return cfg, nil
}
