// Command domain-import consumes domain registration requests from an AMQP
// queue and stores them in Postgres, with a last-seen marker in Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/trackops/amqpx"
)

type domainRequest struct {
	RequestType string `json:"request_type"`
	Data        struct {
		Domain string `json:"domain"`
		SiteID int64  `json:"site_id"`
	} `json:"data"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := "config.yaml"
	if p := os.Getenv("DOMAINIMPORT_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "domain-import").
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	resources := amqpx.Resources{DB: db, Redis: rdb}
	defer resources.Close(logger)

	handler := amqpx.TypedHandler[domainRequest]{
		HandleFunc: newImportHandler(resources, logger),
	}

	consumerCfg := amqpx.DefaultConfig()
	consumerCfg.URL = cfg.AMQP.URL
	consumerCfg.Queue = cfg.AMQP.Queue
	consumerCfg.Exchange = cfg.AMQP.Exchange
	if cfg.AMQP.ExchangeType != "" {
		consumerCfg.ExchangeType = cfg.AMQP.ExchangeType
	}
	consumerCfg.RoutingKey = cfg.AMQP.RoutingKey
	if cfg.AMQP.Prefetch > 0 {
		consumerCfg.Prefetch = cfg.AMQP.Prefetch
	}
	consumerCfg.MaxRequeueRetries = cfg.AMQP.MaxRequeueRetries
	if cfg.AMQP.RetryInterval > 0 {
		consumerCfg.RetryInterval = cfg.AMQP.RetryInterval
	}
	consumerCfg.DeadLetterExchange = cfg.AMQP.DeadLetterExchange
	consumerCfg.DeadLetterQueue = cfg.AMQP.DeadLetterQueue
	if cfg.AMQP.GracePeriod > 0 {
		consumerCfg.GracePeriod = cfg.AMQP.GracePeriod
	}

	consumer, err := amqpx.NewConsumer(consumerCfg, handler, &logger)
	if err != nil {
		return err
	}

	logger.Info().Str("queue", consumerCfg.Queue).Msg("starting domain-import consumer")
	return consumer.Run(ctx)
}

// newImportHandler upserts the requested domain inside a transaction and
// marks it seen in Redis. Transient infrastructure failures declare a
// requeue-retry; anything structurally wrong with the request is dropped.
func newImportHandler(res amqpx.Resources, logger zerolog.Logger) func(context.Context, domainRequest) (amqpx.Outcome, error) {
	txHandler := &amqpx.TxHandler{
		Resources: res,
		HandleFunc: func(ctx context.Context, tx pgx.Tx, rdb *redis.Client, doc amqpx.Document) (amqpx.Outcome, error) {
			domain, _ := doc["domain"].(string)
			siteID, _ := doc["site_id"].(float64)

			if _, err := tx.Exec(ctx,
				`INSERT INTO site_domains (site_id, domain, updated_at)
				 VALUES ($1, $2, now())
				 ON CONFLICT (site_id, domain) DO UPDATE SET updated_at = now()`,
				int64(siteID), domain,
			); err != nil {
				logger.Warn().Err(err).Str("domain", domain).Msg("domain upsert failed")
				return amqpx.Fail(true), nil
			}

			if err := rdb.Set(ctx, "domain:last-seen:"+domain, time.Now().Unix(), 24*time.Hour).Err(); err != nil {
				// Cache write failure is not worth a retry cycle.
				logger.Warn().Err(err).Str("domain", domain).Msg("redis marker failed")
			}
			return amqpx.Succeed(), nil
		},
	}

	return func(ctx context.Context, req domainRequest) (amqpx.Outcome, error) {
		if req.Data.Domain == "" {
			logger.Error().Str("request_type", req.RequestType).Msg("request without domain, dropping")
			return amqpx.Fail(false), nil
		}
		return txHandler.Handle(ctx, amqpx.Document{
			"domain":  req.Data.Domain,
			"site_id": float64(req.Data.SiteID),
		})
	}
}
