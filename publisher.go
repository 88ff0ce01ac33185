package amqpx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// PublisherConfig tunes the producer-side retry budget. A publish is retried
// with exponential backoff until MaxRetries attempts or MaxElapsed wall time,
// whichever comes first.
type PublisherConfig struct {
	Exchange     string
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxElapsed   time.Duration
	Persistent   bool
}

// DefaultPublisherConfig mirrors the consumer-side wire contract: persistent
// messages, three attempts, ten-second overall budget.
func DefaultPublisherConfig(exchange string) PublisherConfig {
	return PublisherConfig{
		Exchange:     exchange,
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxElapsed:   10 * time.Second,
		Persistent:   true,
	}
}

// PublishTransport is the wire capability a Publisher needs. *Transport
// satisfies it; tests substitute fakes.
type PublishTransport interface {
	Publish(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error
}

// Publisher is the producer-side counterpart of the consumer: JSON payloads,
// persistent delivery, x-send-time stamping, and exponential-backoff retry on
// transient publish failure.
type Publisher struct {
	cfg       PublisherConfig
	transport PublishTransport
	logger    zerolog.Logger
}

// NewPublisher builds a publisher on an existing transport. The transport
// serializes concurrent publishes internally.
func NewPublisher(transport PublishTransport, cfg PublisherConfig, logger zerolog.Logger) *Publisher {
	return &Publisher{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// PublishOption adjusts a single publish.
type PublishOption func(*amqp.Publishing)

// WithPriority sets the message priority; only meaningful on queues declared
// with x-max-priority.
func WithPriority(p uint8) PublishOption {
	return func(pub *amqp.Publishing) { pub.Priority = p }
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) PublishOption {
	return func(pub *amqp.Publishing) { pub.MessageId = id }
}

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(pub *amqp.Publishing) { pub.CorrelationId = id }
}

// WithHeader adds one header to the outgoing message.
func WithHeader(key string, value any) PublishOption {
	return func(pub *amqp.Publishing) {
		if pub.Headers == nil {
			pub.Headers = amqp.Table{}
		}
		pub.Headers[key] = value
	}
}

// Publish marshals msg as JSON and hands it to the broker under the retry
// budget. msg may be any JSON-encodable value; []byte and string are sent
// as-is.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg any, opts ...PublishOption) error {
	if msg == nil {
		return fmt.Errorf("amqpx: publish: msg cannot be nil")
	}

	var body []byte
	switch v := msg.(type) {
	case []byte:
		body = v
	case string:
		body = []byte(v)
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			return fmt.Errorf("amqpx: publish: marshal: %w", err)
		}
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		MessageId:    uuid.NewString(),
		DeliveryMode: amqp.Transient,
		Headers:      amqp.Table{"x-send-time": time.Now().UTC().Format(time.RFC3339)},
	}
	if p.cfg.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	for _, opt := range opts {
		opt(&pub)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialDelay
	b.MaxElapsedTime = p.cfg.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := p.transport.Publish(ctx, p.cfg.Exchange, routingKey, pub)
		if err != nil {
			p.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("routing_key", routingKey).
				Msg("publish failed, retrying")
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.cfg.MaxRetries), ctx)); err != nil {
		return fmt.Errorf("amqpx: publish after %d attempts: %w", attempt, err)
	}

	p.logger.Info().
		Str("exchange", p.cfg.Exchange).
		Str("routing_key", routingKey).
		Str("message_id", pub.MessageId).
		Msg("message published")
	return nil
}
