package amqpx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var (
	// ErrConnection is returned once the transport's own reconnect budget is
	// exhausted. The consumer treats it as fatal and exits non-zero.
	ErrConnection = errors.New("amqpx: broker unreachable")

	// ErrClosed is returned for operations on a transport that has been shut down.
	ErrClosed = errors.New("amqpx: transport closed")
)

// closeTimeout bounds how long Close waits on the broker for each of the
// channel and connection teardowns.
const closeTimeout = 5 * time.Second

// Transport owns one broker connection and the channels opened on it. It is an
// explicit instance held by its consumer, never a process-wide singleton, so
// several consumers can coexist in one process and tests can swap in fakes.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool

	channels *channelPool
}

// NewTransport builds a transport for the given config. No I/O happens until
// Connect or the first channel request.
func NewTransport(cfg Config, logger zerolog.Logger) *Transport {
	t := &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "transport").Logger(),
	}
	t.channels = newChannelPool(t.logger, t.connection, t.onChannelOpened)
	return t
}

// Connect dials the broker, retrying transient failures with exponential
// backoff until the configured retry budget runs out.
func (t *Transport) Connect(ctx context.Context) error {
	return t.withReconnectBudget(ctx, func() error {
		_, err := t.connection()
		return err
	})
}

// withReconnectBudget runs op under the transport's exponential backoff
// policy. It gives up once ConnectRetryBudget has elapsed and surfaces
// ErrConnection, at which point the consumer is considered fatally broken.
func (t *Transport) withReconnectBudget(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = t.cfg.ConnectRetryBudget

	attempt := 0
	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return backoff.Permanent(ErrClosed)
		}
		attempt++
		err := op()
		if err != nil {
			t.logger.Warn().Err(err).Int("attempt", attempt).Msg("broker connect failed, retrying")
		}
		return err
	}
	if err := backoff.Retry(wrapped, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// connection returns the live connection, dialing one if needed. One dial at a
// time; a NotifyClose watcher clears the slot when the broker drops us so the
// next caller redials.
func (t *Transport) connection() (*amqp.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.conn != nil {
		return t.conn, nil
	}

	conn, err := amqp.Dial(t.cfg.URL)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	t.logger.Info().Str("queue", t.cfg.Queue).Msg("broker connection opened")

	go func() {
		err := <-conn.NotifyClose(make(chan *amqp.Error))
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			t.logger.Info().Msg("broker connection closed")
			return
		}
		t.logger.Warn().Err(err).Msg("broker connection lost")
	}()
	return conn, nil
}

// onChannelOpened applies per-channel setup. Consumer channels get the QoS
// window; it must stay numerically equal to the local concurrency gate or the
// broker will over- or under-deliver relative to admission control.
func (t *Transport) onChannelOpened(ch *amqp.Channel, kind string) error {
	t.logger.Debug().Str("channel", kind).Msg("channel opened")
	if kind == consumerChannel {
		if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}
	return nil
}

// DeclareTopology declares the dead-letter route (when configured), the main
// queue, and the main exchange binding. The dead-letter exchange must exist
// before the main queue references it through x-dead-letter-exchange, so it
// goes first.
func (t *Transport) DeclareTopology() error {
	ch, err := t.channels.ConsumerChannel()
	if err != nil {
		return err
	}

	if t.cfg.deadLetterConfigured() {
		if err := ch.ExchangeDeclare(
			t.cfg.DeadLetterExchange,
			ExchangeDirect,
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare dead-letter exchange: %w", err)
		}
		if _, err := ch.QueueDeclare(
			t.cfg.DeadLetterQueue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare dead-letter queue: %w", err)
		}
		if err := ch.QueueBind(t.cfg.DeadLetterQueue, t.cfg.republishKey(), t.cfg.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind dead-letter queue: %w", err)
		}
		t.logger.Info().Str("exchange", t.cfg.DeadLetterExchange).Str("queue", t.cfg.DeadLetterQueue).Msg("dead-letter route declared")
	}

	args := amqp.Table{}
	if t.cfg.MaxPriority > 0 {
		args["x-max-priority"] = int32(t.cfg.MaxPriority)
	}
	if t.cfg.deadLetterConfigured() {
		args["x-dead-letter-exchange"] = t.cfg.DeadLetterExchange
	}
	if len(args) == 0 {
		args = nil
	}
	if _, err := ch.QueueDeclare(
		t.cfg.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.cfg.Queue, err)
	}

	if t.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(
			t.cfg.Exchange,
			t.cfg.ExchangeType,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", t.cfg.Exchange, err)
		}
		if err := ch.QueueBind(t.cfg.Queue, t.cfg.RoutingKey, t.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", t.cfg.Queue, err)
		}
	}

	t.logger.Info().Str("queue", t.cfg.Queue).Str("exchange", t.cfg.Exchange).Msg("topology declared")
	return nil
}

// Consume opens a delivery stream from the main queue. RequireAck=false maps
// to broker auto-ack: fire-and-forget consumers never ack or nack.
func (t *Transport) Consume(tag string) (<-chan amqp.Delivery, error) {
	ch, err := t.channels.ConsumerChannel()
	if err != nil {
		return nil, err
	}
	return ch.Consume(
		t.cfg.Queue,
		tag,
		!t.cfg.RequireAck, // auto-ack
		false,             // exclusive
		false,             // no-local
		false,             // no-wait
		nil,
	)
}

// Cancel stops the broker from sending further deliveries for the tag.
func (t *Transport) Cancel(tag string) error {
	ch, err := t.channels.ConsumerChannel()
	if err != nil {
		return err
	}
	return ch.Cancel(tag, false)
}

// Publish hands a message to the broker on the given exchange and routing key.
// Calls are serialized internally: the AMQP protocol multiplexes commands over
// one logical channel, which is not safe for concurrent writers.
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	return t.channels.Publish(ctx, exchange, routingKey, pub)
}

// Close tears down channel then connection, each bounded by closeTimeout.
// Failures here are logged and swallowed: shutdown must never hang on a
// misbehaving broker, and a dropped connection returns unacked deliveries to
// the queue anyway.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.channels.Close(closeTimeout)

	if conn != nil {
		if err := closeWithTimeout(conn.Close, closeTimeout); err != nil {
			t.logger.Warn().Err(err).Msg("connection close did not finish cleanly")
		}
	}
	t.logger.Info().Msg("transport closed")
}

// closeWithTimeout runs a blocking close call but abandons it after d.
func closeWithTimeout(closeFn func() error, d time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- closeFn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return fmt.Errorf("close timed out after %v", d)
	}
}
