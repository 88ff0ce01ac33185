package amqpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Consumer pulls deliveries from one queue, bounds how many are processed at
// once, and releases each delivery exactly once through the retry policy.
//
// Lifecycle: construct with NewConsumer, then Run. Run blocks until the
// context is cancelled (or Shutdown is called) and the drain completes, or
// until the transport is fatally broken.
type Consumer struct {
	cfg       Config
	logger    zerolog.Logger
	transport *Transport
	handler   Handler
	policy    *retryPolicy

	// gate admits at most Prefetch concurrent handler invocations, mirroring
	// the broker-side QoS window.
	gate *semaphore.Weighted

	shutdown   *ShutdownCoordinator
	workCtx    context.Context
	workCancel context.CancelFunc

	tag string
	wg  sync.WaitGroup
}

// NewConsumer validates cfg and builds a consumer around handler. A nil
// logger gets a default stdout zerolog logger tagged with the queue name.
func NewConsumer(cfg Config, handler Handler, logger *zerolog.Logger) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("amqpx: handler is required")
	}
	if logger == nil {
		l := zerolog.New(os.Stdout).With().Timestamp().Str("queue", cfg.Queue).Logger()
		logger = &l
	}

	transport := NewTransport(cfg, *logger)

	// The work context outlives the caller's context on purpose: cancelling
	// Run's context starts a drain, it does not kill in-flight handlers. Only
	// the coordinator's forced path cancels this.
	workCtx, workCancel := context.WithCancel(context.Background())

	c := &Consumer{
		cfg:       cfg,
		logger:    logger.With().Str("component", "consumer").Logger(),
		transport: transport,
		handler:   handler,
		policy: &retryPolicy{
			cfg:     cfg,
			publish: transport.Publish,
			logger:  logger.With().Str("component", "retry").Logger(),
		},
		gate:       semaphore.NewWeighted(int64(cfg.Prefetch)),
		workCtx:    workCtx,
		workCancel: workCancel,
		tag:        cfg.Queue + "-" + uuid.NewString()[:8],
	}
	c.shutdown = newShutdownCoordinator(cfg.gracePeriod(), cfg.drainPollInterval(), workCancel, *logger)
	return c, nil
}

// Shutdown starts the drain without waiting for it. Run returns once the
// drain (or the forced stop after the grace deadline) completes.
func (c *Consumer) Shutdown() {
	c.shutdown.Trigger()
	if err := c.transport.Cancel(c.tag); err != nil {
		c.logger.Warn().Err(err).Msg("cancel consumer failed during shutdown")
	}
}

// Draining reports whether the consumer has stopped admitting new deliveries.
func (c *Consumer) Draining() bool { return c.shutdown.Draining() }

// InFlight returns how many deliveries are currently being processed.
func (c *Consumer) InFlight() int64 { return c.shutdown.InFlight() }

// Run connects, declares topology, and consumes until ctx is cancelled and
// the drain finishes. A non-nil return means the consumer broke fatally (e.g.
// the transport's reconnect budget ran out) and the process should exit
// non-zero.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.workCancel()

	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	if err := c.transport.DeclareTopology(); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			c.Shutdown()
		case <-c.shutdown.Done():
		}
	}()

	c.logger.Info().
		Str("queue", c.cfg.Queue).
		Str("exchange", c.cfg.Exchange).
		Str("routing_key", c.cfg.RoutingKey).
		Int("prefetch", c.cfg.Prefetch).
		Msg("consumer starting")

	consumeErr := c.consumeLoop(ctx)

	// Whether the stream ended by shutdown or by a fatal transport error,
	// in-flight work still gets its drain window.
	c.shutdown.Trigger()
	<-c.shutdown.Done()
	if !c.shutdown.Forced() {
		// Wait for the terminal ack/nack of the last completions too; the
		// coordinator only tracks handler completion.
		c.wg.Wait()
	}
	c.transport.Close()

	if consumeErr != nil && !errors.Is(consumeErr, context.Canceled) {
		return consumeErr
	}
	return nil
}

// consumeLoop keeps a delivery stream open, re-establishing it after channel
// or connection loss until draining starts or the reconnect budget runs out.
func (c *Consumer) consumeLoop(ctx context.Context) error {
	for {
		deliveries, err := c.transport.Consume(c.tag)
		if err != nil {
			if c.shutdown.Draining() {
				return nil
			}
			if rerr := c.reestablish(ctx); rerr != nil {
				return rerr
			}
			continue
		}

		for d := range deliveries {
			c.dispatch(d)
		}

		if c.shutdown.Draining() {
			return nil
		}
		c.logger.Warn().Msg("delivery stream ended, re-establishing")
		if rerr := c.reestablish(ctx); rerr != nil {
			return rerr
		}
	}
}

// reestablish redials and redeclares topology under the transport's backoff
// budget after a mid-run loss.
func (c *Consumer) reestablish(ctx context.Context) error {
	return c.transport.withReconnectBudget(ctx, func() error {
		return c.transport.DeclareTopology()
	})
}

// dispatch is the admission step. Draining refuses the delivery outright;
// otherwise it blocks until the gate has a free slot, then hands the message
// to a processing goroutine. The in-flight counter covers exactly the
// admitted window.
func (c *Consumer) dispatch(d amqp.Delivery) {
	if c.shutdown.Draining() {
		if c.cfg.RequireAck {
			_ = d.Nack(false, true) // back to the queue untouched
		}
		return
	}

	if err := c.gate.Acquire(c.workCtx, 1); err != nil {
		// Force stop while waiting for a slot.
		if c.cfg.RequireAck {
			_ = d.Nack(false, true)
		}
		return
	}

	c.shutdown.messageEntered()
	c.wg.Add(1)
	go func() {
		defer func() {
			c.shutdown.messageDone()
			c.gate.Release(1)
			c.wg.Done()
		}()
		c.process(c.workCtx, d)
	}()
}

// process runs the Parsed and Dispatched steps and resolves the terminal
// state through the retry policy.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	var doc Document
	if err := json.Unmarshal(d.Body, &doc); err != nil {
		// Malformed payloads cannot self-heal; discard without retry.
		c.logger.Error().
			Err(err).
			Str("body", truncateBody(d.Body, 512)).
			Msg("malformed payload, discarding")
		if c.cfg.RequireAck {
			_ = d.Nack(false, false)
		}
		return
	}

	c.logger.Info().
		Str("message_id", d.MessageId).
		Int("retry", retryCount(d.Headers)).
		Int("bytes", len(d.Body)).
		Msg("message received")

	out, err := c.invoke(ctx, doc)
	if err != nil {
		// Unexpected errors do not get the requeue-retry treatment; only
		// failures a handler declares do.
		c.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("handler error")
		out = Fail(false)
	}

	if err := c.policy.resolve(ctx, &d, out); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Str("message_id", d.MessageId).Msg("failed to release delivery")
	}
}

// invoke calls the handler exactly once, converting a panic into an error so
// one bad message can never take the consumer down.
func (c *Consumer) invoke(ctx context.Context, doc Document) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Handle(ctx, doc)
}
