package amqpx

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// retryPolicy turns a handler outcome into exactly one terminal broker action
// for the delivery: ack, nack, or republish-then-ack.
type retryPolicy struct {
	cfg     Config
	publish func(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error
	logger  zerolog.Logger
}

// resolve releases the delivery according to the outcome.
//
// Requeue cycles republish a fresh message carrying x-retry-count+1 and then
// ack the original. The ordering is deliberate: republish first, so a crash
// between the two operations can at worst duplicate the message, never lose
// it. Counting is inclusive of the original attempt, so MaxRequeueRetries=R
// allows at most R+1 attempts in total.
func (p *retryPolicy) resolve(ctx context.Context, d *amqp.Delivery, out Outcome) error {
	if !p.cfg.RequireAck {
		// Fire-and-forget consumers never ack or nack.
		return nil
	}

	if out.Success {
		if err := d.Ack(false); err != nil {
			p.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("ack failed")
			return err
		}
		p.logger.Info().Str("message_id", d.MessageId).Msg("message acked")
		return nil
	}

	if !out.Requeue || p.cfg.MaxRequeueRetries == 0 {
		return p.reject(d)
	}

	n := retryCount(d.Headers)
	next := n + 1
	if next > p.cfg.MaxRequeueRetries {
		p.logger.Warn().Str("message_id", d.MessageId).Int("retries", n).Msg("requeue retries exhausted")
		return p.reject(d)
	}

	if p.cfg.RetryInterval > 0 {
		select {
		case <-time.After(p.cfg.RetryInterval):
		case <-ctx.Done():
			// Force stop while waiting: leave the delivery unacked, the
			// broker redelivers it after the connection closes.
			return ctx.Err()
		}
	}

	pub := requeuePublishing(d, next)
	if err := p.publish(ctx, "", p.cfg.republishKey(), pub); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("republish failed, rejecting instead")
		return p.reject(d)
	}
	if err := d.Ack(false); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("ack after republish failed")
		return err
	}
	p.logger.Info().Str("message_id", d.MessageId).Int("retry", next).Msg("message requeued with bumped retry count")
	return nil
}

// reject nacks a delivery that will not be retried. With a dead-letter route
// configured requeue=false hands the message to the broker's
// x-dead-letter-exchange binding; without one the message would simply vanish,
// so it goes back to the queue tail instead. Failing open like this trades a
// possible redelivery loop for never silently dropping data.
func (p *retryPolicy) reject(d *amqp.Delivery) error {
	requeue := !p.cfg.deadLetterConfigured()
	if err := d.Nack(false, requeue); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("nack failed")
		return err
	}
	if requeue {
		p.logger.Info().Str("message_id", d.MessageId).Msg("message nacked back to queue")
	} else {
		p.logger.Info().Str("message_id", d.MessageId).Str("dead_letter", p.cfg.DeadLetterQueue).Msg("message dead-lettered")
	}
	return nil
}
