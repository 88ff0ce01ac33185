package amqpx

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	consumerChannel  = "consumer"
	publisherChannel = "publisher"
)

// channelPool keeps one consumer channel and one publisher channel on the
// shared connection. Consuming and publishing on separate channels keeps a
// slow downstream ack path from blocking the retry-policy republishes.
// Channels are reopened lazily after the broker closes them.
type channelPool struct {
	logger  zerolog.Logger
	connect func() (*amqp.Connection, error)
	onOpen  func(ch *amqp.Channel, kind string) error

	mu        sync.Mutex
	publisher *amqp.Channel
	consumer  *amqp.Channel

	// pubMu serializes writes on the publisher channel; amqp channels are not
	// safe for concurrent publish.
	pubMu sync.Mutex
}

func newChannelPool(logger zerolog.Logger, connect func() (*amqp.Connection, error), onOpen func(ch *amqp.Channel, kind string) error) *channelPool {
	return &channelPool{
		logger:  logger,
		connect: connect,
		onOpen:  onOpen,
	}
}

// ConsumerChannel returns (or reopens) the channel deliveries arrive on.
func (p *channelPool) ConsumerChannel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumer != nil {
		return p.consumer, nil
	}
	ch, err := p.open(consumerChannel)
	if err != nil {
		return nil, err
	}
	p.consumer = ch
	return ch, nil
}

// PublisherChannel returns (or reopens) the channel publishes go out on.
func (p *channelPool) PublisherChannel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publisher != nil {
		return p.publisher, nil
	}
	ch, err := p.open(publisherChannel)
	if err != nil {
		return nil, err
	}
	p.publisher = ch
	return ch, nil
}

// open creates a channel of the given kind and installs the close watcher
// that clears the slot so the next caller reopens. Caller holds p.mu.
func (p *channelPool) open(kind string) (*amqp.Channel, error) {
	conn, err := p.connect()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := p.onOpen(ch, kind); err != nil {
		_ = ch.Close()
		return nil, err
	}
	go func() {
		err := <-ch.NotifyClose(make(chan *amqp.Error))
		if err != nil {
			p.logger.Warn().Err(err).Str("channel", kind).Msg("channel closed unexpectedly")
		}
		p.mu.Lock()
		switch kind {
		case consumerChannel:
			if p.consumer == ch {
				p.consumer = nil
			}
		case publisherChannel:
			if p.publisher == ch {
				p.publisher = nil
			}
		}
		p.mu.Unlock()
	}()
	return ch, nil
}

// Publish sends one message on the publisher channel under the publish lock.
func (p *channelPool) Publish(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	ch, err := p.PublisherChannel()
	if err != nil {
		return err
	}
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub)
}

// Close shuts both channels, each bounded by the given timeout.
func (p *channelPool) Close(timeout time.Duration) {
	p.mu.Lock()
	publisher, consumer := p.publisher, p.consumer
	p.publisher, p.consumer = nil, nil
	p.mu.Unlock()

	for kind, ch := range map[string]*amqp.Channel{publisherChannel: publisher, consumerChannel: consumer} {
		if ch == nil {
			continue
		}
		if err := closeWithTimeout(ch.Close, timeout); err != nil {
			p.logger.Warn().Err(err).Str("channel", kind).Msg("channel close did not finish cleanly")
		}
	}
}
