package amqpx

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeAcker records ack/nack traffic in place of a live channel.
type fakeAcker struct {
	mu      sync.Mutex
	acks    int
	nacks   []bool // requeue flag per nack
	rejects int
	err     error // returned from every call when set
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.nacks = append(a.nacks, requeue)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.rejects++
	return nil
}

func (a *fakeAcker) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks
}

func (a *fakeAcker) nackRequeues() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.nacks...)
}

func (a *fakeAcker) terminalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks + len(a.nacks) + a.rejects
}

func newTestDelivery(acker *fakeAcker, body []byte, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		Headers:      headers,
		Body:         body,
		MessageId:    "test-message",
		ContentType:  "application/json",
		RoutingKey:   "work.items",
	}
}

// publishRecorder captures republished messages.
type publishRecorder struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	err       error
}

func (r *publishRecorder) publish(_ context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, pub)
	r.keys = append(r.keys, routingKey)
	return nil
}

func (r *publishRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func (r *publishRecorder) last() amqp.Publishing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published[len(r.published)-1]
}
