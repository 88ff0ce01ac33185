package amqpx

import (
	"context"
	"encoding/json"
	"fmt"
)

// Document is the parsed form of a message body. Payloads on the wire are
// JSON objects; anything that fails to decode is discarded without retry.
type Document map[string]any

// Outcome is the handler's verdict on a single delivery.
type Outcome struct {
	Success bool
	// Requeue asks for another attempt via the retry-count protocol. Only
	// meaningful on failure, and only honored when the consumer is configured
	// with MaxRequeueRetries > 0.
	Requeue bool
}

// Succeed reports successful processing; the delivery will be acked.
func Succeed() Outcome { return Outcome{Success: true} }

// Fail reports failed processing. With requeue true the message re-enters the
// queue carrying an incremented x-retry-count header, until retries are
// exhausted. With requeue false it is rejected immediately: dead-lettered if a
// dead-letter route exists, otherwise returned to the queue tail.
func Fail(requeue bool) Outcome { return Outcome{Requeue: requeue} }

// Handler is the single extension point business code implements.
//
// A returned error means something unexpected happened; it is treated exactly
// like Fail(false) — only failures a handler declares explicitly get the
// requeue-retry treatment. Handle must tolerate out-of-order completion: with
// Prefetch > 1 there is no guarantee about which concurrent delivery finishes
// first.
type Handler interface {
	Handle(ctx context.Context, doc Document) (Outcome, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, doc Document) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, doc Document) (Outcome, error) {
	return f(ctx, doc)
}

// TypedHandler adapts a function taking a concrete payload struct into a
// Handler. The document is re-encoded and decoded into T; a document that does
// not fit T is an unexpected error, not a declared failure.
type TypedHandler[T any] struct {
	HandleFunc func(ctx context.Context, msg T) (Outcome, error)
}

func (h TypedHandler[T]) Handle(ctx context.Context, doc Document) (Outcome, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode document: %w", err)
	}
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Outcome{}, fmt.Errorf("decode document into %T: %w", msg, err)
	}
	return h.HandleFunc(ctx, msg)
}
