package amqpx

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// retryCountHeader carries the application-level requeue counter. Each
// republish cycle produces a fresh message with this header bumped by one.
const retryCountHeader = "x-retry-count"

// retryCount reads the current retry counter from a delivery's headers,
// defaulting to 0 when absent. AMQP tables surface integers under several Go
// types depending on the encoder, so all of them are accepted.
func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[retryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// requeuePublishing builds the replacement message for a requeue cycle: same
// body and metadata as the original delivery, but a new headers table carrying
// the incremented retry counter. The original delivery's table is never
// mutated; a delivery may still be referenced by the broker library after we
// ack it.
func requeuePublishing(d *amqp.Delivery, nextRetry int) amqp.Publishing {
	headers := make(amqp.Table, len(d.Headers)+1)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(nextRetry)

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

// truncateBody caps a raw body for log output so a pathological payload does
// not flood the log stream.
func truncateBody(body []byte, max int) string {
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "...(truncated)"
}
