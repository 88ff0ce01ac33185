package amqpx

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 0, retryCount(amqp.Table{}))
	assert.Equal(t, 0, retryCount(amqp.Table{retryCountHeader: "2"}))

	// Brokers and client libraries disagree about integer widths.
	assert.Equal(t, 2, retryCount(amqp.Table{retryCountHeader: 2}))
	assert.Equal(t, 2, retryCount(amqp.Table{retryCountHeader: int32(2)}))
	assert.Equal(t, 2, retryCount(amqp.Table{retryCountHeader: int64(2)}))
	assert.Equal(t, 2, retryCount(amqp.Table{retryCountHeader: float64(2)}))
}

func TestRequeuePublishing(t *testing.T) {
	original := amqp.Delivery{
		Headers:       amqp.Table{"x-custom": "kept", retryCountHeader: int32(1)},
		ContentType:   "application/json",
		CorrelationId: "corr-1",
		MessageId:     "msg-1",
		Expiration:    "60000",
		Priority:      3,
		Body:          []byte(`{"a":1}`),
	}

	pub := requeuePublishing(&original, 2)

	assert.Equal(t, int32(2), pub.Headers[retryCountHeader])
	assert.Equal(t, "kept", pub.Headers["x-custom"])
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, "corr-1", pub.CorrelationId)
	assert.Equal(t, "msg-1", pub.MessageId)
	assert.Equal(t, "60000", pub.Expiration)
	assert.Equal(t, uint8(3), pub.Priority)
	assert.Equal(t, []byte(`{"a":1}`), pub.Body)
	assert.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)

	// The original delivery's headers must not be touched.
	assert.Equal(t, int32(1), original.Headers[retryCountHeader])
}

func TestTruncateBody(t *testing.T) {
	assert.Equal(t, "short", truncateBody([]byte("short"), 10))
	assert.Equal(t, "0123456789...(truncated)", truncateBody([]byte("0123456789abcdef"), 10))
}
