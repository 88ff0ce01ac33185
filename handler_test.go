package amqpx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedHandlerDecodesDocument(t *testing.T) {
	type importRequest struct {
		RequestType string `json:"request_type"`
		Count       int    `json:"count"`
	}

	var got importRequest
	h := TypedHandler[importRequest]{
		HandleFunc: func(_ context.Context, msg importRequest) (Outcome, error) {
			got = msg
			return Succeed(), nil
		},
	}

	out, err := h.Handle(context.Background(), Document{
		"request_type": "auth_update",
		"count":        float64(3),
	})

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "auth_update", got.RequestType)
	assert.Equal(t, 3, got.Count)
}

func TestTypedHandlerUnfittingDocumentIsAnError(t *testing.T) {
	type strict struct {
		Count int `json:"count"`
	}
	h := TypedHandler[strict]{
		HandleFunc: func(context.Context, strict) (Outcome, error) {
			t.Fatal("handler must not run on a document that does not decode")
			return Succeed(), nil
		},
	}

	_, err := h.Handle(context.Background(), Document{"count": "three"})
	require.Error(t, err)
}

func TestOutcomeConstructors(t *testing.T) {
	assert.True(t, Succeed().Success)
	assert.False(t, Fail(true).Success)
	assert.True(t, Fail(true).Requeue)
	assert.False(t, Fail(false).Requeue)
}
