package amqpx

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConsumer builds a consumer whose republishes are captured by rec
// instead of hitting a broker. The transport is never connected; these tests
// drive the pipeline through dispatch directly.
func newTestConsumer(t *testing.T, cfg Config, handler Handler, rec *publishRecorder) *Consumer {
	t.Helper()
	logger := zerolog.Nop()
	c, err := NewConsumer(cfg, handler, &logger)
	require.NoError(t, err)
	c.policy.publish = rec.publish
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestNewConsumerRejectsBadInput(t *testing.T) {
	logger := zerolog.Nop()

	_, err := NewConsumer(Config{}, HandlerFunc(func(context.Context, Document) (Outcome, error) {
		return Succeed(), nil
	}), &logger)
	require.Error(t, err)

	_, err = NewConsumer(validTestConfig(), nil, &logger)
	require.Error(t, err)
}

func TestDispatchMalformedPayloadIsDiscarded(t *testing.T) {
	var invoked atomic.Bool
	handler := HandlerFunc(func(context.Context, Document) (Outcome, error) {
		invoked.Store(true)
		return Succeed(), nil
	})
	rec := &publishRecorder{}
	c := newTestConsumer(t, retryTestConfig(), handler, rec)

	acker := &fakeAcker{}
	c.dispatch(newTestDelivery(acker, []byte(`{not json`), nil))

	waitFor(t, func() bool { return acker.terminalCount() == 1 })
	waitFor(t, func() bool { return c.InFlight() == 0 })

	assert.False(t, invoked.Load(), "handler must not see a malformed payload")
	assert.Equal(t, []bool{false}, acker.nackRequeues(), "malformed payloads are dropped, not requeued")
	assert.Equal(t, 0, rec.count())
}

func TestDispatchBoundsConcurrentHandlers(t *testing.T) {
	const prefetch = 3
	const total = 12

	var active, peak, done atomic.Int64
	handler := HandlerFunc(func(context.Context, Document) (Outcome, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return Succeed(), nil
	})

	cfg := retryTestConfig()
	cfg.Prefetch = prefetch
	c := newTestConsumer(t, cfg, handler, &publishRecorder{})

	ackers := make([]*fakeAcker, total)
	for i := range ackers {
		ackers[i] = &fakeAcker{}
	}
	go func() {
		// dispatch blocks on the gate, as the receive loop does.
		for i := range ackers {
			c.dispatch(newTestDelivery(ackers[i], []byte(`{}`), nil))
		}
	}()

	waitFor(t, func() bool { return done.Load() == total })
	waitFor(t, func() bool { return c.InFlight() == 0 })

	assert.LessOrEqual(t, peak.Load(), int64(prefetch), "admission exceeded prefetch")
	for _, a := range ackers {
		assert.Equal(t, 1, a.ackCount())
	}
}

func TestDispatchSerializesWithPrefetchOne(t *testing.T) {
	release := make(chan struct{})
	firstAcker := &fakeAcker{}
	secondStarted := make(chan struct{})

	var calls atomic.Int64
	handler := HandlerFunc(func(context.Context, Document) (Outcome, error) {
		switch calls.Add(1) {
		case 1:
			<-release
		case 2:
			// The first delivery must be fully terminal before the second
			// handler starts.
			assert.Equal(t, 1, firstAcker.ackCount())
			close(secondStarted)
		}
		return Succeed(), nil
	})

	cfg := retryTestConfig()
	cfg.Prefetch = 1
	c := newTestConsumer(t, cfg, handler, &publishRecorder{})

	secondAcker := &fakeAcker{}
	go func() {
		c.dispatch(newTestDelivery(firstAcker, []byte(`{}`), nil))
		c.dispatch(newTestDelivery(secondAcker, []byte(`{}`), nil))
	}()

	waitFor(t, func() bool { return calls.Load() == 1 })
	select {
	case <-secondStarted:
		t.Fatal("second handler started while first still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	waitClosed(t, secondStarted, time.Second)
	waitFor(t, func() bool { return secondAcker.ackCount() == 1 })
}

func TestDispatchWhileDrainingRequeuesUntouched(t *testing.T) {
	var invoked atomic.Bool
	handler := HandlerFunc(func(context.Context, Document) (Outcome, error) {
		invoked.Store(true)
		return Succeed(), nil
	})
	c := newTestConsumer(t, retryTestConfig(), handler, &publishRecorder{})

	c.shutdown.Trigger()

	acker := &fakeAcker{}
	c.dispatch(newTestDelivery(acker, []byte(`{}`), nil))

	assert.Equal(t, []bool{true}, acker.nackRequeues(), "draining returns the message to the queue")
	assert.False(t, invoked.Load())
	assert.EqualValues(t, 0, c.InFlight())
}

func TestHandlerErrorGetsNoRetryTreatment(t *testing.T) {
	handler := HandlerFunc(func(context.Context, Document) (Outcome, error) {
		return Outcome{}, errors.New("boom")
	})
	cfg := retryTestConfig()
	cfg.MaxRequeueRetries = 3
	cfg.DeadLetterExchange = "dlx"
	cfg.DeadLetterQueue = "dlq"
	rec := &publishRecorder{}
	c := newTestConsumer(t, cfg, handler, rec)

	acker := &fakeAcker{}
	c.dispatch(newTestDelivery(acker, []byte(`{}`), nil))

	waitFor(t, func() bool { return acker.terminalCount() == 1 })

	// Unexpected errors are dead-lettered immediately; only declared
	// Fail(true) outcomes enter the requeue cycle.
	assert.Equal(t, []bool{false}, acker.nackRequeues())
	assert.Equal(t, 0, rec.count())
}

func TestHandlerPanicDoesNotKillConsumer(t *testing.T) {
	handler := HandlerFunc(func(context.Context, Document) (Outcome, error) {
		panic("bad handler")
	})
	c := newTestConsumer(t, retryTestConfig(), handler, &publishRecorder{})

	acker := &fakeAcker{}
	c.dispatch(newTestDelivery(acker, []byte(`{}`), nil))

	waitFor(t, func() bool { return acker.terminalCount() == 1 })
	waitFor(t, func() bool { return c.InFlight() == 0 })

	assert.Equal(t, []bool{true}, acker.nackRequeues())
}

func TestDeclaredFailureEntersRequeueCycle(t *testing.T) {
	handler := HandlerFunc(func(context.Context, Document) (Outcome, error) {
		return Fail(true), nil
	})
	cfg := retryTestConfig()
	cfg.MaxRequeueRetries = 2
	rec := &publishRecorder{}
	c := newTestConsumer(t, cfg, handler, rec)

	acker := &fakeAcker{}
	c.dispatch(newTestDelivery(acker, []byte(`{"job":"x"}`), nil))

	waitFor(t, func() bool { return acker.terminalCount() == 1 })

	require.Equal(t, 1, rec.count())
	assert.Equal(t, int32(1), rec.last().Headers[retryCountHeader])
	assert.Equal(t, 1, acker.ackCount())
}
