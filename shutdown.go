package amqpx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownCoordinator drives the two-phase stop: first drain (stop admitting,
// wait for in-flight work), then force (cancel whatever is still running once
// the grace deadline passes). Immediate termination would interrupt handlers
// mid-side-effect; an unbounded wait would let one stuck handler pin the
// process forever.
//
// The in-flight counter is mutated only by the message pipeline; the
// coordinator just reads it while polling.
type ShutdownCoordinator struct {
	logger zerolog.Logger
	grace  time.Duration
	poll   time.Duration

	// cancelWork cancels the context shared by all in-flight handlers. Only
	// the forced path calls it; no other path cancels a handler mid-run.
	cancelWork func()

	draining atomic.Bool
	forced   atomic.Bool
	inFlight atomic.Int64

	once sync.Once
	done chan struct{}
}

func newShutdownCoordinator(grace, poll time.Duration, cancelWork func(), logger zerolog.Logger) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		logger:     logger.With().Str("component", "shutdown").Logger(),
		grace:      grace,
		poll:       poll,
		cancelWork: cancelWork,
		done:       make(chan struct{}),
	}
}

// Trigger starts draining. Safe to call more than once; only the first call
// takes effect.
func (s *ShutdownCoordinator) Trigger() {
	s.once.Do(func() {
		s.draining.Store(true)
		s.logger.Info().Int64("in_flight", s.inFlight.Load()).Msg("shutdown triggered, draining")
		go s.drain()
	})
}

// Draining reports whether new deliveries should be refused. Consulted by the
// pipeline's admission step.
func (s *ShutdownCoordinator) Draining() bool { return s.draining.Load() }

// Forced reports whether the grace deadline elapsed with work remaining.
func (s *ShutdownCoordinator) Forced() bool { return s.forced.Load() }

// InFlight returns the number of messages currently inside the pipeline.
func (s *ShutdownCoordinator) InFlight() int64 { return s.inFlight.Load() }

// Done is closed once the coordinator has either drained cleanly or force-
// stopped the stragglers.
func (s *ShutdownCoordinator) Done() <-chan struct{} { return s.done }

func (s *ShutdownCoordinator) messageEntered() { s.inFlight.Add(1) }
func (s *ShutdownCoordinator) messageDone()    { s.inFlight.Add(-1) }

func (s *ShutdownCoordinator) drain() {
	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()
	tick := time.NewTicker(s.poll)
	defer tick.Stop()

	for {
		remaining := s.inFlight.Load()
		if remaining == 0 {
			s.logger.Info().Msg("drained, all in-flight messages completed")
			close(s.done)
			return
		}
		select {
		case <-tick.C:
			s.logger.Debug().Int64("in_flight", remaining).Msg("waiting for in-flight messages")
		case <-deadline.C:
			// Abandoned deliveries are neither acked nor nacked here; closing
			// the connection returns them to the queue.
			s.forced.Store(true)
			s.cancelWork()
			s.logger.Warn().Int64("abandoned", s.inFlight.Load()).Msg("grace deadline elapsed, force stopping")
			close(s.done)
			return
		}
	}
}
