package sinkpipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SchedulerState is the FlushScheduler's position in its cycle.
type SchedulerState int32

const (
	StateIdle SchedulerState = iota
	StateAccumulating
	StateFlushTriggered
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	default:
		return "flush_triggered"
	}
}

// FlushTrigger records why a flush happened.
type FlushTrigger string

const (
	TriggerSize    FlushTrigger = "size"
	TriggerTimeout FlushTrigger = "timeout"
	TriggerFinal   FlushTrigger = "shutdown"
)

// FlushFunc receives every non-empty drained batch. A returned error stops the
// scheduler.
type FlushFunc func(ctx context.Context, batch *Batch, trigger FlushTrigger) error

// FlushScheduler drains the buffer when it reaches its size threshold or when
// its oldest record has waited for the timeout, whichever comes first.
type FlushScheduler struct {
	buffer  *BatchBuffer
	size    int
	timeout time.Duration
	flush   FlushFunc
	logger  zerolog.Logger

	armed    chan struct{}
	full     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	state    atomic.Int32
}

// NewFlushScheduler creates a scheduler for buffer. The size threshold is the
// buffer's capacity.
func NewFlushScheduler(buffer *BatchBuffer, timeout time.Duration, flush FlushFunc, logger zerolog.Logger) (*FlushScheduler, error) {
	if timeout <= 0 {
		return nil, NewConfigurationError("buffer_timeout", "must be positive, got %s", timeout)
	}
	return &FlushScheduler{
		buffer:  buffer,
		size:    buffer.Capacity(),
		timeout: timeout,
		flush:   flush,
		logger:  logger.With().Str("component", "FlushScheduler").Logger(),
		armed:   make(chan struct{}, 1),
		full:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}, nil
}

// State returns the current scheduler state.
func (s *FlushScheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Notify is called after every append with the buffered count it returned.
// It never blocks.
func (s *FlushScheduler) Notify(count int) {
	if count == 1 {
		select {
		case s.armed <- struct{}{}:
		default:
		}
	}
	if count >= s.size {
		select {
		case s.full <- struct{}{}:
		default:
		}
	}
}

// Stop ends Run after the flush in progress, if any, has returned. Unlike
// cancelling Run's context it does not interrupt that flush.
func (s *FlushScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run drives the flush cycle until ctx is done, Stop is called or a flush
// fails. Records still buffered when Run returns are left for the caller's
// final flush.
func (s *FlushScheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.timeout)
	timer.Stop()
	defer timer.Stop()

	s.logger.Debug().Int("buffer_size", s.size).Dur("buffer_timeout", s.timeout).Msg("Flush scheduler started.")
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.stop:
			return nil

		case <-s.full:
			if s.buffer.Size() < s.size {
				continue
			}
			if err := s.trigger(ctx, timer, TriggerSize); err != nil {
				return err
			}

		case <-s.armed:
			if s.State() == StateIdle && s.buffer.Size() > 0 {
				s.accumulate(timer)
			}

		case <-timer.C:
			// A pending size signal wins over the timer.
			select {
			case <-s.full:
				if s.buffer.Size() >= s.size {
					if err := s.trigger(ctx, timer, TriggerSize); err != nil {
						return err
					}
					continue
				}
			default:
			}
			if s.buffer.Size() == 0 {
				s.state.Store(int32(StateIdle))
				continue
			}
			if wait := s.remaining(); wait > 0 {
				timer.Reset(wait)
				continue
			}
			if err := s.trigger(ctx, timer, TriggerTimeout); err != nil {
				return err
			}
		}
	}
}

// accumulate enters Accumulating and arms the timer for the oldest record.
func (s *FlushScheduler) accumulate(timer *time.Timer) {
	s.state.Store(int32(StateAccumulating))
	timer.Reset(max(s.remaining(), 0))
}

func (s *FlushScheduler) remaining() time.Duration {
	oldest := s.buffer.Oldest()
	if oldest.IsZero() {
		return s.timeout
	}
	return s.timeout - time.Since(oldest)
}

func (s *FlushScheduler) trigger(ctx context.Context, timer *time.Timer, reason FlushTrigger) error {
	timer.Stop()
	s.state.Store(int32(StateFlushTriggered))

	batch := s.buffer.Drain()
	var err error
	if batch.Len() > 0 {
		s.logger.Debug().Str("trigger", string(reason)).Int("batch_size", batch.Len()).Msg("Flush triggered.")
		err = s.flush(ctx, batch, reason)
	}

	s.state.Store(int32(StateIdle))
	if err == nil && s.buffer.Size() > 0 {
		s.accumulate(timer)
	}
	return err
}
