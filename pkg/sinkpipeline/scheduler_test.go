package sinkpipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu       sync.Mutex
	batches  []*sinkpipeline.Batch
	triggers []sinkpipeline.FlushTrigger
	times    []time.Time
}

func (f *flushRecorder) flush(_ context.Context, batch *sinkpipeline.Batch, trigger sinkpipeline.FlushTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	f.triggers = append(f.triggers, trigger)
	f.times = append(f.times, time.Now())
	return nil
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *flushRecorder) get(i int) (*sinkpipeline.Batch, sinkpipeline.FlushTrigger, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i], f.triggers[i], f.times[i]
}

// newTestScheduler starts a scheduler and returns an append helper that
// behaves like the coordinator's ingestion path.
func newTestScheduler(t *testing.T, size int, timeout time.Duration) (*sinkpipeline.FlushScheduler, *flushRecorder, func(sinkpipeline.EnrichedRecord)) {
	t.Helper()
	buf, err := sinkpipeline.NewBatchBuffer(size, sinkpipeline.OverflowBlock)
	require.NoError(t, err)
	rec := &flushRecorder{}
	sched, err := sinkpipeline.NewFlushScheduler(buf, timeout, rec.flush, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	appendFn := func(r sinkpipeline.EnrichedRecord) {
		n, err := buf.Append(ctx, r)
		require.NoError(t, err)
		sched.Notify(n)
	}
	return sched, rec, appendFn
}

func TestFlushScheduler_SizeTriggerIsExact(t *testing.T) {
	_, rec, appendFn := newTestScheduler(t, 3, 10*time.Second)

	go func() {
		for i := 0; i < 9; i++ {
			appendFn(enriched(0, int64(i)))
		}
	}()

	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	for i := 0; i < 3; i++ {
		batch, trigger, _ := rec.get(i)
		assert.Equal(t, 3, batch.Len())
		assert.Equal(t, sinkpipeline.TriggerSize, trigger)
	}
}

func TestFlushScheduler_TimeoutTrigger(t *testing.T) {
	timeout := 200 * time.Millisecond
	sched, rec, appendFn := newTestScheduler(t, 10, timeout)

	start := time.Now()
	appendFn(enriched(0, 0))
	appendFn(enriched(0, 1))

	require.Eventually(t, func() bool { return sched.State() == sinkpipeline.StateAccumulating }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return rec.count() > 0 }, timeout-50*time.Millisecond, 5*time.Millisecond,
		"no flush may happen before the timeout")
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	batch, trigger, at := rec.get(0)
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, sinkpipeline.TriggerTimeout, trigger)
	assert.GreaterOrEqual(t, at.Sub(start), timeout)
	require.Eventually(t, func() bool { return sched.State() == sinkpipeline.StateIdle }, time.Second, time.Millisecond)
}

func TestFlushScheduler_EmptyBufferNeverFlushes(t *testing.T) {
	sched, rec, _ := newTestScheduler(t, 5, 50*time.Millisecond)

	// A stray arm signal with nothing buffered must not produce a write.
	sched.Notify(1)
	require.Never(t, func() bool { return rec.count() > 0 }, 250*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, sinkpipeline.StateIdle, sched.State())
}

// TestFlushScheduler_SizeThenTimeoutScenario: size 3 fills and flushes at once,
// then a single record waits out the full timeout on its own.
func TestFlushScheduler_SizeThenTimeoutScenario(t *testing.T) {
	timeout := 300 * time.Millisecond
	_, rec, appendFn := newTestScheduler(t, 3, timeout)

	for i := 0; i < 3; i++ {
		appendFn(enriched(0, int64(i)))
	}
	require.Eventually(t, func() bool { return rec.count() == 1 }, 100*time.Millisecond, time.Millisecond,
		"a full buffer flushes immediately")

	time.Sleep(30 * time.Millisecond)
	lone := time.Now()
	appendFn(enriched(0, 3))

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*timeout, 5*time.Millisecond)
	batch, trigger, at := rec.get(1)
	assert.Equal(t, []int64{3}, offsetsOf(batch))
	assert.Equal(t, sinkpipeline.TriggerTimeout, trigger)
	assert.GreaterOrEqual(t, at.Sub(lone), timeout)
}

func TestFlushScheduler_RejectsNonPositiveTimeout(t *testing.T) {
	buf, err := sinkpipeline.NewBatchBuffer(1, "")
	require.NoError(t, err)
	_, err = sinkpipeline.NewFlushScheduler(buf, 0, nil, zerolog.Nop())
	var cfgErr *sinkpipeline.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "buffer_timeout", cfgErr.Field)
}

// TestFlushScheduler_SizeWinsOverExpiredTimer fills the buffer while a flush
// is blocked, so that once it returns both the size signal and an already
// expired timer are pending. The size trigger must win with a full batch.
func TestFlushScheduler_SizeWinsOverExpiredTimer(t *testing.T) {
	timeout := 50 * time.Millisecond
	buf, err := sinkpipeline.NewBatchBuffer(3, sinkpipeline.OverflowBlock)
	require.NoError(t, err)

	rec := &flushRecorder{}
	release := make(chan struct{})
	var calls atomic.Int32
	flush := func(ctx context.Context, batch *sinkpipeline.Batch, trigger sinkpipeline.FlushTrigger) error {
		if calls.Add(1) == 1 {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return rec.flush(ctx, batch, trigger)
	}
	sched, err := sinkpipeline.NewFlushScheduler(buf, timeout, flush, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	appendFn := func(r sinkpipeline.EnrichedRecord) {
		n, err := buf.Append(ctx, r)
		require.NoError(t, err)
		sched.Notify(n)
	}

	for i := 0; i < 3; i++ {
		appendFn(enriched(0, int64(i)))
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	for i := 3; i < 6; i++ {
		appendFn(enriched(0, int64(i)))
	}
	// Let the second set of records outlive the timeout before the scheduler
	// looks at them.
	time.Sleep(2 * timeout)
	close(release)

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
	batch, trigger, _ := rec.get(1)
	assert.Equal(t, sinkpipeline.TriggerSize, trigger)
	assert.Equal(t, []int64{3, 4, 5}, offsetsOf(batch))
}

func TestFlushScheduler_StopWaitsForFlushInProgress(t *testing.T) {
	buf, err := sinkpipeline.NewBatchBuffer(2, sinkpipeline.OverflowBlock)
	require.NoError(t, err)

	var interrupted atomic.Bool
	var finished atomic.Bool
	started := make(chan struct{})
	flush := func(ctx context.Context, _ *sinkpipeline.Batch, _ sinkpipeline.FlushTrigger) error {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			finished.Store(true)
		case <-ctx.Done():
			interrupted.Store(true)
		}
		return nil
	}
	sched, err := sinkpipeline.NewFlushScheduler(buf, time.Minute, flush, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		n, err := buf.Append(context.Background(), enriched(0, int64(i)))
		require.NoError(t, err)
		sched.Notify(n)
	}
	<-started
	sched.Stop()
	sched.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.True(t, finished.Load())
	assert.False(t, interrupted.Load())
}
