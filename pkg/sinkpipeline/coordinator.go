package sinkpipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Coordinator moves records from a RecordSource into a SinkWriter in batches.
// It owns the buffer and the flush scheduler, decides when offsets are
// committed, and retries batches that fail as a whole.
type Coordinator struct {
	cfg        CoordinatorConfig
	source     RecordSource
	writer     SinkWriter
	buffer     *BatchBuffer
	scheduler  *FlushScheduler
	logger     zerolog.Logger
	metrics    *Metrics
	checkpoint Checkpointer
	reporter   RejectionReporter

	// marks caches checkpoint lookups; only the ingestion goroutine touches it.
	marks map[TopicPartition]checkpointMark

	mu sync.Mutex
	// pending is a batch whose write was interrupted by shutdown.
	pending *Batch
	// replayed collects offsets of records skipped because they were already
	// written; they are committed with the next commit.
	replayed Offsets
}

type checkpointMark struct {
	offset int64
	ok     bool
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithMetrics sets the collectors the coordinator reports to.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCheckpointer enables the replay guard backed by cp.
func WithCheckpointer(cp Checkpointer) Option {
	return func(c *Coordinator) { c.checkpoint = cp }
}

// WithRejectionReporter forwards rejected records to r after they are logged.
func WithRejectionReporter(r RejectionReporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// NewCoordinator validates cfg and assembles a coordinator.
func NewCoordinator(
	cfg CoordinatorConfig,
	source RecordSource,
	writer SinkWriter,
	logger zerolog.Logger,
	opts ...Option,
) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || writer == nil {
		return nil, fmt.Errorf("source and writer cannot be nil")
	}
	cfg = cfg.withDefaults()

	buffer, err := NewBatchBuffer(cfg.BufferSize, cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		source:   source,
		writer:   writer,
		buffer:   buffer,
		logger:   logger.With().Str("component", "SinkCoordinator").Str("sink", string(cfg.Options.Kind())).Logger(),
		marks:    make(map[TopicPartition]checkpointMark),
		replayed: make(Offsets),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}

	c.scheduler, err = NewFlushScheduler(buffer, cfg.BufferTimeout, c.flushBatch, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Run consumes until ctx is cancelled, the source ends, or a batch cannot be
// written within the retry ceiling. Before returning it makes one bounded
// attempt to write whatever is still buffered, then closes the source.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().
		Int("buffer_size", c.cfg.BufferSize).
		Dur("buffer_timeout", c.cfg.BufferTimeout).
		Msg("Starting sink coordinator...")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// End of stream stops the scheduler between cycles, so a write in
		// progress completes and commits before the final flush.
		defer c.scheduler.Stop()
		return c.ingest(gctx)
	})
	g.Go(func() error {
		return c.scheduler.Run(gctx)
	})
	runErr := g.Wait()

	var flushErr error
	if isFatalWrite(runErr) {
		c.logger.Error().Err(runErr).Msg("Write path failed; skipping final flush.")
	} else {
		flushErr = c.finalFlush()
	}

	var closeErr error
	if err := c.source.Close(); err != nil {
		closeErr = fmt.Errorf("failed to close record source: %w", err)
	}

	if err := errors.Join(runErr, flushErr, closeErr); err != nil {
		return err
	}
	c.logger.Info().Msg("Sink coordinator stopped.")
	return nil
}

// ingest is the record-ingestion loop.
func (c *Coordinator) ingest(ctx context.Context) error {
	for {
		rec, err := c.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Info().Msg("Record source reached end of stream.")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from record source: %w", err)
		}

		if c.alreadyWritten(ctx, rec) {
			continue
		}

		n, err := c.buffer.Append(ctx, Enrich(rec, c.cfg.Enrichment))
		if err != nil {
			if errors.Is(err, ErrBufferOverflow) {
				c.metrics.RecordsSkipped.WithLabelValues("overflow").Inc()
				c.logger.Warn().
					Str("topic", rec.Topic).
					Int32("partition", rec.Partition).
					Int64("offset", rec.Offset).
					Msg("Buffer full, shedding record.")
				continue
			}
			// Only a done context ends a blocking append.
			return nil
		}
		c.metrics.RecordsIngested.Inc()
		c.metrics.BufferedRecords.Set(float64(n))
		c.scheduler.Notify(n)
	}
}

// alreadyWritten reports whether the checkpoint shows rec was written by an
// earlier run whose commit never happened.
func (c *Coordinator) alreadyWritten(ctx context.Context, rec Record) bool {
	if c.checkpoint == nil {
		return false
	}
	tp := rec.TopicPartition()
	mark, seen := c.marks[tp]
	if !seen {
		off, ok, err := c.checkpoint.Load(ctx, tp)
		if err != nil {
			c.logger.Warn().Err(err).Str("partition", tp.String()).Msg("Failed to load write checkpoint; replay guard disabled for partition.")
		}
		mark = checkpointMark{offset: off, ok: ok && err == nil}
		c.marks[tp] = mark
	}
	if !mark.ok || rec.Offset > mark.offset {
		return false
	}

	c.metrics.RecordsSkipped.WithLabelValues("checkpointed").Inc()
	c.logger.Debug().
		Str("topic", rec.Topic).
		Int32("partition", rec.Partition).
		Int64("offset", rec.Offset).
		Msg("Record already written before restart, skipping.")
	c.mu.Lock()
	c.replayed.Observe(tp, rec.Offset)
	c.mu.Unlock()
	return true
}

// flushBatch is the scheduler's FlushFunc.
func (c *Coordinator) flushBatch(ctx context.Context, batch *Batch, trigger FlushTrigger) error {
	err := c.process(ctx, batch, trigger)
	// This also covers a confirmed write whose commit was interrupted: the
	// batch is written again by the final flush rather than left uncommitted.
	if err != nil && ctx.Err() != nil && !isFatalWrite(err) {
		c.mu.Lock()
		c.pending = batch
		c.mu.Unlock()
		c.logger.Warn().Str("batch_id", batch.ID).Msg("Write interrupted by shutdown; batch kept for final flush.")
		return nil
	}
	return err
}

// process writes one batch, reports rejections and commits what was written.
func (c *Coordinator) process(ctx context.Context, batch *Batch, trigger FlushTrigger) error {
	logger := c.logger.With().
		Str("batch_id", batch.ID).
		Int("batch_size", batch.Len()).
		Str("trigger", string(trigger)).
		Logger()

	c.metrics.BatchesFlushed.WithLabelValues(string(trigger)).Inc()
	c.metrics.BatchSize.Observe(float64(batch.Len()))
	c.metrics.BufferedRecords.Set(float64(c.buffer.Size()))
	logger.Info().Msg("Flushing batch.")

	start := time.Now()
	outcome, err := c.writeWithRetry(ctx, batch, logger)
	c.metrics.WriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrRetriesExhausted) {
			logger.Error().Err(err).Msg("Batch write retries exhausted.")
		}
		return err
	}

	c.reportRejections(ctx, batch, outcome, logger)
	written := batch.Len() - len(outcome.Rejected)
	c.metrics.RecordsWritten.Add(float64(written))

	offsets := batch.AcceptedOffsets(outcome.RejectedIndexes())
	if err := c.commit(ctx, offsets, logger); err != nil {
		return err
	}
	logger.Info().
		Str("outcome", outcome.Status().String()).
		Int("written", written).
		Int("rejected", len(outcome.Rejected)).
		Msg("Batch flushed.")
	return nil
}

func (c *Coordinator) writeWithRetry(ctx context.Context, batch *Batch, logger zerolog.Logger) (WriteOutcome, error) {
	var outcome WriteOutcome
	attempt := 0
	op := func() error {
		attempt++
		writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()

		out, err := c.writer.Write(writeCtx, batch, c.cfg.Options)
		if err != nil {
			c.metrics.WriteAttempts.WithLabelValues(OutcomeFailed.String()).Inc()
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		c.metrics.WriteAttempts.WithLabelValues(out.Status().String()).Inc()
		outcome = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Batch write failed, retrying.")
	}
	if err := c.retry(ctx, op, notify); err != nil {
		return WriteOutcome{}, err
	}
	return outcome, nil
}

// commit records the checkpoint and acknowledges offsets at the source.
func (c *Coordinator) commit(ctx context.Context, offsets Offsets, logger zerolog.Logger) error {
	c.mu.Lock()
	offsets.Merge(c.replayed)
	c.replayed = make(Offsets)
	c.mu.Unlock()

	if len(offsets) == 0 {
		return nil
	}

	if c.checkpoint != nil {
		if err := c.checkpoint.Save(ctx, offsets); err != nil {
			logger.Warn().Err(err).Msg("Failed to save write checkpoint.")
		}
	}

	op := func() error { return c.source.Commit(ctx, offsets) }
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("Offset commit failed, retrying.")
	}
	if err := c.retry(ctx, op, notify); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	c.metrics.observeCommit(offsets)
	logger.Debug().Int("partitions", len(offsets)).Msg("Committed offsets.")
	return nil
}

func (c *Coordinator) reportRejections(ctx context.Context, batch *Batch, outcome WriteOutcome, logger zerolog.Logger) {
	if len(outcome.Rejected) == 0 {
		return
	}
	rejected := make([]RejectedRecord, 0, len(outcome.Rejected))
	for _, r := range outcome.Rejected {
		if r.Index < 0 || r.Index >= batch.Len() {
			logger.Error().Int("index", r.Index).Err(r.Err).Msg("Writer rejected an index outside the batch.")
			continue
		}
		rec := batch.Records[r.Index]
		logger.Error().
			Err(r.Err).
			Str("topic", rec.Topic).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Msg("Record rejected by destination; it will not be retried.")
		rejected = append(rejected, RejectedRecord{
			Record: rec,
			Err:    &RecordRejectedError{Provenance: rec.Provenance(), Err: r.Err},
		})
	}
	c.metrics.RecordsRejected.Add(float64(len(rejected)))

	if c.reporter == nil || len(rejected) == 0 {
		return
	}
	if err := c.reporter.Report(ctx, rejected); err != nil {
		logger.Warn().Err(err).Int("rejected", len(rejected)).Msg("Failed to report rejected records.")
	}
}

// finalFlush writes the interrupted batch and the buffer's remainder within
// the shutdown grace period.
func (c *Coordinator) finalFlush() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
	defer cancel()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, batch := range []*Batch{pending, c.buffer.Drain()} {
		if batch.Len() == 0 {
			continue
		}
		if err := c.process(ctx, batch, TriggerFinal); err != nil {
			return fmt.Errorf("final flush of batch %s failed: %w", batch.ID, err)
		}
	}

	// Replayed offsets with no batch after them still need committing.
	if err := c.commit(ctx, make(Offsets), c.logger); err != nil {
		return fmt.Errorf("final commit failed: %w", err)
	}
	return nil
}

func (c *Coordinator) retry(ctx context.Context, op backoff.Operation, notify backoff.Notify) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.Retry.InitialInterval
	policy.MaxInterval = c.cfg.Retry.MaxInterval
	policy.Multiplier = c.cfg.Retry.Multiplier
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = policy
	if c.cfg.Retry.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.cfg.Retry.MaxRetries))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("retry aborted: %w", ctx.Err())
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
}

func isFatalWrite(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigurationError
	return errors.Is(err, ErrRetriesExhausted) || errors.As(err, &cfgErr)
}
