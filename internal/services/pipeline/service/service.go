// Package service implements the dedup-and-batch consumer. One worker
// owns each partition and cycles through poll, dedup, accumulate, flush,
// commit. The checkpoint only advances after a successful flush, so a
// crash replays records instead of losing them.
package service

import (
	"context"
	"strconv"
	"time"

	"cspipe/internal/core/report"
	"cspipe/internal/platform/broker"
	perr "cspipe/internal/platform/errors"
	"cspipe/internal/platform/logger"
	"cspipe/internal/platform/metrics"
	"cspipe/internal/services/pipeline/domain"
)

// Config for the pipeline service
type Config struct {
	// Partitions this process owns
	Partitions []int

	// DedupTTL is the suppression window. Default 10m.
	DedupTTL time.Duration

	// BatchSize triggers a flush when reached. Default 500.
	BatchSize int

	// BatchAge flushes a partial batch that has waited this long. Default 5s.
	BatchAge time.Duration

	// PollMax bounds records per poll. Default BatchSize.
	PollMax int

	// FlushRetries is how many times a failed batch write is retried
	// before the worker gives up and restarts. Default 5.
	FlushRetries int

	// FlushBackoff is the base delay between flush retries. Default 200ms.
	FlushBackoff time.Duration

	// RestartBackoff is the base delay before a crashed worker is
	// restarted. Doubles per consecutive crash, capped at 30s. Default 1s.
	RestartBackoff time.Duration

	// ShutdownTimeout bounds the final flush and commit. Default 10s.
	ShutdownTimeout time.Duration
}

func (c *Config) defaults() {
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.BatchAge <= 0 {
		c.BatchAge = 5 * time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = c.BatchSize
	}
	if c.FlushRetries <= 0 {
		c.FlushRetries = 5
	}
	if c.FlushBackoff <= 0 {
		c.FlushBackoff = 200 * time.Millisecond
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

const maxRestartBackoff = 30 * time.Second

// Service supervises one worker per owned partition
type Service struct {
	cfg   Config
	con   broker.Consumer
	cache domain.DedupCache
	sink  domain.ViolationSink
	ckpt  domain.CheckpointStore
	met   *metrics.Pipeline
	log   logger.Logger
	now   func() time.Time
}

// New constructs the service. Run starts the workers.
func New(
	con broker.Consumer,
	cache domain.DedupCache,
	sink domain.ViolationSink,
	ckpt domain.CheckpointStore,
	met *metrics.Pipeline,
	log logger.Logger,
	cfg Config,
) *Service {
	cfg.defaults()
	return &Service{
		cfg:   cfg,
		con:   con,
		cache: cache,
		sink:  sink,
		ckpt:  ckpt,
		met:   met,
		log:   log,
		now:   time.Now,
	}
}

// Run blocks until ctx is canceled and every worker has drained.
// A worker that dies is restarted with capped exponential backoff.
func (s *Service) Run(ctx context.Context) error {
	done := make(chan int, len(s.cfg.Partitions))
	for _, p := range s.cfg.Partitions {
		go s.supervise(ctx, p, done)
	}
	for range s.cfg.Partitions {
		<-done
	}
	return nil
}

func (s *Service) supervise(ctx context.Context, partition int, done chan<- int) {
	defer func() { done <- partition }()

	backoff := s.cfg.RestartBackoff
	for {
		err := s.runPartition(ctx, partition)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		s.met.Restarts.Inc()
		s.log.Error().Err(err).Int("partition", partition).
			Dur("backoff", backoff).Msg("partition worker died, restarting")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, maxRestartBackoff)
	}
}

// worker carries the per-partition loop state between poll cycles
type worker struct {
	svc       *Service
	partition int
	lag       func(broker.Offset)

	// next is the offset the next poll delivers; committed is the last
	// checkpointed next. Suppressed records advance next without growing
	// the batch, so next > committed alone forces an eventual commit.
	next      broker.Offset
	committed broker.Offset
	batch     []report.NormalizedViolation
	dirtyAt   time.Time
}

func (s *Service) runPartition(ctx context.Context, partition int) error {
	from, err := s.ckpt.Load(ctx, partition)
	if err != nil {
		return err
	}
	if from < 1 {
		from = 1
	}
	if err := s.con.Resume(ctx, partition, from); err != nil {
		return err
	}

	gauge := s.met.Lag.WithLabelValues(strconv.Itoa(partition))
	w := &worker{
		svc:       s,
		partition: partition,
		lag:       func(l broker.Offset) { gauge.Set(float64(l)) },
		next:      from,
		committed: from,
	}

	s.log.Info().Int("partition", partition).Int64("from", int64(from)).
		Msg("partition worker resumed")

	for {
		if ctx.Err() != nil {
			return w.drain()
		}
		recs, err := s.con.Poll(ctx, partition, s.cfg.PollMax)
		if err != nil {
			if ctx.Err() != nil {
				return w.drain()
			}
			return err
		}
		for _, rec := range recs {
			w.consume(ctx, rec)
		}
		if end, err := s.con.End(ctx, partition); err == nil {
			w.lag(end - w.next)
		}
		if err := w.maybeFlush(ctx); err != nil {
			return err
		}
	}
}

// consume advances the cursor past rec and buffers it unless suppressed.
// Undecodable payloads are logged and skipped, their offset still counts
// as consumed so the partition never wedges on one bad record.
func (w *worker) consume(ctx context.Context, rec broker.Record) {
	s := w.svc
	w.next = rec.Offset + 1
	if w.dirtyAt.IsZero() {
		w.dirtyAt = s.now()
	}

	v, err := report.Decode(rec.Payload)
	if err != nil {
		s.log.Warn().Err(err).Int("partition", w.partition).
			Int64("offset", int64(rec.Offset)).Msg("undecodable record skipped")
		return
	}

	dup, err := s.cache.CheckAndSet(ctx, v.DedupHash, s.cfg.DedupTTL)
	if err != nil {
		// fail open: an unreachable cache must not stall or drop telemetry
		s.met.CacheErrors.Inc()
		s.log.Warn().Err(err).Int("partition", w.partition).Msg("dedup cache error, storing record")
		dup = false
	}
	if dup {
		s.met.Deduplicated.Inc()
		return
	}
	w.batch = append(w.batch, v)
}

// maybeFlush flushes on size or age. Age applies to commit-only cycles
// too, where every consumed record was suppressed and only the
// checkpoint needs to move.
func (w *worker) maybeFlush(ctx context.Context) error {
	if len(w.batch) >= w.svc.cfg.BatchSize {
		return w.flush(ctx)
	}
	if w.next > w.committed && w.svc.now().Sub(w.dirtyAt) >= w.svc.cfg.BatchAge {
		return w.flush(ctx)
	}
	return nil
}

// drain performs the shutdown flush under a fresh deadline, since the
// run context is already canceled
func (w *worker) drain() error {
	if w.next <= w.committed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.svc.cfg.ShutdownTimeout)
	defer cancel()
	return w.flush(ctx)
}

// flush writes the batch, then commits the cursor. Order matters: a
// commit before a durable write could lose records, a write without a
// commit only risks replaying them.
func (w *worker) flush(ctx context.Context) error {
	s := w.svc
	if len(w.batch) > 0 {
		if err := w.writeWithRetry(ctx); err != nil {
			return err
		}
		s.met.Flushes.Inc()
		s.met.Stored.Add(float64(len(w.batch)))
		w.batch = w.batch[:0]
	}
	if err := w.commitWithRetry(ctx); err != nil {
		return err
	}
	w.committed = w.next
	w.dirtyAt = time.Time{}
	return nil
}

// commitWithRetry retries the checkpoint write on transient postgres
// contention (deadlock, serialization). Anything else restarts the
// worker, which replays from the last committed cursor.
func (w *worker) commitWithRetry(ctx context.Context) error {
	s := w.svc
	var lastErr error
	for attempt := 0; attempt <= s.cfg.FlushRetries; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, s.cfg.FlushBackoff*time.Duration(attempt)) {
				return ctx.Err()
			}
		}
		lastErr = s.ckpt.Commit(ctx, w.partition, w.next)
		if lastErr == nil {
			return nil
		}
		if !perr.IsRetryable(lastErr) {
			return lastErr
		}
		s.log.Warn().Err(lastErr).Int("partition", w.partition).
			Int("attempt", attempt+1).Msg("checkpoint commit contention, retrying")
	}
	return lastErr
}

func (w *worker) writeWithRetry(ctx context.Context) error {
	s := w.svc
	var lastErr error
	for attempt := 0; attempt <= s.cfg.FlushRetries; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, s.cfg.FlushBackoff*time.Duration(attempt)) {
				return ctx.Err()
			}
		}
		lastErr = s.sink.WriteBatch(ctx, w.batch)
		if lastErr == nil {
			return nil
		}
		s.met.FlushFailures.Inc()
		s.log.Warn().Err(lastErr).Int("partition", w.partition).
			Int("attempt", attempt+1).Int("batch", len(w.batch)).Msg("batch flush failed")
	}
	return perr.StoreFlushf("flush %d violations on partition %d: %v",
		len(w.batch), w.partition, lastErr)
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
