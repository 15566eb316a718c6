// Package service implements the ingestion front door. The HTTP handler
// hands work to a bounded in-process queue and acknowledges immediately;
// a small pool of publisher goroutines drains the queue into the broker.
// When the queue is full the record is shed, never the client blocked.
package service

import (
	"context"
	"sync"
	"time"

	"cspipe/internal/core/report"
	"cspipe/internal/platform/broker"
	"cspipe/internal/platform/logger"
	"cspipe/internal/platform/metrics"
	"cspipe/internal/services/ingest/domain"
)

// Config for the ingest service
type Config struct {
	// Partitions must match the broker partition count
	Partitions int

	// QueueSize bounds the in-process publish queue. Default 10000.
	QueueSize int

	// PublishWorkers is the drain pool size. Default 4.
	PublishWorkers int

	// PublishTimeout bounds a single broker publish. Default 2s.
	PublishTimeout time.Duration

	// PublishRetries is how many times a failed publish is retried
	// before the record is shed. Default 2.
	PublishRetries int

	// Spill, when non-nil, receives shed records for forensics
	Spill *Spill
}

// Service implements domain.SubmitterPort
type Service struct {
	cfg   Config
	pub   broker.Publisher
	met   *metrics.Ingest
	log   logger.Logger
	queue chan report.NormalizedViolation
	wg    sync.WaitGroup
	now   func() time.Time
}

var _ domain.SubmitterPort = (*Service)(nil)

// New constructs the service and starts the publisher pool
func New(pub broker.Publisher, met *metrics.Ingest, log logger.Logger, cfg Config) *Service {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.PublishWorkers <= 0 {
		cfg.PublishWorkers = 4
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.PublishRetries < 0 {
		cfg.PublishRetries = 0
	}

	s := &Service{
		cfg:   cfg,
		pub:   pub,
		met:   met,
		log:   log,
		queue: make(chan report.NormalizedViolation, cfg.QueueSize),
		now:   time.Now,
	}
	s.wg.Add(cfg.PublishWorkers)
	for i := 0; i < cfg.PublishWorkers; i++ {
		go s.drain()
	}
	return s
}

// Submit normalizes the submission and enqueues every violation it
// carried. Malformed input is counted and dropped; the error exists so
// tests and logs can see it, the client never does.
func (s *Service) Submit(_ context.Context, sub domain.Submission) error {
	violations, err := report.Normalize(sub.Body, sub.ContentType, sub.UserAgent, s.now())
	if err != nil {
		s.met.Malformed.Inc()
		s.log.Debug().Err(err).Msg("malformed report dropped")
		return err
	}
	s.met.Accepted.Inc()

	for _, v := range violations {
		select {
		case s.queue <- v:
		default:
			// queue full: shed rather than block the request path
			s.met.Dropped.Inc()
			s.spill(v)
		}
	}
	return nil
}

// Drain stops accepting queue work, waits for the pool to finish
// publishing what is already queued, up to the deadline in ctx, then
// closes the spill so buffered frames reach disk.
func (s *Service) Drain(ctx context.Context) error {
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if s.cfg.Spill != nil {
		if cerr := s.cfg.Spill.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Service) drain() {
	defer s.wg.Done()
	for v := range s.queue {
		s.publish(v)
	}
}

func (s *Service) publish(v report.NormalizedViolation) {
	payload, err := report.Encode(v)
	if err != nil {
		s.met.Dropped.Inc()
		s.log.Error().Err(err).Str("event_id", v.EventID).Msg("encode failed, record shed")
		return
	}
	partition := broker.PartitionFor(v.DedupHash, s.cfg.Partitions)

	for attempt := 0; attempt <= s.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			s.met.Retries.Inc()
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		err = s.pub.Publish(ctx, partition, payload)
		cancel()
		if err == nil {
			s.met.Published.Inc()
			return
		}
	}

	s.met.Dropped.Inc()
	s.log.Warn().Err(err).Int("partition", partition).Msg("broker publish failed, record shed")
	s.spill(v)
}

func (s *Service) spill(v report.NormalizedViolation) {
	if s.cfg.Spill == nil {
		return
	}
	if err := s.cfg.Spill.Append(v); err != nil {
		s.log.Warn().Err(err).Msg("spill append failed")
		return
	}
	s.met.Spilled.Inc()
}
