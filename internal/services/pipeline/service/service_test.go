package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"cspipe/internal/core/dedupe"
	"cspipe/internal/core/report"
	"cspipe/internal/platform/broker"
	"cspipe/internal/platform/broker/memlog"
	perr "cspipe/internal/platform/errors"
	"cspipe/internal/platform/logger"
	"cspipe/internal/platform/metrics"
	"cspipe/internal/platform/store"
	"cspipe/internal/services/pipeline/domain"
	"cspipe/internal/services/pipeline/repo"
)

// memSink collects batches in memory, optionally failing the first N writes
type memSink struct {
	mu       sync.Mutex
	stored   []report.NormalizedViolation
	failLeft int
}

func (s *memSink) WriteBatch(_ context.Context, batch []report.NormalizedViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLeft != 0 {
		if s.failLeft > 0 {
			s.failLeft--
		}
		return errors.New("sink unavailable")
	}
	s.stored = append(s.stored, batch...)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

// memCkpt is an in-memory checkpoint store
type memCkpt struct {
	mu   sync.Mutex
	next map[int]broker.Offset
}

func newMemCkpt() *memCkpt { return &memCkpt{next: map[int]broker.Offset{}} }

func (c *memCkpt) Load(_ context.Context, partition int) (broker.Offset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next[partition], nil
}

func (c *memCkpt) Commit(_ context.Context, partition int, next broker.Offset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next[partition] = next
	return nil
}

func (c *memCkpt) get(partition int) broker.Offset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next[partition]
}

var (
	_ domain.ViolationSink   = (*memSink)(nil)
	_ domain.CheckpointStore = (*memCkpt)(nil)
)

func violation(docURI, directive, blockedURI, ua string) report.NormalizedViolation {
	return report.NormalizedViolation{
		EventID:           fmt.Sprintf("ev-%s-%s", directive, blockedURI),
		EventTime:         time.Now().UTC(),
		DocumentURI:       docURI,
		ViolatedDirective: directive,
		BlockedURI:        blockedURI,
		BlockedHost:       "example.net",
		UserAgent:         ua,
		DedupHash:         dedupe.Key(docURI, directive, blockedURI, ua),
	}
}

func publish(t *testing.T, log *memlog.Log, partitions int, v report.NormalizedViolation) {
	t.Helper()
	payload, err := report.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p := broker.PartitionFor(v.DedupHash, partitions)
	if err := log.Publish(context.Background(), p, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	log   *memlog.Log
	sink  *memSink
	ckpt  *memCkpt
	kv    *store.MemKV
	cache domain.DedupCache
	met   *metrics.Pipeline
	svc   *Service
}

func newFixture(t *testing.T, partitions int, cfg Config) *fixture {
	t.Helper()
	kv := store.NewMemKV()
	f := &fixture{
		log:   memlog.New(partitions),
		sink:  &memSink{},
		ckpt:  newMemCkpt(),
		kv:    kv,
		cache: repo.NewDedupCache(kv),
		met:   metrics.NewPipeline(prometheus.NewRegistry()),
	}
	if cfg.Partitions == nil {
		for p := 0; p < partitions; p++ {
			cfg.Partitions = append(cfg.Partitions, p)
		}
	}
	f.svc = New(f.log, f.cache, f.sink, f.ckpt, f.met, *logger.Named("pipeline-test"), cfg)
	return f
}

func (f *fixture) run(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.svc.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("service did not stop")
		}
	}
}

func fastConfig() Config {
	return Config{
		DedupTTL:        time.Minute,
		BatchSize:       50,
		BatchAge:        20 * time.Millisecond,
		FlushBackoff:    time.Millisecond,
		RestartBackoff:  5 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}
}

func TestRun_BurstOfIdenticalStoresOne(t *testing.T) {
	const n = 25
	f := newFixture(t, 1, fastConfig())
	stop := f.run(t)
	defer stop()

	v := violation("https://app.example.com/", "script-src", "https://b.example.net/b.js", "UA")
	for i := 0; i < n; i++ {
		publish(t, f.log, 1, v)
	}

	waitFor(t, "burst suppressed to one record", func() bool {
		return testutil.ToFloat64(f.met.Deduplicated) == n-1
	})
	if got := f.sink.count(); got != 1 {
		t.Fatalf("stored %d of %d identical reports, want 1", got, n)
	}
}

func TestRun_EndToEndDrain(t *testing.T) {
	const distinct, dups, partitions = 1000, 1000, 4

	batch := make([]report.NormalizedViolation, 0, distinct+dups)
	for i := 0; i < distinct; i++ {
		batch = append(batch, violation("https://app.example.com/checkout", "script-src",
			fmt.Sprintf("https://cdn%d.example.net/x.js", i), "UA"))
	}
	// duplicates of the first 100, then shuffle the lot
	for i := 0; i < dups; i++ {
		batch = append(batch, violation("https://app.example.com/checkout", "script-src",
			fmt.Sprintf("https://cdn%d.example.net/x.js", i%100), "UA"))
	}
	rng := rand.New(rand.NewSource(1))
	rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })

	f := newFixture(t, partitions, fastConfig())
	stop := f.run(t)
	defer stop()

	for _, v := range batch {
		publish(t, f.log, partitions, v)
	}

	waitFor(t, "all unique violations stored", func() bool {
		return f.sink.count() == distinct
	})
	waitFor(t, "all duplicates suppressed", func() bool {
		return testutil.ToFloat64(f.met.Deduplicated) == float64(dups)
	})

	seen := map[string]bool{}
	f.sink.mu.Lock()
	for _, v := range f.sink.stored {
		if seen[v.DedupHash] {
			t.Fatalf("hash %s stored twice", v.DedupHash)
		}
		seen[v.DedupHash] = true
	}
	f.sink.mu.Unlock()
	if len(seen) != distinct {
		t.Fatalf("stored %d unique hashes, want %d", len(seen), distinct)
	}
}

func TestRun_ReplayAfterLostCheckpointStoresNothingNew(t *testing.T) {
	const n = 10
	f := newFixture(t, 1, fastConfig())
	stop := f.run(t)
	for i := 0; i < n; i++ {
		publish(t, f.log, 1, violation("https://a.example.com/", "img-src",
			fmt.Sprintf("https://h%d.example.net/p.png", i), "UA"))
	}
	waitFor(t, "first pass stored", func() bool { return f.sink.count() == n })
	stop()

	// simulate a lost checkpoint: same log and cache, progress reset
	f2 := &fixture{
		log:   f.log,
		sink:  &memSink{},
		ckpt:  newMemCkpt(),
		cache: f.cache,
		met:   metrics.NewPipeline(prometheus.NewRegistry()),
	}
	cfg := fastConfig()
	cfg.Partitions = []int{0}
	f2.svc = New(f2.log, f2.cache, f2.sink, f2.ckpt, f2.met, *logger.Named("pipeline-test"), cfg)
	stop2 := f2.run(t)
	defer stop2()

	waitFor(t, "replay consumed", func() bool {
		return f2.ckpt.get(0) == broker.Offset(n+1)
	})
	if got := f2.sink.count(); got != 0 {
		t.Fatalf("replay stored %d records, want 0", got)
	}
	if got := testutil.ToFloat64(f2.met.Deduplicated); got != n {
		t.Fatalf("deduplicated = %v, want %d", got, n)
	}
}

func TestRun_RepeatAfterWindowExpiryStoredAgain(t *testing.T) {
	cfg := fastConfig()
	cfg.DedupTTL = 30 * time.Millisecond
	f := newFixture(t, 1, cfg)
	stop := f.run(t)
	defer stop()

	v := violation("https://a.example.com/", "style-src", "https://x.example.net/a.css", "UA")
	publish(t, f.log, 1, v)
	waitFor(t, "first occurrence stored", func() bool { return f.sink.count() == 1 })

	time.Sleep(2 * cfg.DedupTTL)
	publish(t, f.log, 1, v)
	waitFor(t, "post-window repeat stored", func() bool { return f.sink.count() == 2 })
}

func TestRun_CheckpointHeldBackWhileFlushingFails(t *testing.T) {
	cfg := fastConfig()
	cfg.FlushRetries = 1
	cfg.Partitions = []int{0}
	f := newFixture(t, 1, cfg)
	f.sink.failLeft = -1 // never succeeds
	// cache down too, so restarts re-attempt the flush instead of
	// suppressing the replayed records
	f.cache = repo.NewDedupCache(failingKV{})
	f.svc = New(f.log, f.cache, f.sink, f.ckpt, f.met, *logger.Named("pipeline-test"), cfg)
	stop := f.run(t)
	defer stop()

	for i := 0; i < 3; i++ {
		publish(t, f.log, 1, violation("https://a.example.com/", "connect-src",
			fmt.Sprintf("wss://s%d.example.net", i), "UA"))
	}

	waitFor(t, "worker restarts after flush failures", func() bool {
		return testutil.ToFloat64(f.met.Restarts) >= 2
	})
	if got := f.ckpt.get(0); got != 0 {
		t.Fatalf("checkpoint advanced to %d past unflushed records", got)
	}
	if testutil.ToFloat64(f.met.FlushFailures) < 2 {
		t.Fatal("expected repeated flush failures")
	}
}

func TestRun_FlushRecoversAfterTransientFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.FlushRetries = 5
	f := newFixture(t, 1, cfg)
	f.sink.failLeft = 2
	stop := f.run(t)
	defer stop()

	publish(t, f.log, 1, violation("https://a.example.com/", "font-src",
		"https://f.example.net/a.woff2", "UA"))

	waitFor(t, "batch stored after retries", func() bool { return f.sink.count() == 1 })
	waitFor(t, "checkpoint committed", func() bool { return f.ckpt.get(0) == 2 })
	if testutil.ToFloat64(f.met.FlushFailures) != 2 {
		t.Fatalf("flush failures = %v, want 2", testutil.ToFloat64(f.met.FlushFailures))
	}
}

// flakyCkpt fails the first N commits with a canned error, then delegates
type flakyCkpt struct {
	*memCkpt
	mu       sync.Mutex
	failLeft int
	err      error
}

func (c *flakyCkpt) Commit(ctx context.Context, partition int, next broker.Offset) error {
	c.mu.Lock()
	fail := c.failLeft > 0
	if fail {
		c.failLeft--
	}
	c.mu.Unlock()
	if fail {
		return c.err
	}
	return c.memCkpt.Commit(ctx, partition, next)
}

func TestRun_CommitRetriedOnTransientContention(t *testing.T) {
	cfg := fastConfig()
	cfg.FlushRetries = 5
	cfg.Partitions = []int{0}
	f := newFixture(t, 1, cfg)
	ckpt := &flakyCkpt{
		memCkpt:  f.ckpt,
		failLeft: 2,
		err: perr.FromPostgresf(&pgconn.PgError{Code: "40001", Message: "could not serialize access"},
			"commit checkpoint for partition %d", 0),
	}
	f.svc = New(f.log, f.cache, f.sink, ckpt, f.met, *logger.Named("pipeline-test"), cfg)
	stop := f.run(t)
	defer stop()

	publish(t, f.log, 1, violation("https://a.example.com/", "script-src",
		"https://r.example.net/r.js", "UA"))

	waitFor(t, "record stored", func() bool { return f.sink.count() == 1 })
	waitFor(t, "checkpoint committed after contention", func() bool { return f.ckpt.get(0) == 2 })
	if got := testutil.ToFloat64(f.met.Restarts); got != 0 {
		t.Fatalf("restarts = %v, contention should not restart the worker", got)
	}
}

func TestRun_CommitNotRetriedOnPermanentError(t *testing.T) {
	cfg := fastConfig()
	cfg.FlushRetries = 5
	cfg.Partitions = []int{0}
	f := newFixture(t, 1, cfg)
	ckpt := &flakyCkpt{
		memCkpt:  f.ckpt,
		failLeft: 1,
		err: perr.FromPostgresf(&pgconn.PgError{Code: "23505", Message: "duplicate key"},
			"commit checkpoint for partition %d", 0),
	}
	f.svc = New(f.log, f.cache, f.sink, ckpt, f.met, *logger.Named("pipeline-test"), cfg)
	stop := f.run(t)
	defer stop()

	publish(t, f.log, 1, violation("https://a.example.com/", "script-src",
		"https://p.example.net/p.js", "UA"))

	// constraint errors restart the worker; the replay commits cleanly
	waitFor(t, "worker restarted once", func() bool {
		return testutil.ToFloat64(f.met.Restarts) >= 1
	})
	waitFor(t, "checkpoint committed after restart", func() bool { return f.ckpt.get(0) == 2 })
}

func TestRun_SuppressedOnlyCycleStillCommits(t *testing.T) {
	f := newFixture(t, 1, fastConfig())

	// mark the hash seen before the worker starts
	v := violation("https://a.example.com/", "frame-src", "https://f.example.net/", "UA")
	if _, err := f.cache.CheckAndSet(context.Background(), v.DedupHash, time.Minute); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	stop := f.run(t)
	defer stop()

	publish(t, f.log, 1, v)
	publish(t, f.log, 1, v)

	waitFor(t, "offsets committed past suppressed records", func() bool {
		return f.ckpt.get(0) == 3
	})
	if got := f.sink.count(); got != 0 {
		t.Fatalf("stored %d suppressed records", got)
	}
	if got := testutil.ToFloat64(f.met.Deduplicated); got != 2 {
		t.Fatalf("deduplicated = %v, want 2", got)
	}
}

func TestRun_UndecodableRecordSkippedNotWedged(t *testing.T) {
	f := newFixture(t, 1, fastConfig())
	stop := f.run(t)
	defer stop()

	if err := f.log.Publish(context.Background(), 0, []byte("{not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	publish(t, f.log, 1, violation("https://a.example.com/", "script-src",
		"https://z.example.net/z.js", "UA"))

	waitFor(t, "record after the bad one stored", func() bool { return f.sink.count() == 1 })
	waitFor(t, "checkpoint moved past both", func() bool { return f.ckpt.get(0) == 3 })
}

func TestRun_CacheFailureFailsOpen(t *testing.T) {
	f := newFixture(t, 1, fastConfig())
	f.cache = repo.NewDedupCache(failingKV{})
	cfg := fastConfig()
	cfg.Partitions = []int{0}
	f.svc = New(f.log, f.cache, f.sink, f.ckpt, f.met, *logger.Named("pipeline-test"), cfg)
	stop := f.run(t)
	defer stop()

	v := violation("https://a.example.com/", "script-src", "https://o.example.net/o.js", "UA")
	publish(t, f.log, 1, v)
	publish(t, f.log, 1, v)

	// with the cache down both copies are stored rather than lost
	waitFor(t, "both copies stored", func() bool { return f.sink.count() == 2 })
	if testutil.ToFloat64(f.met.CacheErrors) != 2 {
		t.Fatalf("cache errors = %v, want 2", testutil.ToFloat64(f.met.CacheErrors))
	}
}

// failingKV stands in for an unreachable cache
type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("down")
}

func (failingKV) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("down")
}

func (failingKV) Close() error { return nil }

func TestRun_ShutdownFlushesPartialBatch(t *testing.T) {
	cfg := fastConfig()
	cfg.BatchAge = time.Hour // only shutdown can flush
	f := newFixture(t, 1, cfg)
	stop := f.run(t)

	v := violation("https://a.example.com/", "media-src", "https://m.example.net/m.mp4", "UA")
	publish(t, f.log, 1, v)
	waitFor(t, "record consumed", func() bool {
		_, found, _ := f.kv.Get(context.Background(), v.DedupHash)
		return found
	})
	stop()

	if got := f.sink.count(); got != 1 {
		t.Fatalf("stored %d after shutdown, want 1", got)
	}
	if got := f.ckpt.get(0); got != 2 {
		t.Fatalf("checkpoint = %d, want 2", got)
	}
}
