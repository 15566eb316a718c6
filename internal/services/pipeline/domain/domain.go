// Package domain defines the types and interfaces for the pipeline service
package domain

import (
	"context"
	"time"

	"cspipe/internal/core/report"
	"cspipe/internal/platform/broker"
)

// DedupCache is the shared keyed store consulted before accumulation.
// CheckAndSet marks hash as seen with the window TTL and reports whether
// it was already present. Races across workers may let a rare duplicate
// through; they must never suppress a genuinely new record.
type DedupCache interface {
	CheckAndSet(ctx context.Context, hash string, ttl time.Duration) (duplicate bool, err error)
}

// ViolationSink accepts whole batches, atomically per call
type ViolationSink interface {
	WriteBatch(ctx context.Context, batch []report.NormalizedViolation) error
}

// CheckpointStore persists per-partition consumption progress.
// The stored offset is the next one to read, zero when never committed.
type CheckpointStore interface {
	Load(ctx context.Context, partition int) (broker.Offset, error)
	Commit(ctx context.Context, partition int, next broker.Offset) error
}

// HostCount is one row of the blocked-host aggregate
type HostCount struct {
	BlockedHost string
	Count       uint64
}

// DirectiveCount is one row of the directive aggregate
type DirectiveCount struct {
	ViolatedDirective string
	Count             uint64
}

// QueryPort exposes the operator-facing aggregates
type QueryPort interface {
	TopBlockedHosts(ctx context.Context, since time.Time, limit int) ([]HostCount, error)
	CountByDirective(ctx context.Context, since time.Time) ([]DirectiveCount, error)
}
