package repo

import (
	"context"
	stdsql "database/sql"
	"errors"

	"cspipe/internal/platform/broker"
	perr "cspipe/internal/platform/errors"
	"cspipe/internal/platform/store"
	"cspipe/internal/services/pipeline/domain"
)

// Checkpoints is the postgres-backed checkpoint store.
//
//	CREATE TABLE checkpoints (
//	    partition   INT PRIMARY KEY,
//	    next_offset BIGINT NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
//	)
type Checkpoints struct {
	q store.RowQuerier
}

// NewCheckpoints constructs the checkpoint repo over the sql seam
func NewCheckpoints(q store.RowQuerier) *Checkpoints { return &Checkpoints{q: q} }

var _ domain.CheckpointStore = (*Checkpoints)(nil)

// Load returns the committed next offset for partition, zero when the
// partition has never committed
func (r *Checkpoints) Load(ctx context.Context, partition int) (broker.Offset, error) {
	next, err := store.Scalar[int64](ctx, r.q,
		`SELECT next_offset FROM checkpoints WHERE partition = $1`, partition)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return 0, nil
		}
		return 0, perr.FromPostgresf(err, "load checkpoint for partition %d", partition)
	}
	return broker.Offset(next), nil
}

// Commit upserts the next offset for partition. The upsert always
// touches exactly one row, so anything else is an error.
func (r *Checkpoints) Commit(ctx context.Context, partition int, next broker.Offset) error {
	err := store.ExecOne(ctx, r.q, `
		INSERT INTO checkpoints (partition, next_offset, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (partition)
		DO UPDATE SET next_offset = EXCLUDED.next_offset, updated_at = now()`,
		partition, int64(next),
	)
	if err != nil {
		return perr.FromPostgresf(err, "commit checkpoint for partition %d", partition)
	}
	return nil
}
