// Package repo provides the pipeline storage implementations
package repo

import (
	"context"
	"time"

	"cspipe/internal/core/report"
	perr "cspipe/internal/platform/errors"
	"cspipe/internal/platform/store"
	"cspipe/internal/services/pipeline/domain"
)

// Table written by the pipeline. Ordered by coarse time then directive,
// which is the aggregate access pattern; per-record lookups never happen.
//
//	CREATE TABLE csp_violations (
//	    event_id           UUID,
//	    event_time         DateTime('UTC'),
//	    document_uri       String,
//	    violated_directive LowCardinality(String),
//	    blocked_uri        String,
//	    blocked_host       LowCardinality(String),
//	    user_agent         String,
//	    original_policy    String,
//	    dedup_hash         FixedString(64)
//	) ENGINE = MergeTree
//	ORDER BY (toStartOfHour(event_time), violated_directive)
//	TTL event_time + INTERVAL 90 DAY
const violationsTable = "csp_violations"

var violationColumns = []string{
	"event_id",
	"event_time",
	"document_uri",
	"violated_directive",
	"blocked_uri",
	"blocked_host",
	"user_agent",
	"original_policy",
	"dedup_hash",
}

// CH is the clickhouse-backed violations repo
type CH struct {
	ch store.Clickhouse
}

// NewCH constructs the violations repo over the store seam
func NewCH(ch store.Clickhouse) *CH { return &CH{ch: ch} }

var (
	_ domain.ViolationSink = (*CH)(nil)
	_ domain.QueryPort     = (*CH)(nil)
)

// WriteBatch inserts the whole batch as one columnar write
func (r *CH) WriteBatch(ctx context.Context, batch []report.NormalizedViolation) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(batch))
	for _, v := range batch {
		rows = append(rows, []any{
			v.EventID,
			v.EventTime,
			v.DocumentURI,
			v.ViolatedDirective,
			v.BlockedURI,
			v.BlockedHost,
			v.UserAgent,
			v.OriginalPolicy,
			v.DedupHash,
		})
	}
	if err := r.ch.Insert(ctx, violationsTable, violationColumns, rows); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeStoreFlush, "insert %d violations", len(batch))
	}
	return nil
}

// TopBlockedHosts returns the most-blocked hosts since a point in time
func (r *CH) TopBlockedHosts(ctx context.Context, since time.Time, limit int) ([]domain.HostCount, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.ch.Query(ctx, `
		SELECT blocked_host, count() AS hits
		FROM `+violationsTable+`
		WHERE event_time >= ?
		GROUP BY blocked_host
		ORDER BY hits DESC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeDB, "top blocked hosts")
	}
	defer rows.Close()

	var out []domain.HostCount
	for rows.Next() {
		var hc domain.HostCount
		if err := rows.Scan(&hc.BlockedHost, &hc.Count); err != nil {
			return nil, err
		}
		out = append(out, hc)
	}
	return out, rows.Err()
}

// CountByDirective returns violation counts per directive since a point in time
func (r *CH) CountByDirective(ctx context.Context, since time.Time) ([]domain.DirectiveCount, error) {
	rows, err := r.ch.Query(ctx, `
		SELECT violated_directive, count() AS hits
		FROM `+violationsTable+`
		WHERE event_time >= ?
		GROUP BY violated_directive
		ORDER BY hits DESC`, since)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeDB, "count by directive")
	}
	defer rows.Close()

	var out []domain.DirectiveCount
	for rows.Next() {
		var dc domain.DirectiveCount
		if err := rows.Scan(&dc.ViolatedDirective, &dc.Count); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}
