package repo

import (
	"context"
	"time"

	perr "cspipe/internal/platform/errors"
	"cspipe/internal/platform/store"
	"cspipe/internal/services/pipeline/domain"
)

// dedupValue is the marker stored under each hash. The value carries no
// meaning, presence of the key is the whole signal
const dedupValue = "1"

// DedupCache suppresses repeated violations within a TTL window using the
// kv seam. SetIfAbsent gives check-and-claim in a single round trip, so
// concurrent workers racing on the same hash elect exactly one winner
type DedupCache struct {
	kv store.KV
}

// NewDedupCache constructs the cache repo over the kv seam
func NewDedupCache(kv store.KV) *DedupCache { return &DedupCache{kv: kv} }

var _ domain.DedupCache = (*DedupCache)(nil)

// CheckAndSet claims hash for ttl. It reports duplicate=true when another
// record already holds the key. Errors mean the cache could not be reached,
// callers decide whether to fail open
func (r *DedupCache) CheckAndSet(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	set, err := r.kv.SetIfAbsent(ctx, hash, dedupValue, ttl)
	if err != nil {
		return false, perr.CacheUnavailablef("dedup check for %s: %v", hash, err)
	}
	return !set, nil
}
