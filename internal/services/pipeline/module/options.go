package module

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"cspipe/internal/platform/config"
	perr "cspipe/internal/platform/errors"
)

// Options holds configuration settings for the pipeline module
type Options struct {
	Partitions      []int
	DedupTTL        time.Duration
	BatchSize       int
	BatchAge        time.Duration
	PollMax         int
	FlushRetries    int
	FlushBackoff    time.Duration
	RestartBackoff  time.Duration
	ShutdownTimeout time.Duration
	SlowRequest     time.Duration
	StatsWindow     time.Duration
	StatsLimit      int
	EnableProfiler  bool
}

// FromConfig reads configuration settings from the config.Conf.
// PARTITIONS takes ranges and lists, "0-7" or "0,1,4".
func FromConfig(cfg config.Conf) (Options, error) {
	in := cfg.Prefix("CORE_PIPELINE_")
	parts, err := ParsePartitions(in.MayString("PARTITIONS", "0-7"))
	if err != nil {
		return Options{}, err
	}
	return Options{
		Partitions:      parts,
		DedupTTL:        in.MayDuration("DEDUP_TTL", 10*time.Minute),
		BatchSize:       in.MayInt("BATCH_SIZE", 500),
		BatchAge:        in.MayDuration("BATCH_AGE", 5*time.Second),
		PollMax:         in.MayInt("POLL_MAX", 500),
		FlushRetries:    in.MayInt("FLUSH_RETRIES", 5),
		FlushBackoff:    in.MayDuration("FLUSH_BACKOFF", 200*time.Millisecond),
		RestartBackoff:  in.MayDuration("RESTART_BACKOFF", time.Second),
		ShutdownTimeout: in.MayDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		SlowRequest:     in.MayDuration("SLOW_REQUEST", 500*time.Millisecond),
		StatsWindow:     in.MayDuration("STATS_WINDOW", 24*time.Hour),
		StatsLimit:      in.MayInt("STATS_LIMIT", 20),
		EnableProfiler:  in.MayBool("PROFILER", false),
	}, nil
}

// ParsePartitions expands a comma-separated list of partition numbers
// and inclusive ranges into a sorted, deduplicated slice
func ParsePartitions(raw string) ([]int, error) {
	seen := map[int]bool{}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		lo, hi, ok := strings.Cut(tok, "-")
		if !ok {
			hi = lo
		}
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, perr.InvalidArgf("partition %q: %v", tok, err)
		}
		b, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, perr.InvalidArgf("partition %q: %v", tok, err)
		}
		if a < 0 || b < a {
			return nil, perr.InvalidArgf("partition range %q", tok)
		}
		for p := a; p <= b; p++ {
			seen[p] = true
		}
	}
	if len(seen) == 0 {
		return nil, perr.InvalidArgf("no partitions in %q", raw)
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}
