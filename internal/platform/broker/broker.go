// Package broker defines the partitioned log seam between the collector
// and the pipeline. Records within a partition are totally ordered and
// can be replayed from any retained offset; progress is tracked by the
// consumer, not the broker.
package broker

import (
	"context"
	"hash/fnv"
)

// Offset identifies a record position within a partition.
// The first record of a partition has offset 1; zero means "from the start".
type Offset int64

// Record is one payload as it sits in the log
type Record struct {
	Partition int
	Offset    Offset
	Payload   []byte
}

// Publisher is the write side of the log
type Publisher interface {
	// Publish appends payload to partition and returns once the broker
	// has taken responsibility for it per the configured ack mode.
	Publish(ctx context.Context, partition int, payload []byte) error

	Close() error
}

// Consumer is the read side of the log. One Consumer serves one process;
// partitions are positioned independently via Resume.
type Consumer interface {
	// Resume positions the partition cursor at from. Offset zero or one
	// starts from the oldest retained record. Must be called before Poll.
	Resume(ctx context.Context, partition int, from Offset) error

	// Poll returns up to max records in partition order. It may block up
	// to the implementation's wait window when the partition is idle and
	// returns an empty slice on timeout, never an error.
	Poll(ctx context.Context, partition int, max int) ([]Record, error)

	// End returns the offset the next published record would receive,
	// which makes End minus a committed checkpoint the partition lag.
	End(ctx context.Context, partition int) (Offset, error)

	Close() error
}

// PartitionFor maps a dedup hash to a partition. Same hash, same
// partition, which keeps duplicate suppression per-partition-safe.
func PartitionFor(hash string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	return int(h.Sum32() % uint32(partitions))
}
