// Package memlog is an in-memory partitioned log. It backs local runs
// and tests where a jetstream server would be overkill; semantics match
// the broker seam exactly, including blocking polls and replay.
package memlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cspipe/internal/platform/broker"
)

const defaultWaitWindow = 100 * time.Millisecond

// Log implements broker.Publisher and broker.Consumer over slices
type Log struct {
	parts      []*part
	cursors    sync.Map // partition -> broker.Offset (next to deliver)
	waitWindow time.Duration
}

type part struct {
	mu     sync.Mutex
	recs   [][]byte
	notify chan struct{}
}

var (
	_ broker.Publisher = (*Log)(nil)
	_ broker.Consumer  = (*Log)(nil)
)

// New returns a log with the given partition count
func New(partitions int) *Log {
	if partitions < 1 {
		partitions = 1
	}
	parts := make([]*part, partitions)
	for i := range parts {
		parts[i] = &part{notify: make(chan struct{})}
	}
	return &Log{parts: parts, waitWindow: defaultWaitWindow}
}

// Partitions returns the partition count
func (l *Log) Partitions() int { return len(l.parts) }

// Publish appends payload to partition
func (l *Log) Publish(_ context.Context, partition int, payload []byte) error {
	p, err := l.part(partition)
	if err != nil {
		return err
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	p.mu.Lock()
	p.recs = append(p.recs, buf)
	// wake pollers waiting on this partition
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
	return nil
}

// Resume positions the partition cursor
func (l *Log) Resume(_ context.Context, partition int, from broker.Offset) error {
	if _, err := l.part(partition); err != nil {
		return err
	}
	if from < 1 {
		from = 1
	}
	l.cursors.Store(partition, from)
	return nil
}

// Poll returns up to max records from the partition cursor, blocking up
// to the wait window when the partition is drained
func (l *Log) Poll(ctx context.Context, partition int, max int) ([]broker.Record, error) {
	p, err := l.part(partition)
	if err != nil {
		return nil, err
	}
	cur, ok := l.cursors.Load(partition)
	if !ok {
		return nil, fmt.Errorf("memlog: partition %d not resumed", partition)
	}
	from := cur.(broker.Offset)

	deadline := time.NewTimer(l.waitWindow)
	defer deadline.Stop()

	for {
		recs, next := p.read(from, max, partition)
		if len(recs) > 0 {
			l.cursors.Store(partition, next)
			return recs, nil
		}

		p.mu.Lock()
		wake := p.notify
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wake:
		}
	}
}

// End returns the offset the next record would receive
func (l *Log) End(_ context.Context, partition int) (broker.Offset, error) {
	p, err := l.part(partition)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return broker.Offset(len(p.recs)) + 1, nil
}

// Close is a no op for the in-memory log
func (l *Log) Close() error { return nil }

func (l *Log) part(partition int) (*part, error) {
	if partition < 0 || partition >= len(l.parts) {
		return nil, errors.New("memlog: partition out of range")
	}
	return l.parts[partition], nil
}

// read copies up to max records starting at offset from (1-based)
func (p *part) read(from broker.Offset, max, partition int) ([]broker.Record, broker.Offset) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := int(from) - 1
	if start >= len(p.recs) {
		return nil, from
	}
	end := start + max
	if end > len(p.recs) {
		end = len(p.recs)
	}

	out := make([]broker.Record, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, broker.Record{
			Partition: partition,
			Offset:    broker.Offset(i) + 1,
			Payload:   p.recs[i],
		})
	}
	return out, broker.Offset(end) + 1
}
