// Package natsjs adapts a NATS JetStream stream to the broker seam.
// Each partition maps to its own subject under the stream, and offsets
// are the stream sequence numbers carried in message metadata, which
// lets consumers rewind to any retained position on Resume.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"cspipe/internal/platform/broker"
	"cspipe/internal/platform/logger"
)

// Config configures the stream and consumption behavior
type Config struct {
	// URL is the nats server url, e.g. nats://127.0.0.1:4222
	URL string

	// Stream is the jetstream stream name, e.g. CSPIPE
	Stream string

	// Partitions is the number of partition subjects under the stream
	Partitions int

	// AwaitAck makes Publish wait for the jetstream ack. Leave false on
	// the hot ingest path where async publish is the point.
	AwaitAck bool

	// WaitWindow bounds how long Poll blocks on an idle partition.
	// Default 500ms.
	WaitWindow time.Duration

	// MaxAge is the stream retention window. Default 24h.
	MaxAge time.Duration

	// Replicas is the jetstream replica count. Default 1.
	Replicas int
}

const (
	defaultWaitWindow = 500 * time.Millisecond
	defaultMaxAge     = 24 * time.Hour
	reconnectWait     = 2 * time.Second
	connectTimeout    = 10 * time.Second
)

// Broker is a jetstream-backed partitioned log
type Broker struct {
	cfg  Config
	log  logger.Logger
	nc   *nats.Conn
	js   nats.JetStreamContext
	root string

	mu   sync.Mutex
	subs map[int]*nats.Subscription
}

var (
	_ broker.Publisher = (*Broker)(nil)
	_ broker.Consumer  = (*Broker)(nil)
)

// Connect dials the server and ensures the stream exists
func Connect(_ context.Context, cfg Config, log logger.Logger) (*Broker, error) {
	if cfg.URL == "" {
		return nil, errors.New("natsjs: empty url")
	}
	if cfg.Stream == "" {
		return nil, errors.New("natsjs: empty stream name")
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.WaitWindow <= 0 {
		cfg.WaitWindow = defaultWaitWindow
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, derr error) {
			log.Warn().Err(derr).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsjs: connect %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsjs: jetstream context: %w", err)
	}

	b := &Broker{
		cfg:  cfg,
		log:  log,
		nc:   nc,
		js:   js,
		root: strings.ToLower(cfg.Stream),
		subs: make(map[int]*nats.Subscription),
	}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("natsjs: stream info %s: %w", b.cfg.Stream, err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.root + ".p.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    b.cfg.MaxAge,
		Storage:   nats.FileStorage,
		Replicas:  b.cfg.Replicas,
	})
	if err != nil {
		return fmt.Errorf("natsjs: create stream %s: %w", b.cfg.Stream, err)
	}
	b.log.Info().Str("stream", b.cfg.Stream).Int("partitions", b.cfg.Partitions).Msg("jetstream stream created")
	return nil
}

func (b *Broker) subject(partition int) string {
	return fmt.Sprintf("%s.p.%d", b.root, partition)
}

// Publish appends payload to the partition subject
func (b *Broker) Publish(_ context.Context, partition int, payload []byte) error {
	if partition < 0 || partition >= b.cfg.Partitions {
		return fmt.Errorf("natsjs: partition %d out of range", partition)
	}
	subj := b.subject(partition)

	if b.cfg.AwaitAck {
		if _, err := b.js.Publish(subj, payload); err != nil {
			return fmt.Errorf("natsjs: publish %s: %w", subj, err)
		}
		return nil
	}
	if _, err := b.js.PublishAsync(subj, payload); err != nil {
		return fmt.Errorf("natsjs: publish async %s: %w", subj, err)
	}
	return nil
}

// Resume creates an ephemeral pull consumer positioned at from.
// Delivery tracking lives in the checkpoint store, so messages are
// acked on fetch and a restart simply resumes from the checkpoint.
func (b *Broker) Resume(_ context.Context, partition int, from broker.Offset) error {
	if partition < 0 || partition >= b.cfg.Partitions {
		return fmt.Errorf("natsjs: partition %d out of range", partition)
	}

	opts := []nats.SubOpt{
		nats.BindStream(b.cfg.Stream),
		nats.AckExplicit(),
	}
	if from > 1 {
		opts = append(opts, nats.StartSequence(uint64(from)))
	} else {
		opts = append(opts, nats.DeliverAll())
	}

	sub, err := b.js.PullSubscribe(b.subject(partition), "", opts...)
	if err != nil {
		return fmt.Errorf("natsjs: subscribe partition %d: %w", partition, err)
	}

	b.mu.Lock()
	if old, ok := b.subs[partition]; ok {
		_ = old.Unsubscribe()
	}
	b.subs[partition] = sub
	b.mu.Unlock()
	return nil
}

// Poll fetches up to max records from the partition consumer
func (b *Broker) Poll(_ context.Context, partition int, max int) ([]broker.Record, error) {
	b.mu.Lock()
	sub, ok := b.subs[partition]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("natsjs: partition %d not resumed", partition)
	}

	msgs, err := sub.Fetch(max, nats.MaxWait(b.cfg.WaitWindow))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("natsjs: fetch partition %d: %w", partition, err)
	}

	recs := make([]broker.Record, 0, len(msgs))
	for _, m := range msgs {
		meta, merr := m.Metadata()
		if merr != nil {
			return nil, fmt.Errorf("natsjs: message metadata: %w", merr)
		}
		recs = append(recs, broker.Record{
			Partition: partition,
			Offset:    broker.Offset(meta.Sequence.Stream),
			Payload:   m.Data,
		})
		_ = m.Ack()
	}
	return recs, nil
}

// End returns the next stream sequence, shared across partitions.
// Good enough for a lag gauge; exact per-subject ends are not cheap.
func (b *Broker) End(_ context.Context, _ int) (broker.Offset, error) {
	si, err := b.js.StreamInfo(b.cfg.Stream)
	if err != nil {
		return 0, fmt.Errorf("natsjs: stream info: %w", err)
	}
	return broker.Offset(si.State.LastSeq) + 1, nil
}

// Close drains consumers and the connection
func (b *Broker) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = make(map[int]*nats.Subscription)
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}
