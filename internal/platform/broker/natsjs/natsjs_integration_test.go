//go:build integration_nats
// +build integration_nats

package natsjs

import (
	"context"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"cspipe/internal/platform/broker"
	"cspipe/internal/platform/logger"
)

// startNATS launches a disposable jetstream-enabled server and returns
// its client URL plus a stop func
func startNATS(t *testing.T) (url string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	req := tc.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js"},
		WaitingFor:   wait.ForLog("Server is ready").WithDeadline(time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start nats container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get container host: %v", err)
	}
	mp, err := c.MappedPort(ctx, "4222/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	return fmt.Sprintf("nats://%s:%s", host, mp.Port()), func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
}

func connect(t *testing.T, url string, partitions int) *Broker {
	t.Helper()
	b, err := Connect(context.Background(), Config{
		URL:        url,
		Stream:     "CSPIPE_IT",
		Partitions: partitions,
		AwaitAck:   true,
		WaitWindow: 200 * time.Millisecond,
	}, *logger.Get())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b
}

func TestJetStream_PublishPollRoundTrip(t *testing.T) {
	url, stop := startNATS(t)
	defer stop()

	b := connect(t, url, 2)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Publish(ctx, 0, []byte(fmt.Sprintf("rec-%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := b.Publish(ctx, 1, []byte("other-partition")); err != nil {
		t.Fatalf("publish p1: %v", err)
	}

	if err := b.Resume(ctx, 0, 0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	var got []broker.Record
	for len(got) < 5 {
		recs, err := b.Poll(ctx, 0, 10)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if len(recs) == 0 {
			t.Fatalf("poll returned nothing with %d records pending", 5-len(got))
		}
		got = append(got, recs...)
	}

	for i, rec := range got {
		if want := fmt.Sprintf("rec-%d", i); string(rec.Payload) != want {
			t.Fatalf("record %d = %q, want %q", i, rec.Payload, want)
		}
		if i > 0 && got[i].Offset <= got[i-1].Offset {
			t.Fatalf("offsets not increasing: %v then %v", got[i-1].Offset, got[i].Offset)
		}
	}
}

func TestJetStream_ResumeReplaysFromOffset(t *testing.T) {
	url, stop := startNATS(t)
	defer stop()

	b := connect(t, url, 1)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := b.Publish(ctx, 0, []byte(fmt.Sprintf("rec-%d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if err := b.Resume(ctx, 0, 0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	first, err := b.Poll(ctx, 0, 2)
	if err != nil || len(first) != 2 {
		t.Fatalf("first poll: %d recs, err %v", len(first), err)
	}

	// rewind to the third record, as a restart from a checkpoint would
	from := first[1].Offset + 1
	if err := b.Resume(ctx, 0, from); err != nil {
		t.Fatalf("re-resume: %v", err)
	}
	rest, err := b.Poll(ctx, 0, 10)
	if err != nil {
		t.Fatalf("poll after resume: %v", err)
	}
	if len(rest) != 2 || string(rest[0].Payload) != "rec-2" {
		t.Fatalf("replay from %d returned %d recs, first %q", from, len(rest), rest[0].Payload)
	}
}

func TestJetStream_EndTracksPublishes(t *testing.T) {
	url, stop := startNATS(t)
	defer stop()

	b := connect(t, url, 1)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	before, err := b.End(ctx, 0)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := b.Publish(ctx, 0, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	after, err := b.End(ctx, 0)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if after != before+1 {
		t.Fatalf("end moved %d to %d, want +1", before, after)
	}
}

func TestJetStream_IdlePollReturnsEmpty(t *testing.T) {
	url, stop := startNATS(t)
	defer stop()

	b := connect(t, url, 1)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	if err := b.Resume(ctx, 0, 0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	recs, err := b.Poll(ctx, 0, 10)
	if err != nil {
		t.Fatalf("idle poll: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("idle poll returned %d records", len(recs))
	}
}
