package module

import (
	"time"

	"cspipe/internal/platform/config"
)

// Options holds configuration settings for the ingest module
type Options struct {
	Partitions     int
	QueueSize      int
	PublishWorkers int
	PublishTimeout time.Duration
	PublishRetries int
	MaxBodyBytes   int64
	AllowedOrigins []string
	SlowRequest    time.Duration
	SpillPath      string
	SpillMaxBytes  int64
}

// FromConfig reads configuration settings from the config.Conf
func FromConfig(cfg config.Conf) Options {
	in := cfg.Prefix("CORE_INGEST_")
	return Options{
		Partitions:     in.MayInt("PARTITIONS", 8),
		QueueSize:      in.MayInt("QUEUE_SIZE", 10000),
		PublishWorkers: in.MayInt("PUBLISH_WORKERS", 4),
		PublishTimeout: in.MayDuration("PUBLISH_TIMEOUT", 2*time.Second),
		PublishRetries: in.MayInt("PUBLISH_RETRIES", 2),
		MaxBodyBytes:   int64(in.MayInt("MAX_BODY_BYTES", 64<<10)),
		AllowedOrigins: in.MayCSV("ALLOWED_ORIGINS", []string{"*"}),
		SlowRequest:    in.MayDuration("SLOW_REQUEST", 500*time.Millisecond),
		SpillPath:      in.MayString("SPILL_PATH", ""),
		SpillMaxBytes:  int64(in.MayInt("SPILL_MAX_MB", 256)) << 20,
	}
}
