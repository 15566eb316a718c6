// Package module wires the pipeline service to its stores and exposes
// the operational HTTP surface
package module

import (
	"context"
	stdhttp "net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cspipe/internal/core/capacity"
	"cspipe/internal/platform/broker"
	"cspipe/internal/platform/logger"
	"cspipe/internal/platform/metrics"
	phttp "cspipe/internal/platform/net/http"
	"cspipe/internal/platform/net/middleware"
	"cspipe/internal/platform/store"
	"cspipe/internal/services/pipeline/domain"
	"cspipe/internal/services/pipeline/repo"
	"cspipe/internal/services/pipeline/service"
)

// Deps are the collaborators the module needs
type Deps struct {
	Consumer broker.Consumer
	Store    *store.Store
	Logger   logger.Logger
	Registry *prometheus.Registry
}

// Module owns the running pipeline service and its query side
type Module struct {
	svc     *service.Service
	queries domain.QueryPort
	met     *metrics.Pipeline
}

// New builds the service from options. The dedup cache runs on the
// shared kv when configured and falls back to a process-local one,
// which keeps single-node deployments working without redis.
func New(deps Deps, opts Options) *Module {
	met := metrics.NewPipeline(deps.Registry)

	kv := deps.Store.KV
	if kv == nil {
		deps.Logger.Warn().Msg("no shared kv configured, dedup window is process-local")
		kv = store.NewMemKV()
	}

	violations := repo.NewCH(deps.Store.CH)
	svc := service.New(
		deps.Consumer,
		repo.NewDedupCache(kv),
		violations,
		repo.NewCheckpoints(deps.Store.PG),
		met,
		deps.Logger,
		service.Config{
			Partitions:      opts.Partitions,
			DedupTTL:        opts.DedupTTL,
			BatchSize:       opts.BatchSize,
			BatchAge:        opts.BatchAge,
			PollMax:         opts.PollMax,
			FlushRetries:    opts.FlushRetries,
			FlushBackoff:    opts.FlushBackoff,
			RestartBackoff:  opts.RestartBackoff,
			ShutdownTimeout: opts.ShutdownTimeout,
		},
	)

	return &Module{svc: svc, queries: violations, met: met}
}

// Run starts the partition workers and blocks until ctx is canceled
func (m *Module) Run(ctx context.Context) error { return m.svc.Run(ctx) }

// MountRoutes wires health, metrics and the operator aggregates
func (m *Module) MountRoutes(r phttp.Router, deps Deps, opts Options) {
	r.Use(
		middleware.RealIP(),
		middleware.RequestID(),
		middleware.Recover(),
		middleware.AccessLogZerolog(middleware.AccessLogOptions{Slow: opts.SlowRequest}),
	)

	r.Get("/healthz", phttp.Handle(func(req *stdhttp.Request) phttp.Response {
		if err := deps.Store.Guard(req.Context()); err != nil {
			return phttp.Error(err)
		}
		return phttp.OK(map[string]string{"status": "ok"})
	}))
	r.Handle("/metrics", metrics.Handler(deps.Registry))

	r.Get("/stats/hosts", phttp.JSONHandlerNoBody(func(req *stdhttp.Request) (any, error) {
		since, limit := statsParams(req, opts)
		return m.queries.TopBlockedHosts(req.Context(), since, limit)
	}))
	r.Get("/stats/directives", phttp.JSONHandlerNoBody(func(req *stdhttp.Request) (any, error) {
		since, _ := statsParams(req, opts)
		return m.queries.CountByDirective(req.Context(), since)
	}))

	r.Post("/plan", phttp.JSONHandler(func(req *stdhttp.Request, in planRequest) (any, error) {
		return capacity.Size(in.TargetRPS, in.ProducerRPS, in.ConsumerRPS,
			in.Growth, in.WorkerRPS, in.Headroom)
	}))

	phttp.MountProfiler(r, "/debug", opts.EnableProfiler)
}

// planRequest sizes partitions and workers from measured ceilings
type planRequest struct {
	TargetRPS   float64 `json:"target_rps" validate:"required,gt=0"`
	ProducerRPS float64 `json:"producer_rps" validate:"required,gt=0"`
	ConsumerRPS float64 `json:"consumer_rps" validate:"required,gt=0"`
	Growth      float64 `json:"growth" validate:"required,gte=1"`
	WorkerRPS   float64 `json:"worker_rps" validate:"required,gt=0"`
	Headroom    float64 `json:"headroom" validate:"required,gte=1"`
}

// statsParams reads the window and limit query params, falling back to
// the configured defaults
func statsParams(req *stdhttp.Request, opts Options) (time.Time, int) {
	window := opts.StatsWindow
	if raw := req.URL.Query().Get("window"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			window = d
		}
	}
	limit := opts.StatsLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	return time.Now().Add(-window), limit
}
