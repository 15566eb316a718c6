// Package module wires the ingest service onto a router
package module

import (
	"io"
	stdhttp "net/http"

	"github.com/prometheus/client_golang/prometheus"

	"cspipe/internal/platform/broker"
	"cspipe/internal/platform/logger"
	"cspipe/internal/platform/metrics"
	phttp "cspipe/internal/platform/net/http"
	"cspipe/internal/platform/net/middleware"
	"cspipe/internal/services/ingest/domain"
	"cspipe/internal/services/ingest/service"
)

// Deps are the collaborators the module needs
type Deps struct {
	Publisher broker.Publisher
	Logger    logger.Logger
	Registry  *prometheus.Registry
}

// Module owns the running ingest service
type Module struct {
	svc *service.Service
	met *metrics.Ingest
}

// New builds the service from options
func New(deps Deps, opts Options) *Module {
	met := metrics.NewIngest(deps.Registry)

	cfg := service.Config{
		Partitions:     opts.Partitions,
		QueueSize:      opts.QueueSize,
		PublishWorkers: opts.PublishWorkers,
		PublishTimeout: opts.PublishTimeout,
		PublishRetries: opts.PublishRetries,
	}
	if opts.SpillPath != "" {
		sp, err := service.NewSpill(opts.SpillPath, opts.SpillMaxBytes)
		if err != nil {
			deps.Logger.Warn().Err(err).Str("path", opts.SpillPath).Msg("spill disabled")
		} else {
			cfg.Spill = sp
		}
	}

	return &Module{
		svc: service.New(deps.Publisher, met, deps.Logger, cfg),
		met: met,
	}
}

// Service exposes the submitter port, mostly for shutdown draining
func (m *Module) Service() *service.Service { return m.svc }

// MountRoutes wires the report endpoints, health and metrics
func (m *Module) MountRoutes(r phttp.Router, deps Deps, opts Options) {
	r.Use(
		middleware.RealIP(),
		middleware.RequestID(),
		middleware.Recover(),
		middleware.CORS(middleware.CORSOptions{AllowedOrigins: opts.AllowedOrigins}),
		middleware.AccessLogZerolog(middleware.AccessLogOptions{Slow: opts.SlowRequest}),
	)

	accept := m.acceptHandler(opts.MaxBodyBytes)
	r.Post("/report", accept)
	r.Post("/reports", accept)

	r.Get("/healthz", phttp.Handle(func(_ *stdhttp.Request) phttp.Response {
		return phttp.OK(map[string]string{"status": "ok"})
	}))
	r.Handle("/metrics", metrics.Handler(deps.Registry))
}

// acceptHandler reads the body and acks 204 no matter what; the reporting
// agent cannot act on errors and agent-side retries only amplify load.
func (m *Module) acceptHandler(maxBody int64) phttp.Handler {
	return func(w stdhttp.ResponseWriter, req *stdhttp.Request) {
		req.Body = stdhttp.MaxBytesReader(w, req.Body, maxBody)
		body, err := io.ReadAll(req.Body)
		if err != nil {
			// oversized or truncated body; count it so a flood shows up
			m.met.Rejected.Inc()
		} else {
			_ = m.svc.Submit(req.Context(), domain.Submission{
				Body:        body,
				ContentType: req.Header.Get("Content-Type"),
				UserAgent:   req.Header.Get("User-Agent"),
			})
		}
		w.WriteHeader(stdhttp.StatusNoContent)
	}
}
