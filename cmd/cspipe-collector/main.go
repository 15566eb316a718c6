package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cspipe/internal/platform/broker/natsjs"
	"cspipe/internal/platform/config"
	"cspipe/internal/platform/logger"
	"cspipe/internal/platform/metrics"
	phttp "cspipe/internal/platform/net/http"

	ingestmod "cspipe/internal/services/ingest/module"
)

func main() {
	// service-scoped config for HTTP etc (CORE_INGEST_*)
	root := config.New()
	inCfg := root.Prefix("CORE_INGEST_")
	natsCfg := root.Prefix("SERVICE_NATS_")

	// bring up logging early
	l := logger.Get()
	opts := ingestmod.FromConfig(root)

	br, err := natsjs.Connect(context.Background(), natsjs.Config{
		URL:        natsCfg.MustString("URL"),
		Stream:     natsCfg.MayString("STREAM", "CSPIPE"),
		Partitions: opts.Partitions,
		AwaitAck:   natsCfg.MayBool("AWAIT_ACK", false),
		MaxAge:     natsCfg.MayDuration("MAX_AGE", 24*time.Hour),
		Replicas:   natsCfg.MayInt("REPLICAS", 1),
	}, *l)
	if err != nil {
		l.Panic().Err(err).Msg("broker connect failed")
	}

	deps := ingestmod.Deps{
		Publisher: br,
		Logger:    *l,
		Registry:  metrics.NewRegistry(),
	}
	mod := ingestmod.New(deps, opts)

	// http server (reads CORE_INGEST_PORT)
	srv := phttp.NewServer(inCfg)
	mod.MountRoutes(srv.Router(), deps, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(context.Background()) }()

	select {
	case err := <-errc:
		if err != nil {
			l.Panic().Err(err).Msg("http server stopped")
		}
	case <-ctx.Done():
	}

	// stop intake first, then let the queue drain into the broker
	shutCtx, cancel := context.WithTimeout(context.Background(), inCfg.MayDuration("SHUTDOWN_TIMEOUT", 15*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		l.Error().Err(err).Msg("http shutdown failed")
	}
	if err := mod.Service().Drain(shutCtx); err != nil {
		l.Error().Err(err).Msg("publish queue drain incomplete")
	}
	if err := br.Close(); err != nil {
		l.Error().Err(err).Msg("broker close failed")
	}
}
