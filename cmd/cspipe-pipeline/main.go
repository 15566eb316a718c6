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
	"cspipe/internal/platform/store"

	pipemod "cspipe/internal/services/pipeline/module"
)

func main() {
	// service-scoped config for HTTP etc (CORE_PIPELINE_*)
	root := config.New()
	pipeCfg := root.Prefix("CORE_PIPELINE_")

	pgCfg := root.Prefix("SERVICE_PGSQL_")
	chCfg := root.Prefix("SERVICE_CLICKHOUSE_")
	rdCfg := root.Prefix("SERVICE_REDIS_")
	natsCfg := root.Prefix("SERVICE_NATS_")

	// bring up logging early
	l := logger.Get()

	opts, err := pipemod.FromConfig(root)
	if err != nil {
		l.Panic().Err(err).Msg("bad pipeline config")
	}

	st, err := store.Open(context.Background(), store.Config{
		AppName: "cspipe-pipeline",
		PG: store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", 4)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", false),
		},
		CH: store.CHConfig{
			Enabled: true,
			URL:     chCfg.MustString("DBURL"),
		},
		RDS: store.RedisConfig{
			Enabled:  rdCfg.MayBool("ENABLED", true),
			Addr:     rdCfg.MayString("ADDR", "127.0.0.1:6379"),
			Password: rdCfg.MayString("PASSWORD", ""),
			DB:       rdCfg.MayInt("DB", 0),
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Panic().Err(err).Msg("store.Open failed")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()

	if err := st.Guard(context.Background()); err != nil {
		l.Panic().Err(err).Msg("store not ready")
	}

	br, err := natsjs.Connect(context.Background(), natsjs.Config{
		URL:        natsCfg.MustString("URL"),
		Stream:     natsCfg.MayString("STREAM", "CSPIPE"),
		Partitions: natsCfg.MayInt("PARTITIONS", 8),
		WaitWindow: natsCfg.MayDuration("WAIT_WINDOW", 500*time.Millisecond),
	}, *l)
	if err != nil {
		l.Panic().Err(err).Msg("broker connect failed")
	}
	defer func() {
		if err := br.Close(); err != nil {
			l.Error().Err(err).Msg("broker close failed")
		}
	}()

	deps := pipemod.Deps{
		Consumer: br,
		Store:    st,
		Logger:   *l,
		Registry: metrics.NewRegistry(),
	}
	mod := pipemod.New(deps, opts)

	// http server (reads CORE_PIPELINE_PORT)
	srv := phttp.NewServer(pipeCfg)
	mod.MountRoutes(srv.Router(), deps, opts)
	go func() {
		if err := srv.Run(context.Background()); err != nil {
			l.Error().Err(err).Msg("http server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// blocks until signal; workers flush and commit on the way out
	if err := mod.Run(ctx); err != nil {
		l.Panic().Err(err).Msg("pipeline stopped")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		l.Error().Err(err).Msg("http shutdown failed")
	}
}
