// Command pipelinedbd is the continuous-query daemon: it loads one
// database's catalog, wires every worker/combiner/queue/reaper process onto
// the in-process scheduler, and serves spec.md §6's HTTP observability
// surface until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pipelinedb/cqengine/internal/api"
	"github.com/pipelinedb/cqengine/internal/config"
	"github.com/pipelinedb/cqengine/internal/daemon"
	"github.com/pipelinedb/cqengine/internal/health"
	"github.com/pipelinedb/cqengine/internal/heartbeat"
	"github.com/pipelinedb/cqengine/internal/logger"
)

// daemonVersion is stamped at build time in a real release; fixed here.
const daemonVersion = "0.1.0-dev"

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	lg := logger.New("pipelinedbd")

	if err := cfg.ValidateCapacity(len(cfg.DatabaseList())); err != nil {
		lg.Fatal().Err(err).Msg("capacity check")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("daemon init")
	}
	defer d.Close()

	checker := health.NewServiceHealthChecker(lg, dbPinger{d: d})
	go checker.Start(ctx, 5*time.Second)
	api.BindServiceHealth(checker.IsHealthy)

	if cfg.AnonymousUpdateChecks {
		hb := heartbeat.New(daemonVersion, "", time.Hour, func() heartbeat.Info {
			cqs, _ := d.Catalog().List(ctx)
			return heartbeat.Info{Version: daemonVersion, NumDatabases: 1, NumCQs: len(cqs)}
		}, lg)
		go func() {
			if err := hb.Run(ctx); err != nil && err != context.Canceled {
				lg.Warn().Err(err).Msg("heartbeat stopped")
			}
		}()
	}

	router := api.NewRouter(api.Deps{
		Observability: api.NewObservabilityHandler(d.Stats(), d.Scheduler(), d.Catalog()),
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: router}
	go func() {
		lg.Info().Int("port", cfg.HTTPPort).Msg("pipelinedbd: http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error().Err(err).Msg("http server exited")
		}
	}()

	runErr := d.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if runErr != nil && runErr != context.Canceled {
		lg.Error().Err(runErr).Msg("pipelinedbd: exit")
		os.Exit(1)
	}
	lg.Info().Msg("pipelinedbd: shutdown complete")
}

// dbPinger adapts the daemon's database handle to health.HealthChecker.
type dbPinger struct{ d *daemon.Daemon }

func (dbPinger) Name() string { return "database" }

func (p dbPinger) IsHealthy() bool {
	return p.d.Ping(context.Background()) == nil
}

func (dbPinger) Start(ctx context.Context, interval time.Duration) {}
