// Program parsyncd runs the storage maintenance orchestrator daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parsync"
	"parsync/internal/config"
	obs "parsync/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	const (
		msgConfig  = "config"
		msgWire    = "wire"
		msgRun     = "run"
		msgMetrics = "metrics_listen"
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.Logger.Fatal().Err(err).Msg(msgConfig)
	}
	for _, r := range cfg.Rejected {
		obs.Logger.Warn().
			Str(obs.FieldTarget, r.ID).
			Str("reason", r.Reason).
			Msg("target rejected")
	}

	obs.Register()
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			obs.Logger.Fatal().Err(err).Msg(msgMetrics)
		}
	}()

	o, err := parsync.New(cfg)
	if err != nil {
		obs.Logger.Fatal().Err(err).Msg(msgWire)
	}
	defer o.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Logger.Info().
		Dur("tick", cfg.Tick).
		Int("sync_targets", len(cfg.Sync)).
		Int("scrub_targets", len(cfg.Scrub)).
		Msg("orchestrator started")

	if *once {
		o.Tick(ctx)
		return
	}
	if err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		obs.Logger.Fatal().Err(err).Msg(msgRun)
	}
}
