// Command collector runs the berlin-transit ingestion pipeline: it polls the
// BVG API on a schedule, reconciles the results into Postgres and serves
// aggregated views over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vllry/berlin-transit/pkg/aggregate"
	"github.com/vllry/berlin-transit/pkg/bvg"
	"github.com/vllry/berlin-transit/pkg/config"
	"github.com/vllry/berlin-transit/pkg/metrics"
	"github.com/vllry/berlin-transit/pkg/reconcile"
	"github.com/vllry/berlin-transit/pkg/scheduler"
	"github.com/vllry/berlin-transit/pkg/schema"
	"github.com/vllry/berlin-transit/pkg/server"
	"github.com/vllry/berlin-transit/pkg/store"
	"github.com/vllry/berlin-transit/pkg/transit"
)

func main() {
	configPath := flag.String("config", "config.yml", "Path to the YAML configuration file")
	once := flag.Bool("once", false, "Run one ingestion pass of every lane and exit")
	flag.Parse()

	// A local .env is a development convenience; in containers the
	// environment comes from the orchestrator.
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "initializing logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(*configPath, *once, log); err != nil {
		log.Fatal("collector failed", zap.Error(err))
	}
}

func run(configPath string, once bool, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Migrate {
		log.Info("applying schema migrations")
		if err := schema.Migrate(cfg.Database.URL); err != nil {
			return err
		}
	}

	st, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer st.Close()

	met := metrics.New(prometheus.DefaultRegisterer)

	client := bvg.NewClient(bvg.ClientConfig{
		BaseURL:    cfg.Provider.BaseURL,
		UserAgent:  cfg.Provider.UserAgent,
		Timeout:    cfg.Provider.Timeout(),
		MaxRetries: uint64(cfg.Provider.MaxRetries),
	}, log.Named("bvg"))

	boards := make([]transit.Direction, 0, len(cfg.Ingest.Boards))
	for _, b := range cfg.Ingest.Boards {
		// Values are validated at config load.
		d, err := transit.ParseDirection(b)
		if err != nil {
			return err
		}
		boards = append(boards, d)
	}
	fetcher := bvg.NewFetcher(client, cfg.Ingest.StopIDs, boards)

	schedCfg := scheduler.Config{
		BoardInterval: cfg.Ingest.Interval(),
		FetchWindow:   cfg.Ingest.Window(),
		StopsInterval: cfg.Stops.SyncInterval(),
	}
	if cfg.Radar != nil {
		schedCfg.RadarInterval = cfg.Radar.Interval()
		schedCfg.RadarBox = &cfg.Radar.Box
		schedCfg.RadarMaxVehicles = cfg.Radar.MaxVehicles
	}
	sched := scheduler.New(schedCfg, fetcher, reconcile.New(st), met, log.Named("scheduler"))

	if once {
		log.Info("running a single ingestion pass")
		return sched.RunOnce(ctx)
	}

	srv := server.New(aggregate.New(st), st, log.Named("server"))
	httpSrv := srv.HTTPServer(fmt.Sprintf(":%d", cfg.Server.Port))

	httpErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx)
	}()

	select {
	case err := <-httpErr:
		stop()
		<-schedErr
		return err
	case err := <-schedErr:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("http server shutdown", zap.Error(serr))
		}
		return err
	}
}
