package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/hvac-convergence/core"
	"github.com/signalsfoundry/hvac-convergence/internal/config"
	"github.com/signalsfoundry/hvac-convergence/internal/logging"
	"github.com/signalsfoundry/hvac-convergence/internal/observability"
	"github.com/signalsfoundry/hvac-convergence/internal/persistence"
	"github.com/signalsfoundry/hvac-convergence/internal/scenario"
	"github.com/signalsfoundry/hvac-convergence/kb"
	"github.com/signalsfoundry/hvac-convergence/timectrl"
	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout))
}

// run executes one simulation and returns the process exit code: 0 on a
// completed run, 1 on a fatal error, 2 on bad usage.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	fs := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	config.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	settings, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(stdout, "configuration error: %v\n", err)
		return 2
	}

	logCfg := settings.Logging
	logCfg.Output = stdout
	log := logging.New(logCfg)
	ctx, runID := logging.EnsureRunID(ctx)
	ctx = logging.ContextWithLogger(ctx, log)

	tracing, err := observability.InitTracing(ctx, settings.Tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		return 1
	}
	defer tracing.Shutdown(context.Background())

	collector, err := observability.NewConvergenceCollector(prometheus.NewRegistry())
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		return 1
	}
	if metricsSrv := serveMetrics(ctx, settings.MetricsAddr, collector, log); metricsSrv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	sc, err := scenario.LoadFile(ctx, settings.ScenarioPath, scenario.WithTimestep(settings.Tick))
	if err != nil {
		log.Error(ctx, "failed to load scenario", logging.String("path", settings.ScenarioPath), logging.Err(err))
		return 1
	}
	log.Info(ctx, "loaded scenario",
		logging.String("path", sc.Path),
		logging.String("name", sc.Name),
		logging.Int("air_systems", len(sc.KB.AirSystems())),
		logging.Int("zones", len(sc.KB.ListZones())),
		logging.Int("environments", len(sc.Environments)),
	)
	unsubscribe := sc.KB.Subscribe(logKBEvent(ctx, log))
	defer unsubscribe()

	reporter := core.TeeReporter{core.NewLogReporter(log)}
	registrars := []core.ReportChannelRegistrar{collector}
	var recorder *persistence.RunRecorder
	if settings.StorePath != "" {
		store, err := persistence.Open(settings.StorePath)
		if err != nil {
			log.Error(ctx, "failed to open history store", logging.String("path", settings.StorePath), logging.Err(err))
			return 1
		}
		defer store.Close()
		recorder, err = store.StartRun(ctx, runID, sc.Path, settings.Convergence, time.Now(), log)
		if err != nil {
			log.Error(ctx, "failed to record run", logging.Err(err))
			return 1
		}
		reporter = append(reporter, recorder)
		registrars = append(registrars, recorder)
		defer summarizeRun(ctx, store, runID, log)
	}

	coord, err := core.NewCoordinator(settings.Convergence, sc.KB, sc.Building.Collaborators(),
		core.WithLogger(log),
		core.WithMetrics(collector),
		core.WithReporter(reporter),
		core.WithReporting(sc.KB),
		core.WithRegistrars(registrars...),
	)
	if err != nil {
		log.Error(ctx, "invalid convergence configuration", logging.Err(err))
		return 2
	}

	clock := timectrl.NewTimeController(time.Time{}, settings.Tick, settings.Mode)
	engine := core.NewSimulationEngine(coord, clock, log)
	engine.RegisterBeforeTimestep(sc.Building.UpdateZoneDemands)
	engine.RegisterTickListener(sc.Building.CommitTimestep)
	if recorder != nil {
		engine.RegisterBeforeTimestep(recorder.BeginTimestep)
		engine.RegisterTickListener(recorder.RecordTimestep)
	}

	log.Info(ctx, "starting simulation",
		logging.String("tick", settings.Tick.String()),
		logging.String("mode", settings.Mode.String()),
		logging.Int("max_iter", settings.Convergence.MaxIter),
	)
	sum, runErr := engine.Run(ctx, sc.Environments)

	if recorder != nil {
		if err := recorder.Finish(ctx, sum, time.Now(), runErr); err != nil {
			log.Warn(ctx, "failed to record run summary", logging.Err(err))
		}
	}

	switch {
	case runErr == nil:
		log.Info(ctx, "simulation complete", logging.Int("timesteps", sum.Timesteps))
		return 0
	case errors.Is(runErr, context.Canceled):
		log.Warn(ctx, "simulation interrupted", logging.Int("timesteps", sum.Timesteps))
		return 1
	default:
		log.Error(ctx, "simulation terminated", logging.Err(runErr))
		return 1
	}
}

func serveMetrics(ctx context.Context, addr string, collector *observability.ConvergenceCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func logKBEvent(ctx context.Context, log logging.Logger) func(kb.Event) {
	return func(ev kb.Event) {
		switch ev.Type {
		case kb.EventZoneGroupLoadsUpdated:
			log.Debug(ctx, "zone group loads",
				logging.String("zone_group", ev.ZoneGroup.Name),
				logging.Float64("sensible_w", ev.ZoneGroup.SensibleLoad),
				logging.Float64("latent_w", ev.ZoneGroup.LatentLoad),
			)
		case kb.EventAirBalanceUpdated:
			log.Debug(ctx, "zone air balance",
				logging.String("zone", ev.Zone.ID),
				logging.Float64("imbalance_kg_s", ev.Zone.AirBalance.Imbalance),
			)
		}
	}
}

func summarizeRun(ctx context.Context, store *persistence.Store, runID string, log logging.Logger) {
	stats, err := store.Summarize(ctx, runID)
	if err != nil {
		log.Warn(ctx, "failed to summarise run", logging.Err(err))
		return
	}
	log.Info(ctx, "run history",
		logging.String("timesteps", humanize.Comma(int64(stats.Timesteps))),
		logging.String("converged", fmt.Sprintf("%.1f%%", 100*stats.ConvergedFraction())),
		logging.Float64("mean_sweeps", stats.MeanIterations),
		logging.Float64("p95_sweeps", stats.P95Iterations),
		logging.Float64("max_sweeps", stats.MaxIterations),
		logging.Int("severe", stats.Severe),
		logging.Int("fatal", stats.Fatal),
	)
}
