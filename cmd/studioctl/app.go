package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/edwinlacy/LocaldevScripts/internal/config"
	"github.com/edwinlacy/LocaldevScripts/internal/control"
	"github.com/edwinlacy/LocaldevScripts/internal/gpu"
	"github.com/edwinlacy/LocaldevScripts/internal/metrics"
	"github.com/edwinlacy/LocaldevScripts/internal/network"
	"github.com/edwinlacy/LocaldevScripts/internal/process"
	"github.com/edwinlacy/LocaldevScripts/internal/registry"
	"github.com/edwinlacy/LocaldevScripts/internal/reset"
	"github.com/edwinlacy/LocaldevScripts/internal/supervisor"
	"github.com/edwinlacy/LocaldevScripts/internal/system"
)

const controlRetries = 1

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	closer   io.Closer
	registry *registry.Registry

	prober     *network.Prober
	probe      *control.Client
	gatherer   prometheus.Gatherer
	supervisor *supervisor.Controller
	inspector  *system.Inspector
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, setupError{fmt.Errorf("configuration: %w", err)}
	}

	cfg.LogDir = config.ResolveDir(cfg.LogDir, "logs")
	cfg.LockDir = config.ResolveDir(cfg.LockDir, "run")
	logger, closer, err := config.NewLogger(cfg, "studioctl")
	if err != nil {
		// Logging falls back to stderr; the command still runs.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	reg, err := registry.Load(cfg.RegistryPath, cfg.StudioRoot)
	if err != nil {
		closer.Close()
		return nil, setupError{err}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	emitter, err := metrics.NewEmitter(promReg)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	prober := network.NewProber(logger)
	evictClient := control.NewClient(cfg.EvictTimeout, controlRetries, logger)
	probeClient := control.NewClient(cfg.EvictTimeout, 0, logger)

	ctl := supervisor.New(supervisor.Deps{
		Registry: reg,
		Ports:    prober,
		Procs:    process.NewMatcher(cfg.GracePeriod, logger),
		Spawner:  supervisor.NewExecSpawner(cfg.WorkerLogPath, logger),
		Resetter: reset.NewManager(evictClient, logger),
		Metrics:  emitter,
		LockDir:  cfg.LockDir,
	}, logger)

	inspector := system.NewInspector(
		system.DefaultSettings(cfg.StudioRoot, cfg.PythonBinary, cfg.LMStudioURL),
		reg.All(),
		prober,
		gpu.NewMetrics(cfg.Debug, logger),
		probeClient,
		logger,
	)

	logger.Debug("studioctl initialised",
		"version", config.Version,
		"registry", orBuiltin(cfg.RegistryPath),
		"workers", reg.IDs(),
		"debug", cfg.Debug,
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		closer:     closer,
		registry:   reg,
		prober:     prober,
		probe:      probeClient,
		gatherer:   promReg,
		supervisor: ctl,
		inspector:  inspector,
	}, nil
}

func (a *app) Close() {
	if a.closer != nil {
		a.closer.Close()
	}
}

func orBuiltin(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}
