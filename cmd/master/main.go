// Command master runs the CC-Server scheduling and execution core: the
// worker loop, the callback HTTP surface, and the master inbox socket
// that collaborator processes (the HTTP API front-end, the log
// forwarder) use to wake it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/curious-containers/ccserver/internal/api"
	"github.com/curious-containers/ccserver/internal/bus"
	"github.com/curious-containers/ccserver/internal/callback"
	"github.com/curious-containers/ccserver/internal/ccstate"
	"github.com/curious-containers/ccserver/internal/clock"
	"github.com/curious-containers/ccserver/internal/config"
	"github.com/curious-containers/ccserver/internal/engine"
	"github.com/curious-containers/ccserver/internal/events"
	"github.com/curious-containers/ccserver/internal/inspector"
	"github.com/curious-containers/ccserver/internal/janitor"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/notify"
	"github.com/curious-containers/ccserver/internal/registry"
	"github.com/curious-containers/ccserver/internal/scheduler"
	"github.com/curious-containers/ccserver/internal/store"
	"github.com/curious-containers/ccserver/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("f", "", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	log.Info("ccserver master starting", "version", version, "commit", commit)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := registry.New(st, log)
	explicit := make(map[string]registry.Descriptor, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		explicit[n.Name] = registry.Descriptor{
			Name:       n.Name,
			BaseURL:    n.BaseURL,
			TotalRAM:   n.TotalRAM,
			TotalCPUs:  n.TotalCPUs,
			CACert:     n.CACert,
			ClientCert: n.ClientCert,
			ClientKey:  n.ClientKey,
		}
	}
	if err := reg.Discover(cfg.MachineDir, explicit); err != nil {
		log.Error("node discovery failed", "error", err)
		os.Exit(1)
	}
	for _, n := range reg.Online() {
		log.Info("node online", "name", n.Name, "total_ram", n.TotalRAM)
	}

	adapter := engine.NewAdapter(cfg.ThreadLimit, cfg.APITimeout)
	notifier := notify.New(cfg.APITimeout, log)
	evBus := events.New()
	sm := ccstate.New(st, evBus, notifier, clock.Real{}, cfg.MaxTaskTrials, log)

	allocate, err := scheduler.AllocatorByName(cfg.AllocationStrategy())
	if err != nil {
		log.Error("invalid allocation strategy", "error", err)
		os.Exit(1)
	}
	dcLock := &sync.Mutex{}
	sched := scheduler.New(st, sm, reg, dcLock, allocate, cfg.DataContainerRAMMB, log)

	insp := inspector.New(reg, adapter, cfg, clock.Real{}, cfg.DataContainerImage, cfg.ProbeRAMMB, cfg.APITimeout, notifier, cfg.DeadNodeNotificationURL, log)
	jan := janitor.New(st, sm, reg, adapter, log)

	var w *worker.Worker
	dispatcher := callback.New(st, sm, clock.Real{}, cfg.ThreadLimit,
		func() { w.ContainerCallback() },
		func() { w.DataContainerCallback() },
		log)

	w = worker.New(st, sm, sched, jan, adapter, reg, cfg, evBus, insp, clock.Real{},
		worker.Options{DataContainerImage: cfg.DataContainerImage, NetworkName: cfg.NetworkName}, log)
	w.Start(ctx)
	defer w.Stop()

	if cfg.DeadNodeInvalidation() {
		go runInspectionLoop(ctx, insp, cfg, log)
	}

	busSrv := bus.New(cfg.BusAddr, w, log)
	if err := busSrv.Start(ctx); err != nil {
		log.Error("failed to start master inbox", "error", err)
		os.Exit(1)
	}
	defer busSrv.Stop()
	log.Info("master inbox listening", "addr", cfg.BusAddr)

	apiSrv := &http.Server{Addr: cfg.APIAddr, Handler: api.New(dispatcher, log).Handler()}
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("callback HTTP server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiSrv.Shutdown(shutdownCtx)
	}()
	log.Info("callback HTTP surface listening", "addr", cfg.APIAddr)

	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	<-ctx.Done()
	log.Info("shutting down")
}

// runInspectionLoop periodically sweeps every known node for liveness
// (§4.2). The interval is re-read every tick so a runtime config change
// takes effect without a restart, the same way the worker's self-heal and
// cron loops pick up live config mutations.
func runInspectionLoop(ctx context.Context, insp *inspector.Inspector, cfg *config.Config, log *logging.Logger) {
	insp.InspectAll(ctx)
	for {
		interval := time.Duration(cfg.InspectionIntervalSeconds) * time.Second
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		insp.InspectAll(ctx)
	}
}
