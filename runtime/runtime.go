package runtime

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MPBAUnofficial/snowcat/dispatch"
	"github.com/MPBAUnofficial/snowcat/ingress"
	"github.com/MPBAUnofficial/snowcat/internal/snlog"
	"github.com/MPBAUnofficial/snowcat/kv"
	"github.com/MPBAUnofficial/snowcat/lease"
	"github.com/MPBAUnofficial/snowcat/qlog"
	"github.com/MPBAUnofficial/snowcat/stagerunner"
	"github.com/MPBAUnofficial/snowcat/topology"
)

// Runtime wires every component together per Config and owns their
// lifecycle; it is the one piece of process-wide state this core carries,
// constructed explicitly by the caller instead of imported as a side effect.
type Runtime struct {
	Config Config

	Store   kv.Store
	Log     *qlog.Log
	Lease   *lease.Manager
	Topo    *topology.Topology
	Runner  *stagerunner.Runner
	Ingress *ingress.Dispatcher
	Dispatch dispatch.Dispatcher
	Metrics *Metrics

	reg     *prometheus.Registry
	httpSrv *http.Server
}

// BuildTopology constructs a topology against the store and log a Runtime is
// about to own; callers register stages and call Build inside it, since a
// topology must share the exact store/log instance its runtime uses.
type BuildTopology func(store kv.Store, log *qlog.Log) *topology.Topology

// New opens the backend store and constructs every component, including the
// topology built by the caller-supplied buildTopo against that store.
func New(cfg Config, buildTopo BuildTopology) (*Runtime, error) {
	cfg = mergeDefaults(cfg)

	store, err := kv.Open(cfg.BackendDSN)
	if err != nil {
		return nil, errors.Wrap(err, "runtime: open store")
	}

	log := qlog.New(store, qlog.Options{CompressionMinSize: cfg.CompressionMinSize})
	leas := lease.NewManager(store)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	topo := buildTopo(store, log)

	r := &Runtime{
		Config:  cfg,
		Store:   store,
		Log:     log,
		Lease:   leas,
		Topo:    topo,
		Metrics: metrics,
		reg:     reg,
	}

	runnerCfg := stagerunner.Config{
		LeaseTTL:            cfg.LeaseTTL,
		CheckpointFrequency: cfg.CheckpointFrequency,
		BufferLength:        cfg.BufferLength,
		ReArmDelay:          cfg.ReArmDelay,
	}

	disp := dispatch.NewInProcess(cfg.DispatchConcurrency, r.activate, leas.IsHeld, func(a dispatch.Activation) string {
		return lease.Key(a.Stage, a.StreamID)
	})
	r.Dispatch = disp
	r.Runner = stagerunner.New(store, log, leas, topo, disp, runnerCfg, metrics)
	r.Ingress = ingress.New(log, topo, disp)

	return r, nil
}

func (r *Runtime) activate(ctx context.Context, a dispatch.Activation) error {
	if err := r.Runner.Activate(ctx, a.Stage, a.StreamID); err != nil {
		snlog.Errorln("runtime: activate", a.Stage, a.StreamID, err)
		return err
	}
	return nil
}

// Start brings up the optional metrics HTTP endpoint. It does not block.
func (r *Runtime) Start() error {
	if r.Config.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	r.httpSrv = &http.Server{Addr: r.Config.MetricsAddr, Handler: mux}
	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			snlog.Errorln("runtime: metrics server", err)
		}
	}()
	return nil
}

// Stop closes the in-process dispatcher (waiting for in-flight activations;
// queued ones that have not started are not run), then the metrics server,
// then the backend store.
func (r *Runtime) Stop(ctx context.Context) error {
	if err := r.Dispatch.Close(); err != nil {
		snlog.Warningln("runtime: dispatcher close", err)
	}
	if r.httpSrv != nil {
		if err := r.httpSrv.Shutdown(ctx); err != nil {
			snlog.Warningln("runtime: metrics server shutdown", err)
		}
	}
	return r.Store.Close()
}

func mergeDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.BackendDSN == "" {
		cfg.BackendDSN = def.BackendDSN
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.CheckpointFrequency == 0 {
		cfg.CheckpointFrequency = def.CheckpointFrequency
	}
	if cfg.BufferLength == 0 {
		cfg.BufferLength = def.BufferLength
	}
	if cfg.ReArmDelay == 0 {
		cfg.ReArmDelay = def.ReArmDelay
	}
	if cfg.FinishedTombstoneTTL == 0 {
		cfg.FinishedTombstoneTTL = def.FinishedTombstoneTTL
	}
	if cfg.DispatchConcurrency == 0 {
		cfg.DispatchConcurrency = def.DispatchConcurrency
	}
	return cfg
}
