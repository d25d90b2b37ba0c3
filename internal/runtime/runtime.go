package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/api"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/registry"
	"github.com/loqalabs/loqa-tts/internal/resample"
	"github.com/loqalabs/loqa-tts/internal/synthcache"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/workerpool"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	addr          atomic.Pointer[string]
	ready         atomic.Bool
	wg            sync.WaitGroup

	registry     *registry.Registry
	pool         *workerpool.Pool
	embeddedNATS *natsserver.EmbeddedServer
	busClient    *bus.Client
	busService   *tts.BusService
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the bound HTTP address once the listener is open.
func (r *Runtime) Addr() string {
	if a := r.addr.Load(); a != nil {
		return *a
	}
	return ""
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	// engine work outlives requests but not the process
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	dispatcher, err := r.buildDispatcher(workCtx)
	if err != nil {
		r.shutdown()
		return err
	}

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx, dispatcher); err != nil {
			r.shutdown()
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	api.NewHandler(dispatcher, r.cfg.Synthesis.ChunkSize, r.logger).Register(mux)
	if metricHandler != nil {
		if r.cfg.Telemetry.PrometheusBind != "" {
			r.serveMetrics(metricHandler)
		} else {
			mux.Handle("/metrics", metricHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	bound := listener.Addr().String()
	r.addr.Store(&bound)

	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Duration(r.cfg.HTTP.KeepAliveSeconds) * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	go r.preload(ctx)

	r.logger.Info("runtime started", slog.String("addr", bound), slog.String("engine", r.cfg.Engine.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.shutdown()

	return nil
}

func (r *Runtime) buildDispatcher(workCtx context.Context) (*tts.Dispatcher, error) {
	var loader engine.Loader
	switch r.cfg.Engine.Mode {
	case "exec":
		loader = engine.ExecLoader{
			Command: r.cfg.Engine.Command,
			WorkDir: r.cfg.Engine.WorkDir,
			Logger:  r.logger,
		}
	default:
		loader = engine.MockLoader{
			LoadDelay:  time.Duration(r.cfg.Engine.MockLoadMS) * time.Millisecond,
			SynthDelay: time.Duration(r.cfg.Engine.MockSynthMS) * time.Millisecond,
		}
	}

	reg, err := registry.New(r.cfg.Engine, loader, r.logger)
	if err != nil {
		return nil, err
	}
	r.registry = reg

	cache, err := synthcache.New(r.cfg.Cache.MaxEntries)
	if err != nil {
		return nil, err
	}

	pool, err := workerpool.New(r.cfg.Workers.Size, r.cfg.Workers.QueueDepth, r.logger)
	if err != nil {
		return nil, err
	}
	r.pool = pool

	return tts.NewDispatcher(workCtx, reg, cache, resample.NewCache(), pool, r.cfg.Synthesis, r.logger), nil
}

func (r *Runtime) startBus(ctx context.Context, dispatcher *tts.Dispatcher) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return err
	}
	r.embeddedNATS = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.busClient = client

	svc := tts.NewBusService(ctx, client, dispatcher, r.cfg.Synthesis.ChunkSize, r.logger)
	if err := svc.Start(); err != nil {
		return err
	}
	r.busService = svc
	return nil
}

func (r *Runtime) serveMetrics(handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

// preload loads the default model so the first request does not pay for
// it. Readiness waits for it when preloading is enabled. A shutdown racing
// the load is resolved by the registry, which retires late arrivals.
func (r *Runtime) preload(ctx context.Context) {
	if !r.cfg.Engine.Preload {
		r.ready.Store(true)
		return
	}
	if _, err := r.registry.Active(ctx); err != nil {
		r.logger.Error("failed to preload default model",
			slog.String("language", r.cfg.Engine.DefaultLanguage),
			slog.String("error", err.Error()))
		return
	}
	r.ready.Store(true)
}

// shutdown releases components in dependency order. It is safe to call on
// a partially started runtime.
func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.busService != nil {
		r.busService.Close()
	}
	if r.pool != nil {
		if err := r.pool.Release(time.Duration(r.cfg.Workers.DrainTimeoutMS) * time.Millisecond); err != nil {
			r.logger.Warn("worker pool did not drain", slog.String("error", err.Error()))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.embeddedNATS.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busReady := r.busService == nil || r.busService.Healthy()
	if r.ready.Load() && busReady {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
