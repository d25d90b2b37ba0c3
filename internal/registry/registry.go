// Package registry owns the loaded synthesis models and the active language.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrClosed              = errors.New("model registry closed")
)

type Registry struct {
	cfg       config.EngineConfig
	loader    engine.Loader
	log       *slog.Logger
	supported map[string]struct{}

	active   atomic.Pointer[Handle]
	switchMu sync.Mutex
	retained *lru.Cache[string, *Handle]
	closed   bool

	meter        metric.Meter
	switches     metric.Int64Counter
	loadDuration metric.Float64Histogram
}

func New(cfg config.EngineConfig, loader engine.Loader, log *slog.Logger) (*Registry, error) {
	retain := cfg.RetainModels
	if retain < 1 {
		retain = 1
	}
	r := &Registry{
		cfg:       cfg,
		loader:    loader,
		log:       log.With(slog.String("component", "model-registry")),
		supported: make(map[string]struct{}, len(cfg.Languages)),
		meter:     otel.Meter("github.com/loqalabs/loqa-tts/registry"),
	}
	for _, lang := range cfg.Languages {
		r.supported[strings.ToUpper(lang)] = struct{}{}
	}
	retained, err := lru.NewWithEvict[string, *Handle](retain, func(_ string, h *Handle) {
		h.retire()
	})
	if err != nil {
		return nil, fmt.Errorf("create model retention cache: %w", err)
	}
	r.retained = retained

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r, nil
}

// Supported reports whether language belongs to the configured set.
func (r *Registry) Supported(language string) bool {
	_, ok := r.supported[normalize(language)]
	return ok
}

// Current returns the active handle without loading one.
func (r *Registry) Current() *Handle {
	return r.active.Load()
}

// Active returns the active handle, loading the default language on first use.
func (r *Registry) Active(ctx context.Context) (*Handle, error) {
	if h := r.active.Load(); h != nil {
		return h, nil
	}
	return r.loadDefault(ctx)
}

// loadDefault activates the default language unless a switch that ran
// while the caller waited for the lock already installed a model.
func (r *Registry) loadDefault(ctx context.Context) (*Handle, error) {
	lang := normalize(r.cfg.DefaultLanguage)
	if _, ok := r.supported[lang]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, r.cfg.DefaultLanguage)
	}

	r.switchMu.Lock()
	defer r.switchMu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if h := r.active.Load(); h != nil {
		return h, nil
	}
	return r.activateLocked(ctx, nil, lang)
}

// Acquire pins the active handle for one request. The returned release
// func must be called exactly once when the request no longer needs the
// model.
func (r *Registry) Acquire(ctx context.Context) (*Handle, func(), error) {
	for {
		h, err := r.Active(ctx)
		if err != nil {
			return nil, nil, err
		}
		if h.acquire() {
			var once sync.Once
			return h, func() { once.Do(h.release) }, nil
		}
		// lost a race with a switch; the replacement is already active
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
}

// Switch makes language the active model. Switching to the active
// language is a no-op, a retained model is reused without loading, and a
// failed load leaves the previous model active.
func (r *Registry) Switch(ctx context.Context, language string) (*Handle, error) {
	lang := normalize(language)
	if _, ok := r.supported[lang]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	r.switchMu.Lock()
	defer r.switchMu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	prev := r.active.Load()
	if prev != nil && prev.Language == lang {
		return prev, nil
	}
	return r.activateLocked(ctx, prev, lang)
}

// activateLocked installs lang as the active model. switchMu must be held.
func (r *Registry) activateLocked(ctx context.Context, prev *Handle, lang string) (*Handle, error) {
	if h, ok := r.retained.Get(lang); ok {
		r.active.Store(h)
		r.recordSwitch(ctx, prev, lang, "retained")
		return h, nil
	}

	h, err := r.load(ctx, lang)
	if err != nil {
		return nil, err
	}
	// publish before retention so an evicted predecessor is never the only
	// handle readers can see
	r.active.Store(h)
	r.retained.Add(lang, h)
	r.recordSwitch(ctx, prev, lang, "loaded")
	return h, nil
}

func (r *Registry) load(ctx context.Context, lang string) (*Handle, error) {
	// a model load outlives the request that triggered it
	loadCtx := context.WithoutCancel(ctx)
	if r.cfg.LoadTimeoutMS > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(loadCtx, time.Duration(r.cfg.LoadTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	r.log.Info("loading model", slog.String("language", lang), slog.String("device", r.cfg.Device))
	start := time.Now()
	eng, err := r.loader.Load(loadCtx, lang, r.cfg.Device)
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if r.loadDuration != nil {
		r.loadDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("language", lang),
			attribute.String("outcome", outcome),
		))
	}
	if err != nil {
		r.log.Error("model load failed", slog.String("language", lang), slog.String("error", err.Error()))
		return nil, fmt.Errorf("load %s model: %w", lang, err)
	}
	if len(eng.Voices()) == 0 {
		_ = eng.Close()
		return nil, fmt.Errorf("load %s model: no voices advertised", lang)
	}
	r.log.Info("model loaded", slog.String("language", lang), slog.Duration("elapsed", elapsed), slog.Int("voices", len(eng.Voices())))
	return newHandle(lang, r.cfg.Device, eng, r.log), nil
}

func (r *Registry) recordSwitch(ctx context.Context, prev *Handle, lang, source string) {
	from := ""
	if prev != nil {
		from = prev.Language
	}
	r.log.Info("language switched", slog.String("from", from), slog.String("to", lang), slog.String("source", source))
	if r.switches != nil {
		r.switches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("language", lang),
			attribute.String("source", source),
		))
	}
}

// Close retires every retained model. Models still held by requests are
// closed when those requests release them.
func (r *Registry) Close() {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.active.Store(nil)
	r.retained.Purge()
}

func (r *Registry) initMetrics() error {
	switches, err := r.meter.Int64Counter("loqa.tts.language_switches", metric.WithDescription("Language switches by source"))
	if err != nil {
		return err
	}
	loadDuration, err := r.meter.Float64Histogram("loqa.tts.model_load_seconds",
		metric.WithDescription("Model load latency"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	retainedGauge, err := r.meter.Int64ObservableGauge("loqa.tts.models_retained", metric.WithDescription("Loaded models kept in memory"))
	if err != nil {
		return err
	}
	r.switches = switches
	r.loadDuration = loadDuration
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(retainedGauge, int64(r.retained.Len()))
		return nil
	}, retainedGauge)
	return err
}

func normalize(language string) string {
	return strings.ToUpper(strings.TrimSpace(language))
}
