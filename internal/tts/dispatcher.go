// Package tts serves synthesis requests on top of the model registry, the
// synthesis cache and the worker pool, and exposes them on the message bus.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/registry"
	"github.com/loqalabs/loqa-tts/internal/resample"
	"github.com/loqalabs/loqa-tts/internal/synthcache"
	"github.com/loqalabs/loqa-tts/internal/workerpool"
)

type Dispatcher struct {
	// ctx bounds engine work; it outlives individual requests so an
	// admitted synthesis always finishes and populates the cache
	ctx        context.Context
	registry   *registry.Registry
	cache      *synthcache.Cache
	resamplers *resample.Cache
	pool       *workerpool.Pool
	defaults   config.SynthesisConfig
	logger     *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	genTime  metric.Float64Histogram
}

func NewDispatcher(ctx context.Context, reg *registry.Registry, cache *synthcache.Cache, resamplers *resample.Cache, pool *workerpool.Pool, defaults config.SynthesisConfig, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		ctx:        ctx,
		registry:   reg,
		cache:      cache,
		resamplers: resamplers,
		pool:       pool,
		defaults:   defaults,
		logger:     log.With(slog.String("component", "tts-dispatcher")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-tts/tts"),
	}
	if err := d.initMetrics(); err != nil {
		d.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return d
}

// Defaults returns the synthesis parameters applied to omitted fields.
func (d *Dispatcher) Defaults() config.SynthesisConfig { return d.defaults }

// ListVoices returns the sorted voice ids of the active language, loading
// the default model on first use.
func (d *Dispatcher) ListVoices(ctx context.Context) ([]string, error) {
	h, err := d.registry.Active(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return h.VoiceIDs(), nil
}

// SwitchLanguage activates language and returns its voice ids.
func (d *Dispatcher) SwitchLanguage(ctx context.Context, language string) ([]string, error) {
	h, err := d.registry.Switch(ctx, language)
	if err != nil {
		return nil, classify(err)
	}
	return h.VoiceIDs(), nil
}

// Synthesize validates req, produces its waveform through the cache and
// the worker pool, converts it to the requested rate and encodes it.
func (d *Dispatcher) Synthesize(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.voice", req.VoiceID),
		attribute.Int("tts.sample_rate", req.SampleRate),
		attribute.Int("tts.text_runes", utf8.RuneCountInString(req.Text)),
	))
	defer func() { d.finish(ctx, span, res, err, start) }()

	if err := req.Validate(d.defaults); err != nil {
		return nil, err
	}

	handle, release, err := d.registry.Acquire(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer release()

	speaker, ok := handle.Speaker(req.VoiceID)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a %s voice", ErrUnknownVoice, req.VoiceID, handle.Language)
	}
	span.SetAttributes(attribute.String("tts.language", handle.Language))

	key := req.cacheKey()
	wf, hit := d.cache.Get(handle.Language, key)
	if !hit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		type computed struct {
			wf  engine.Waveform
			hit bool
		}
		params := engine.Params{
			Text:        req.Text,
			Voice:       req.VoiceID,
			SpeakerID:   speaker,
			SDPRatio:    req.SDPRatio,
			NoiseScale:  req.NoiseScale,
			NoiseScaleW: req.NoiseScaleW,
			Speed:       req.Speed,
		}
		// wait for admitted work even if the caller goes away; the
		// handle stays pinned until the engine call returns
		out, err := workerpool.Do(context.WithoutCancel(ctx), d.pool, func() (computed, error) {
			wf, hit, err := d.cache.GetOrCompute(handle.Language, key, func() (engine.Waveform, error) {
				return handle.Synthesize(d.ctx, params)
			})
			return computed{wf: wf, hit: hit}, err
		})
		if err != nil {
			return nil, classify(err)
		}
		wf, hit = out.wf, out.hit
	}

	if wf.SampleRate != req.SampleRate {
		r, err := d.resamplers.Get(wf.SampleRate, req.SampleRate)
		if err != nil {
			return nil, classify(err)
		}
		wf = engine.Waveform{
			Samples:    r.Process(wf.Samples, wf.Channels),
			Channels:   wf.Channels,
			SampleRate: req.SampleRate,
		}
	}

	payload, err := audio.EncodeWAV(wf)
	if err != nil {
		return nil, classify(err)
	}
	return &Result{
		Audio:          payload,
		SampleRate:     wf.SampleRate,
		Channels:       wf.Channels,
		Language:       handle.Language,
		CacheHit:       hit,
		GenerationTime: time.Since(start),
	}, nil
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, res *Result, err error, start time.Time) {
	defer span.End()
	outcome := Outcome(err)
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if res != nil {
		attrs = append(attrs, attribute.Bool("cache_hit", res.CacheHit), attribute.String("language", res.Language))
		span.SetAttributes(attribute.Bool("tts.cache_hit", res.CacheHit), attribute.Int("tts.bytes", len(res.Audio)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		d.logger.Warn("synthesis failed", slog.String("outcome", outcome), slogError(err))
	}
	if d.requests != nil {
		d.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if d.genTime != nil && res != nil {
		d.genTime.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	}
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/tts")
	requests, err := meter.Int64Counter("loqa.tts.requests", metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return err
	}
	genTime, err := meter.Float64Histogram("loqa.tts.generation_seconds",
		metric.WithDescription("Time from admission to encoded audio"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	d.requests = requests
	d.genTime = genTime

	hits, err := meter.Int64ObservableCounter("loqa.tts.cache_hits", metric.WithDescription("Synthesis cache hits"))
	if err != nil {
		return err
	}
	misses, err := meter.Int64ObservableCounter("loqa.tts.cache_misses", metric.WithDescription("Synthesis cache misses"))
	if err != nil {
		return err
	}
	entries, err := meter.Int64ObservableGauge("loqa.tts.cache_entries", metric.WithDescription("Waveforms held by the synthesis cache"))
	if err != nil {
		return err
	}
	resamplers, err := meter.Int64ObservableGauge("loqa.tts.resamplers", metric.WithDescription("Resamplers built per rate pair"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		stats := d.cache.Stats()
		obs.ObserveInt64(hits, stats.Hits)
		obs.ObserveInt64(misses, stats.Misses)
		obs.ObserveInt64(entries, int64(d.cache.Len()))
		obs.ObserveInt64(resamplers, int64(d.resamplers.Len()))
		return nil
	}, hits, misses, entries, resamplers)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
