package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoAudio is returned when an engine completes without producing samples.
	ErrNoAudio = errors.New("engine produced no audio")
	// ErrClosed is returned by engines used after Close.
	ErrClosed = errors.New("engine closed")
)

// Params carries one synthesis call. SpeakerID is the engine-internal
// identifier resolved from Voice through the engine's voice table.
type Params struct {
	Text        string
	Voice       string
	SpeakerID   int
	SDPRatio    float64
	NoiseScale  float64
	NoiseScaleW float64
	Speed       float64
}

// Waveform is decoded audio: interleaved float samples in [-1, 1].
// Waveforms are shared between callers and must not be mutated.
type Waveform struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// Frames returns the number of samples per channel.
func (w Waveform) Frames() int {
	if w.Channels <= 0 {
		return 0
	}
	return len(w.Samples) / w.Channels
}

// Duration is the playback length at the native sample rate.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(w.Frames()) / float64(w.SampleRate) * float64(time.Second))
}

// Engine is one loaded synthesis model for a single language.
type Engine interface {
	// Voices maps voice identifiers to engine speaker ids.
	Voices() map[string]int
	Synthesize(ctx context.Context, p Params) (Waveform, error)
	// Close releases the model. Engines are not usable afterwards.
	Close() error
}

// Loader constructs engines. Loading may take seconds.
type Loader interface {
	Load(ctx context.Context, language, device string) (Engine, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, language, device string) (Engine, error)

func (f LoaderFunc) Load(ctx context.Context, language, device string) (Engine, error) {
	return f(ctx, language, device)
}
