package engine

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// MockSampleRate matches the native rate of the MeloTTS checkpoints.
const MockSampleRate = 44100

var mockVoices = map[string]map[string]int{
	"EN": {"EN-US": 0, "EN-BR": 1, "EN_INDIA": 2, "EN-AU": 3, "EN-Default": 4},
	"ES": {"ES": 0},
	"FR": {"FR": 0},
	"ZH": {"ZH": 0},
	"JP": {"JP": 0},
	"KR": {"KR": 0},
}

// MockLoader builds deterministic tone generators. LoadDelay and SynthDelay
// simulate model start-up and inference latency.
type MockLoader struct {
	LoadDelay  time.Duration
	SynthDelay time.Duration
}

func (l MockLoader) Load(ctx context.Context, language, device string) (Engine, error) {
	if err := sleepCtx(ctx, l.LoadDelay); err != nil {
		return nil, err
	}
	voices, ok := mockVoices[language]
	if !ok {
		voices = map[string]int{language: 0}
	}
	return NewMockEngine(voices, l.SynthDelay), nil
}

type mockEngine struct {
	voices map[string]int
	delay  time.Duration
	closed atomic.Bool
}

func NewMockEngine(voices map[string]int, delay time.Duration) Engine {
	copied := make(map[string]int, len(voices))
	for k, v := range voices {
		copied[k] = v
	}
	return &mockEngine{voices: copied, delay: delay}
}

func (m *mockEngine) Voices() map[string]int { return m.voices }

func (m *mockEngine) Synthesize(ctx context.Context, p Params) (Waveform, error) {
	if m.closed.Load() {
		return Waveform{}, ErrClosed
	}
	if err := sleepCtx(ctx, m.delay); err != nil {
		return Waveform{}, err
	}
	runes := utf8.RuneCountInString(p.Text)
	if runes == 0 {
		return Waveform{}, ErrNoAudio
	}
	speed := p.Speed
	if speed <= 0 {
		speed = 1
	}
	// roughly 80ms of audio per character
	frames := int(float64(runes) * 0.08 * MockSampleRate / speed)

	h := fnv.New32a()
	_, _ = h.Write([]byte(p.Text))
	freq := 180 + float64(h.Sum32()%200) + 40*float64(p.SpeakerID)
	amp := 0.3 + 0.2*math.Min(math.Abs(p.NoiseScale), 1)

	samples := make([]float32, frames)
	for i := range samples {
		t := float64(i) / MockSampleRate
		samples[i] = float32(amp * math.Sin(2*math.Pi*freq*t))
	}
	return Waveform{Samples: samples, Channels: 1, SampleRate: MockSampleRate}, nil
}

func (m *mockEngine) Close() error {
	m.closed.Store(true)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
