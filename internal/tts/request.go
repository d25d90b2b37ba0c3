package tts

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/synthcache"
)

// Request is one synthesis call as accepted from a client.
type Request struct {
	Text        string
	VoiceID     string
	SampleRate  int
	SDPRatio    float64
	NoiseScale  float64
	NoiseScaleW float64
	Speed       float64
}

// NewRequest returns a request for text and voice with the configured
// defaults for every other field.
func NewRequest(defaults config.SynthesisConfig, text, voice string) Request {
	return Request{
		Text:        text,
		VoiceID:     voice,
		SampleRate:  defaults.SampleRate,
		SDPRatio:    defaults.SDPRatio,
		NoiseScale:  defaults.NoiseScale,
		NoiseScaleW: defaults.NoiseScaleW,
		Speed:       defaults.Speed,
	}
}

// Validate checks the request shape against limits. A MaxText of zero
// disables the text length limit.
func (r Request) Validate(limits config.SynthesisConfig) error {
	maxRunes := limits.MaxText
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: text must not be empty", ErrInvalidRequest)
	}
	if maxRunes > 0 && utf8.RuneCountInString(r.Text) > maxRunes {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidRequest, maxRunes)
	}
	if r.VoiceID == "" {
		return fmt.Errorf("%w: voice_id is required", ErrInvalidRequest)
	}
	if r.SampleRate <= 0 || r.SampleRate < limits.MinSampleRate || (limits.MaxSampleRate > 0 && r.SampleRate > limits.MaxSampleRate) {
		return fmt.Errorf("%w: sr must be between %d and %d", ErrInvalidRequest, limits.MinSampleRate, limits.MaxSampleRate)
	}
	for name, v := range map[string]float64{
		"sdp_ratio":     r.SDPRatio,
		"noise_scale":   r.NoiseScale,
		"noise_scale_w": r.NoiseScaleW,
		"speed":         r.Speed,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidRequest, name)
		}
	}
	if r.Speed <= 0 {
		return fmt.Errorf("%w: speed must be positive", ErrInvalidRequest)
	}
	return nil
}

func (r Request) cacheKey() synthcache.Key {
	return synthcache.Key{
		Text:        r.Text,
		Voice:       r.VoiceID,
		SDPRatio:    r.SDPRatio,
		NoiseScale:  r.NoiseScale,
		NoiseScaleW: r.NoiseScaleW,
		Speed:       r.Speed,
	}
}

// Result is an encoded utterance ready to stream.
type Result struct {
	Audio          []byte
	SampleRate     int
	Channels       int
	Language       string
	CacheHit       bool
	GenerationTime time.Duration
}
