package engine

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"
)

const wavFormatIEEEFloat = 3

// ReadWAVFile decodes a PCM or 32-bit float WAV file into a Waveform.
func ReadWAVFile(path string) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Waveform{}, fmt.Errorf("invalid wav file %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return Waveform{}, fmt.Errorf("wav file %s has no channels", path)
	}

	samples := make([]float32, len(buf.Data))
	if dec.WavAudioFormat == wavFormatIEEEFloat && dec.BitDepth == 32 {
		for i, v := range buf.Data {
			samples[i] = math.Float32frombits(uint32(int32(v)))
		}
	} else {
		if dec.BitDepth == 0 || dec.BitDepth > 32 {
			return Waveform{}, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
		}
		scale := float32(int64(1) << (dec.BitDepth - 1))
		for i, v := range buf.Data {
			if dec.BitDepth == 8 {
				// 8-bit PCM is unsigned
				v -= 128
			}
			samples[i] = float32(v) / scale
		}
	}
	return Waveform{Samples: samples, Channels: channels, SampleRate: int(dec.SampleRate)}, nil
}
