// Package audio turns waveforms into response payloads.
package audio

import (
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-tts/internal/engine"
)

const bitDepth = 16

// EncodeWAV renders wf as a 16-bit PCM WAV file.
func EncodeWAV(wf engine.Waveform) ([]byte, error) {
	if wf.Channels <= 0 || wf.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid waveform format: %d channels at %d Hz", wf.Channels, wf.SampleRate)
	}
	if len(wf.Samples) == 0 {
		return nil, engine.ErrNoAudio
	}

	data := make([]int, wf.Frames()*wf.Channels)
	for i := range data {
		data[i] = toPCM16(wf.Samples[i])
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: wf.Channels, SampleRate: wf.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}

	out := &writeSeeker{buf: make([]byte, 0, 44+len(data)*2)}
	enc := wav.NewEncoder(out, wf.SampleRate, bitDepth, wf.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

func toPCM16(s float32) int {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(-1, math.Min(1, v))
	return int(math.Round(v * math.MaxInt16))
}

// writeSeeker is an in-memory io.WriteSeeker; the WAV encoder seeks back
// to patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, len(w.buf), max(end, 2*cap(w.buf)))
			copy(grown, w.buf)
			w.buf = grown
		}
		w.buf = w.buf[:end]
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(next)
	return next, nil
}
