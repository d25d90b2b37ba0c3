package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-tts/internal/engine"
)

func TestEncodeWAVHeader(t *testing.T) {
	wf := engine.Waveform{
		Samples:    []float32{0, 0.5, -0.5, 1, -1, 2},
		Channels:   2,
		SampleRate: 22050,
	}
	data, err := EncodeWAV(wf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE magic: %q", data[:12])
	}
	if len(data) != 44+len(wf.Samples)*2 {
		t.Fatalf("unexpected length %d", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); int(got) != len(data)-8 {
		t.Fatalf("riff size %d does not match payload %d", got, len(data)-8)
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("decoder rejected encoded file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if int(dec.SampleRate) != 22050 || int(dec.NumChans) != 2 || int(dec.BitDepth) != 16 {
		t.Fatalf("unexpected format rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	want := []int{0, 16384, -16384, 32767, -32767, 32767}
	for i, v := range want {
		if buf.Data[i] != v {
			t.Fatalf("sample %d: want %d got %d", i, v, buf.Data[i])
		}
	}
}

func TestEncodeWAVRejectsEmpty(t *testing.T) {
	if _, err := EncodeWAV(engine.Waveform{Channels: 1, SampleRate: 16000}); !errors.Is(err, engine.ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
	if _, err := EncodeWAV(engine.Waveform{Samples: []float32{0}, SampleRate: 16000}); err == nil {
		t.Fatal("expected error for zero channels")
	}
}

func TestChunksCoverPayloadInOrder(t *testing.T) {
	data := make([]byte, 1<<20+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	var rebuilt []byte
	count := 0
	for chunk := range Chunks(data, 1024) {
		if len(chunk) > 1024 {
			t.Fatalf("chunk %d too large: %d", count, len(chunk))
		}
		rebuilt = append(rebuilt, chunk...)
		count++
	}
	if count != 1025 {
		t.Fatalf("expected 1025 chunks, got %d", count)
	}
	if !bytes.Equal(rebuilt, data) {
		t.Fatal("reassembled payload differs")
	}
}

func TestChunksStopEarly(t *testing.T) {
	seen := 0
	for range Chunks(make([]byte, 10), 3) {
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected iteration to stop after 2 chunks, got %d", seen)
	}
}

func TestChunksEmpty(t *testing.T) {
	for range Chunks(nil, 1024) {
		t.Fatal("expected no chunks for empty payload")
	}
}

func TestWriteSeekerPatchesEarlierBytes(t *testing.T) {
	w := &writeSeeker{}
	w.Write([]byte("abcdef"))
	if _, err := w.Seek(2, 0); err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("XY"))
	if string(w.buf) != "abXYef" {
		t.Fatalf("unexpected buffer %q", w.buf)
	}
	if _, err := w.Seek(-1, 0); err == nil {
		t.Fatal("expected error for negative seek")
	}
}
