package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const helperEnv = "LOQA_TTS_ENGINE_HELPER"

// TestHelperProcess is not a real test; it is the worker process spawned
// by the exec engine tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	defer os.Exit(0)

	language := ""
	for i, arg := range os.Args {
		if arg == "--language" && i+1 < len(os.Args) {
			language = os.Args[i+1]
		}
	}
	out := json.NewEncoder(os.Stdout)
	if language == "XX" {
		_ = out.Encode(execReady{Error: "no checkpoint for XX"})
		return
	}
	_ = out.Encode(execReady{Speakers: map[string]int{language: 0, language + "-alt": 1}})

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req execRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = out.Encode(execReply{Error: err.Error()})
			continue
		}
		if req.Text == "fail" {
			_ = out.Encode(execReply{Error: "synthesis exploded"})
			continue
		}
		if err := writeHelperWAV(req.Output, len(req.Text)*100); err != nil {
			_ = out.Encode(execReply{Error: err.Error()})
			continue
		}
		_ = out.Encode(execReply{OK: true})
	}
}

func writeHelperWAV(path string, frames int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	data := make([]int, frames)
	for i := range data {
		data[i] = int(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 16000}, Data: data, SourceBitDepth: 16}); err != nil {
		return err
	}
	return enc.Close()
}

func helperLoader(t *testing.T) ExecLoader {
	t.Helper()
	t.Setenv(helperEnv, "1")
	return ExecLoader{
		Command: fmt.Sprintf("%q -test.run=^TestHelperProcess$ --", os.Args[0]),
		WorkDir: t.TempDir(),
	}
}

func TestExecEngineSynthesize(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eng, err := helperLoader(t).Load(ctx, "KR", "cpu")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer eng.Close()

	if _, ok := eng.Voices()["KR"]; !ok {
		t.Fatalf("expected KR voice, got %v", eng.Voices())
	}
	wf, err := eng.Synthesize(ctx, Params{Text: "annyeong", Voice: "KR", Speed: 1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if wf.SampleRate != 16000 || wf.Channels != 1 {
		t.Fatalf("unexpected format: %d Hz, %d ch", wf.SampleRate, wf.Channels)
	}
	if wf.Frames() != len("annyeong")*100 {
		t.Fatalf("unexpected frame count %d", wf.Frames())
	}
	var peak float32
	for _, s := range wf.Samples {
		if s > peak {
			peak = s
		}
	}
	if peak < 0.2 || peak > 0.3 {
		t.Fatalf("expected normalized peak near 0.24, got %v", peak)
	}
}

func TestExecEngineReportsWorkerError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eng, err := helperLoader(t).Load(ctx, "EN", "cpu")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer eng.Close()

	if _, err := eng.Synthesize(ctx, Params{Text: "fail", Voice: "EN"}); err == nil || !strings.Contains(err.Error(), "exploded") {
		t.Fatalf("expected worker error, got %v", err)
	}
	// the worker stays usable after a failed utterance
	if _, err := eng.Synthesize(ctx, Params{Text: "ok", Voice: "EN"}); err != nil {
		t.Fatalf("synthesize after failure: %v", err)
	}
}

func TestExecEngineLoadFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := helperLoader(t).Load(ctx, "XX", "cpu"); err == nil || !strings.Contains(err.Error(), "no checkpoint") {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestExecEngineClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eng, err := helperLoader(t).Load(ctx, "JP", "cpu")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := eng.Synthesize(ctx, Params{Text: "late"}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMockEngineDeterministic(t *testing.T) {
	eng, err := MockLoader{}.Load(context.Background(), "KR", "auto")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := Params{Text: "안녕하세요", Voice: "KR", Speed: 1, NoiseScale: 0.6}
	a, err := eng.Synthesize(context.Background(), p)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	b, _ := eng.Synthesize(context.Background(), p)
	if len(a.Samples) != len(b.Samples) || a.Samples[100] != b.Samples[100] {
		t.Fatal("expected identical output for identical params")
	}
	if a.SampleRate != MockSampleRate {
		t.Fatalf("unexpected rate %d", a.SampleRate)
	}
	fast, _ := eng.Synthesize(context.Background(), Params{Text: "안녕하세요", Voice: "KR", Speed: 2})
	if fast.Frames() >= a.Frames() {
		t.Fatalf("expected faster speech to be shorter: %d vs %d", fast.Frames(), a.Frames())
	}
	if _, err := eng.Synthesize(context.Background(), Params{Text: ""}); err != ErrNoAudio {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}
