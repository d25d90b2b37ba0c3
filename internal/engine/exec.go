package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecLoader starts one long-lived worker process per language. The worker
// speaks newline-delimited JSON on stdin/stdout and writes each utterance
// to a WAV file whose path is chosen by the engine.
type ExecLoader struct {
	Command string
	// WorkDir is the parent of the per-engine scratch directory; empty means os.TempDir.
	WorkDir string
	Logger  *slog.Logger
}

type execReady struct {
	Speakers map[string]int `json:"speakers"`
	Error    string         `json:"error,omitempty"`
}

type execRequest struct {
	Text        string  `json:"text"`
	SpeakerID   int     `json:"speaker_id"`
	SDPRatio    float64 `json:"sdp_ratio"`
	NoiseScale  float64 `json:"noise_scale"`
	NoiseScaleW float64 `json:"noise_scale_w"`
	Speed       float64 `json:"speed"`
	Output      string  `json:"output"`
}

type execReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type execEngine struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   <-chan []byte
	exited  chan struct{}
	stop    chan struct{}
	voices  map[string]int
	workDir string
	logger  *slog.Logger

	mu       sync.Mutex
	seq      atomic.Int64
	closed   atomic.Bool
	stopOnce sync.Once
}

func (l ExecLoader) Load(ctx context.Context, language, device string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(l.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	workDir, err := os.MkdirTemp(l.WorkDir, "loqa-tts-"+language+"-*")
	if err != nil {
		return nil, fmt.Errorf("create engine work dir: %w", err)
	}

	base := args[0]
	cmdArgs := append(append([]string{}, args[1:]...), "--language", language, "--device", device)
	cmd := exec.Command(base, cmdArgs...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("start engine process: %w", err)
	}

	lines := make(chan []byte)
	exited := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(exited)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-stop:
			}
		}
		_ = cmd.Wait()
	}()

	e := &execEngine{
		cmd:     cmd,
		stdin:   stdin,
		lines:   lines,
		exited:  exited,
		stop:    stop,
		workDir: workDir,
		logger:  logger.With(slog.String("component", "exec-engine"), slog.String("language", language)),
	}
	abort := func(err error) (Engine, error) {
		e.shutdown(0)
		os.RemoveAll(workDir)
		return nil, err
	}

	line, err := e.readLine(ctx)
	if err != nil {
		return abort(fmt.Errorf("wait for engine ready: %w", err))
	}
	var ready execReady
	if err := json.Unmarshal(line, &ready); err != nil {
		return abort(fmt.Errorf("decode engine ready line: %w", err))
	}
	if ready.Error != "" {
		return abort(fmt.Errorf("engine load failed: %s", ready.Error))
	}
	if len(ready.Speakers) == 0 {
		return abort(fmt.Errorf("engine reported no speakers for %s", language))
	}
	e.voices = ready.Speakers
	e.logger.Info("engine process ready", slog.Int("pid", cmd.Process.Pid), slog.Int("speakers", len(ready.Speakers)))
	return e, nil
}

func (e *execEngine) Voices() map[string]int { return e.voices }

func (e *execEngine) Synthesize(ctx context.Context, p Params) (Waveform, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return Waveform{}, ErrClosed
	}

	output := filepath.Join(e.workDir, fmt.Sprintf("utt-%d.wav", e.seq.Add(1)))
	defer os.Remove(output)

	data, err := json.Marshal(execRequest{
		Text:        p.Text,
		SpeakerID:   p.SpeakerID,
		SDPRatio:    p.SDPRatio,
		NoiseScale:  p.NoiseScale,
		NoiseScaleW: p.NoiseScaleW,
		Speed:       p.Speed,
		Output:      output,
	})
	if err != nil {
		return Waveform{}, err
	}
	if _, err := e.stdin.Write(append(data, '\n')); err != nil {
		return Waveform{}, fmt.Errorf("write engine request: %w", err)
	}

	line, err := e.readLine(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// the worker is mid-utterance and its reply would be misattributed
			e.closed.Store(true)
			e.shutdown(0)
		}
		return Waveform{}, err
	}
	var reply execReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return Waveform{}, fmt.Errorf("decode engine reply: %w", err)
	}
	if reply.Error != "" {
		return Waveform{}, errors.New(reply.Error)
	}
	if !reply.OK {
		return Waveform{}, ErrNoAudio
	}
	wf, err := ReadWAVFile(output)
	if err != nil {
		return Waveform{}, err
	}
	if len(wf.Samples) == 0 {
		return Waveform{}, ErrNoAudio
	}
	return wf, nil
}

func (e *execEngine) readLine(ctx context.Context) ([]byte, error) {
	select {
	case line := <-e.lines:
		return line, nil
	case <-e.exited:
		return nil, errors.New("engine process exited")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close asks the worker to exit by closing stdin and kills it if it does
// not comply within five seconds.
func (e *execEngine) Close() error {
	e.closed.Store(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown(5 * time.Second)
	return os.RemoveAll(e.workDir)
}

func (e *execEngine) shutdown(grace time.Duration) {
	e.stopOnce.Do(func() {
		close(e.stop)
		_ = e.stdin.Close()
		if grace > 0 {
			select {
			case <-e.exited:
				return
			case <-time.After(grace):
				e.logger.Warn("engine process did not exit, killing")
			}
		}
		if e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		<-e.exited
	})
}
