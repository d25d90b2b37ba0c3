package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/engine"
)

// Handle is one loaded model. A handle stays usable while any request
// holds it, even after a language switch has replaced it; the engine is
// closed once the handle is retired and the last holder releases it.
type Handle struct {
	Language string
	Device   string

	engine engine.Engine
	voices map[string]int
	log    *slog.Logger

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
}

func newHandle(language, device string, eng engine.Engine, log *slog.Logger) *Handle {
	voices := make(map[string]int, len(eng.Voices()))
	for k, v := range eng.Voices() {
		voices[k] = v
	}
	return &Handle{
		Language: language,
		Device:   device,
		engine:   eng,
		voices:   voices,
		log:      log,
	}
}

// VoiceIDs returns the voice identifiers of this model in sorted order.
func (h *Handle) VoiceIDs() []string {
	ids := make([]string, 0, len(h.voices))
	for id := range h.voices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Speaker resolves a voice identifier to the engine speaker id.
func (h *Handle) Speaker(voice string) (int, bool) {
	id, ok := h.voices[voice]
	return id, ok
}

func (h *Handle) Synthesize(ctx context.Context, p engine.Params) (engine.Waveform, error) {
	return h.engine.Synthesize(ctx, p)
}

// Refs reports how many requests currently hold the handle.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Retired reports whether the registry has let go of the handle.
func (h *Handle) Retired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retired
}

func (h *Handle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		return false
	}
	h.refs++
	return true
}

func (h *Handle) release() {
	h.mu.Lock()
	h.refs--
	closeNow := h.retired && h.refs == 0 && !h.closed
	if closeNow {
		h.closed = true
	}
	h.mu.Unlock()
	if closeNow {
		h.closeEngine()
	}
}

func (h *Handle) retire() {
	h.mu.Lock()
	if h.retired {
		h.mu.Unlock()
		return
	}
	h.retired = true
	closeNow := h.refs == 0 && !h.closed
	if closeNow {
		h.closed = true
	}
	refs := h.refs
	h.mu.Unlock()

	if closeNow {
		h.closeEngine()
		return
	}
	h.log.Info("model retired, waiting for in-flight requests",
		slog.String("language", h.Language),
		slog.Int("in_flight", refs))
}

func (h *Handle) closeEngine() {
	if err := h.engine.Close(); err != nil {
		h.log.Warn("failed to close model", slog.String("language", h.Language), slog.String("error", err.Error()))
		return
	}
	h.log.Info("model released", slog.String("language", h.Language))
}
