package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
)

type trackedEngine struct {
	engine.Engine
	closed *int
	mu     *sync.Mutex
}

func (e trackedEngine) Close() error {
	e.mu.Lock()
	*e.closed++
	e.mu.Unlock()
	return e.Engine.Close()
}

type countingLoader struct {
	mu     sync.Mutex
	loads  map[string]int
	closes map[string]*int
	fail   map[string]error
}

func newCountingLoader() *countingLoader {
	return &countingLoader{loads: map[string]int{}, closes: map[string]*int{}, fail: map[string]error{}}
}

func (l *countingLoader) Load(ctx context.Context, language, device string) (engine.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[language]; err != nil {
		return nil, err
	}
	l.loads[language]++
	if l.closes[language] == nil {
		l.closes[language] = new(int)
	}
	inner, err := engine.MockLoader{}.Load(ctx, language, device)
	if err != nil {
		return nil, err
	}
	return trackedEngine{Engine: inner, closed: l.closes[language], mu: &l.mu}, nil
}

func (l *countingLoader) loadCount(lang string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[lang]
}

func (l *countingLoader) closeCount(lang string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closes[lang] == nil {
		return 0
	}
	return *l.closes[lang]
}

func newTestRegistry(t *testing.T, loader engine.Loader, retain int) *Registry {
	t.Helper()
	cfg := config.Default().Engine
	cfg.RetainModels = retain
	reg, err := New(cfg, loader, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg
}

func TestActiveLoadsDefaultLazily(t *testing.T) {
	loader := newCountingLoader()
	reg := newTestRegistry(t, loader, 1)

	if reg.Current() != nil {
		t.Fatal("expected no model before first use")
	}
	h, err := reg.Active(context.Background())
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if h.Language != "EN" {
		t.Fatalf("expected default EN, got %s", h.Language)
	}
	if _, ok := h.Speaker("EN-US"); !ok {
		t.Fatal("expected EN-US voice")
	}
	if _, err := reg.Active(context.Background()); err != nil {
		t.Fatal(err)
	}
	if loader.loadCount("EN") != 1 {
		t.Fatalf("expected one load, got %d", loader.loadCount("EN"))
	}
}

func TestSwitchIsIdempotent(t *testing.T) {
	loader := newCountingLoader()
	reg := newTestRegistry(t, loader, 1)
	ctx := context.Background()

	first, err := reg.Switch(ctx, "kr")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	second, err := reg.Switch(ctx, "KR")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if first != second || loader.loadCount("KR") != 1 {
		t.Fatalf("expected the same handle and one load, got loads=%d", loader.loadCount("KR"))
	}
}

func TestSwitchReleasesPreviousWithDefaultRetention(t *testing.T) {
	loader := newCountingLoader()
	reg := newTestRegistry(t, loader, 1)
	ctx := context.Background()

	en, _ := reg.Active(ctx)
	if _, err := reg.Switch(ctx, "KR"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if !en.Retired() || loader.closeCount("EN") != 1 {
		t.Fatalf("expected EN retired and closed, closes=%d", loader.closeCount("EN"))
	}
	if _, err := reg.Switch(ctx, "EN"); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	if loader.loadCount("EN") != 2 {
		t.Fatalf("expected EN reloaded, loads=%d", loader.loadCount("EN"))
	}
}

func TestRetainedModelIsReused(t *testing.T) {
	loader := newCountingLoader()
	reg := newTestRegistry(t, loader, 2)
	ctx := context.Background()

	en, _ := reg.Active(ctx)
	if _, err := reg.Switch(ctx, "JP"); err != nil {
		t.Fatal(err)
	}
	back, err := reg.Switch(ctx, "EN")
	if err != nil {
		t.Fatal(err)
	}
	if back != en || loader.loadCount("EN") != 1 {
		t.Fatalf("expected retained EN handle, loads=%d", loader.loadCount("EN"))
	}
	if en.Retired() {
		t.Fatal("retained handle must stay live")
	}
}

func TestLoadFailureKeepsPrevious(t *testing.T) {
	loader := newCountingLoader()
	boom := errors.New("out of memory")
	loader.fail["FR"] = boom
	reg := newTestRegistry(t, loader, 1)
	ctx := context.Background()

	en, _ := reg.Active(ctx)
	if _, err := reg.Switch(ctx, "FR"); !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	if reg.Current() != en || en.Retired() {
		t.Fatal("previous model must remain active after a failed load")
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	reg := newTestRegistry(t, newCountingLoader(), 1)
	if _, err := reg.Switch(context.Background(), "DE"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if reg.Current() != nil {
		t.Fatal("unsupported switch must not load anything")
	}
}

func TestRetiredHandleClosesAfterLastRelease(t *testing.T) {
	loader := newCountingLoader()
	reg := newTestRegistry(t, loader, 1)
	ctx := context.Background()

	h, release, err := reg.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := reg.Switch(ctx, "ZH"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if !h.Retired() {
		t.Fatal("expected EN retired")
	}
	if loader.closeCount("EN") != 0 {
		t.Fatal("model closed while a request still holds it")
	}
	if _, err := h.Synthesize(ctx, engine.Params{Text: "still works", Voice: "EN-US", Speed: 1}); err != nil {
		t.Fatalf("in-flight synthesis on retired handle: %v", err)
	}
	release()
	release()
	if loader.closeCount("EN") != 1 {
		t.Fatalf("expected exactly one close, got %d", loader.closeCount("EN"))
	}

	next, release2, err := reg.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer release2()
	if next.Language != "ZH" {
		t.Fatalf("expected ZH after switch, got %s", next.Language)
	}
}

func TestCloseRetiresEverything(t *testing.T) {
	loader := newCountingLoader()
	cfg := config.Default().Engine
	cfg.RetainModels = 3
	reg, err := New(cfg, loader, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	reg.Active(ctx)
	reg.Switch(ctx, "ES")

	reg.Close()
	if loader.closeCount("EN") != 1 || loader.closeCount("ES") != 1 {
		t.Fatalf("expected all models closed, EN=%d ES=%d", loader.closeCount("EN"), loader.closeCount("ES"))
	}
	if _, err := reg.Switch(ctx, "EN"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := reg.Acquire(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from acquire, got %v", err)
	}
}

func TestConcurrentAcquireDuringSwitches(t *testing.T) {
	loader := newCountingLoader()
	reg := newTestRegistry(t, loader, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h, release, err := reg.Acquire(ctx)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				voice := h.VoiceIDs()[0]
				if _, err := h.Synthesize(ctx, engine.Params{Text: "x", Voice: voice, Speed: 1}); err != nil {
					t.Errorf("synthesize on %s: %v", h.Language, err)
				}
				release()
			}
		}()
	}
	for _, lang := range []string{"KR", "EN", "FR", "EN"} {
		if _, err := reg.Switch(ctx, lang); err != nil {
			t.Fatalf("switch %s: %v", lang, err)
		}
	}
	wg.Wait()
}

func TestFirstUseDoesNotRevertConcurrentSwitch(t *testing.T) {
	loading := make(chan struct{})
	unblock := make(chan struct{})
	var loads sync.Map
	loader := engine.LoaderFunc(func(ctx context.Context, language, device string) (engine.Engine, error) {
		n, _ := loads.LoadOrStore(language, new(int))
		*n.(*int)++
		if language == "KR" {
			close(loading)
			<-unblock
		}
		return engine.MockLoader{}.Load(ctx, language, device)
	})
	reg := newTestRegistry(t, loader, 1)
	ctx := context.Background()

	switched := make(chan error, 1)
	go func() {
		_, err := reg.Switch(ctx, "KR")
		switched <- err
	}()
	<-loading

	type activeResult struct {
		h   *Handle
		err error
	}
	firstUse := make(chan activeResult, 1)
	go func() {
		h, err := reg.Active(ctx)
		firstUse <- activeResult{h, err}
	}()
	// give the first-use call time to queue behind the switch
	time.Sleep(20 * time.Millisecond)
	close(unblock)

	if err := <-switched; err != nil {
		t.Fatalf("switch: %v", err)
	}
	got := <-firstUse
	if got.err != nil {
		t.Fatalf("active: %v", got.err)
	}
	if got.h.Language != "KR" {
		t.Fatalf("first use returned %s, expected the switched KR model", got.h.Language)
	}
	if cur := reg.Current(); cur == nil || cur.Language != "KR" || cur.Retired() {
		t.Fatalf("switch to KR was reverted, active=%v", cur)
	}
	if _, ok := loads.Load("EN"); ok {
		t.Fatal("default model loaded although a switch had already installed one")
	}
}

func TestConcurrentFirstUseLoadsDefaultOnce(t *testing.T) {
	loader := newCountingLoader()
	reg := newTestRegistry(t, loader, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, err := reg.Active(context.Background()); err != nil || h.Language != "EN" {
				t.Errorf("active: %v %v", h, err)
			}
		}()
	}
	wg.Wait()
	if loader.loadCount("EN") != 1 {
		t.Fatalf("expected one default load, got %d", loader.loadCount("EN"))
	}
}
