// Package synthcache memoizes synthesized waveforms.
package synthcache

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-tts/internal/engine"
)

// Key identifies a synthesis result. The output sample rate is not part
// of the key; resampling happens after lookup.
type Key struct {
	Text        string
	Voice       string
	SDPRatio    float64
	NoiseScale  float64
	NoiseScaleW float64
	Speed       float64
}

// entryKey partitions entries by the language whose model produced them,
// so a voice id shared by two languages can never alias.
type entryKey struct {
	language string
	key      Key
}

func (k entryKey) flightKey() string {
	var b strings.Builder
	b.WriteString(k.language)
	for _, s := range []string{k.key.Voice, k.key.Text} {
		b.WriteByte(0)
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	for _, f := range []float64{k.key.SDPRatio, k.key.NoiseScale, k.key.NoiseScaleW, k.key.Speed} {
		b.WriteByte(0)
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return b.String()
}

// Stats counts cache traffic since construction.
type Stats struct {
	Hits     int64
	Misses   int64
	Computes int64
	Failures int64
}

// Cache is a bounded LRU of waveforms with at most one in-flight compute
// per key.
type Cache struct {
	entries *lru.Cache[entryKey, engine.Waveform]
	flight  singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	computes atomic.Int64
	failures atomic.Int64
}

func New(maxEntries int) (*Cache, error) {
	entries, err := lru.New[entryKey, engine.Waveform](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create synthesis cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Get returns a stored waveform without computing on a miss. It counts
// as a hit when found; misses are counted by GetOrCompute.
func (c *Cache) Get(language string, key Key) (engine.Waveform, bool) {
	wf, ok := c.entries.Get(entryKey{language: language, key: key})
	if ok {
		c.hits.Add(1)
	}
	return wf, ok
}

// GetOrCompute returns the stored waveform for key under language, or runs
// compute and stores its result. Concurrent callers for the same key share
// one compute. Errors and empty waveforms are never stored.
func (c *Cache) GetOrCompute(language string, key Key, compute func() (engine.Waveform, error)) (engine.Waveform, bool, error) {
	ek := entryKey{language: language, key: key}
	if wf, ok := c.entries.Get(ek); ok {
		c.hits.Add(1)
		return wf, true, nil
	}
	c.misses.Add(1)

	computed := false
	v, err, _ := c.flight.Do(ek.flightKey(), func() (any, error) {
		// a previous flight may have finished between our lookup and Do
		if wf, ok := c.entries.Peek(ek); ok {
			return wf, nil
		}
		c.computes.Add(1)
		computed = true
		wf, err := compute()
		if err != nil {
			c.failures.Add(1)
			return engine.Waveform{}, err
		}
		if len(wf.Samples) == 0 {
			c.failures.Add(1)
			return engine.Waveform{}, engine.ErrNoAudio
		}
		c.entries.Add(ek, wf)
		return wf, nil
	})
	if err != nil {
		return engine.Waveform{}, false, err
	}
	// callers that joined another flight did not run the engine themselves
	return v.(engine.Waveform), !computed, nil
}

// Len reports the number of stored waveforms.
func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Computes: c.computes.Load(),
		Failures: c.failures.Load(),
	}
}
