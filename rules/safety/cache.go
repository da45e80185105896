package safety

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// VerdictCache stores verdicts by exact pattern text. Entries are never
// evicted; the set of distinct user-authored patterns is small.
type VerdictCache interface {
	// Get returns the stored verdict for pattern
	Get(pattern string) (*Verdict, bool)

	// Put stores v unless a verdict for the same pattern already exists, and
	// returns whichever verdict the cache holds afterwards
	Put(v *Verdict) *Verdict

	// Len returns the number of cached patterns
	Len() int
}

// InMemoryVerdictCache is a VerdictCache backed by a map
type InMemoryVerdictCache struct {
	verdicts map[string]*Verdict
	mu       sync.RWMutex

	hits   atomic.Int64
	misses atomic.Int64
}

// NewInMemoryVerdictCache creates an empty cache
func NewInMemoryVerdictCache() *InMemoryVerdictCache {
	return &InMemoryVerdictCache{
		verdicts: make(map[string]*Verdict),
	}
}

func (c *InMemoryVerdictCache) Get(pattern string) (*Verdict, bool) {
	c.mu.RLock()
	v, ok := c.verdicts[pattern]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *InMemoryVerdictCache) Put(v *Verdict) *Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.verdicts[v.Pattern]; ok {
		return existing
	}
	c.verdicts[v.Pattern] = v
	return v
}

func (c *InMemoryVerdictCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.verdicts)
}

// Hits returns the number of successful lookups
func (c *InMemoryVerdictCache) Hits() int64 {
	return c.hits.Load()
}

// Misses returns the number of failed lookups
func (c *InMemoryVerdictCache) Misses() int64 {
	return c.misses.Load()
}

// Analyzer classifies patterns through a VerdictCache. Concurrent callers
// asking for the same uncached pattern share one analysis.
type Analyzer struct {
	cache  VerdictCache
	group  singleflight.Group
	logger *slog.Logger

	analyses atomic.Int64
	unsafe   atomic.Int64
}

// NewAnalyzer creates an analyzer. A nil cache gets a fresh in-memory one and
// a nil logger falls back to slog.Default().
func NewAnalyzer(cache VerdictCache, logger *slog.Logger) *Analyzer {
	if cache == nil {
		cache = NewInMemoryVerdictCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		cache:  cache,
		logger: logger,
	}
}

// Classify returns the verdict for pattern, analyzing it at most once per
// cache lifetime
func (a *Analyzer) Classify(pattern string) *Verdict {
	if v, ok := a.cache.Get(pattern); ok {
		return v
	}

	v, _, _ := a.group.Do(pattern, func() (any, error) {
		// another caller may have finished between our miss and Do
		if v, ok := a.cache.Get(pattern); ok {
			return v, nil
		}

		a.analyses.Add(1)
		v := Analyze(pattern)
		if !v.Safe {
			a.unsafe.Add(1)
			a.logger.Warn("regex pattern rejected",
				"pattern", pattern,
				"reason", string(v.Reason),
				"detail", v.Detail)
		}
		return a.cache.Put(v), nil
	})
	return v.(*Verdict)
}

// Analyses returns how many patterns were actually analyzed
func (a *Analyzer) Analyses() int64 {
	return a.analyses.Load()
}

// Rejections returns how many analyzed patterns were unsafe
func (a *Analyzer) Rejections() int64 {
	return a.unsafe.Load()
}

// Cache returns the analyzer's verdict cache
func (a *Analyzer) Cache() VerdictCache {
	return a.cache
}
