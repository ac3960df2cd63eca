package threat

import (
	"sort"
	"sync"
	"time"
)

type window struct {
	mu   sync.Mutex
	hits []time.Time
}

// counters keeps per-key sliding windows of timestamps.
type counters struct {
	mu   sync.RWMutex
	keys map[string]*window
}

func newCounters() *counters {
	return &counters{keys: make(map[string]*window)}
}

// add records a hit and returns the number of hits within span ending at t.
// The map lock is held across the insert and is taken before the window lock,
// as in prune.
func (c *counters) add(key string, t time.Time, span time.Duration) int {
	c.mu.RLock()
	if w, ok := c.keys[key]; ok {
		n := w.insert(t, span)
		c.mu.RUnlock()
		return n
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.keys[key]
	if !ok {
		w = &window{}
		c.keys[key] = w
	}
	return w.insert(t, span)
}

func (w *window) insert(t time.Time, span time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := sort.Search(len(w.hits), func(i int) bool { return w.hits[i].After(t) })
	w.hits = append(w.hits, time.Time{})
	copy(w.hits[i+1:], w.hits[i:])
	w.hits[i] = t
	return w.countLocked(t, span)
}

// count returns the hits within span ending at t.
func (c *counters) count(key string, t time.Time, span time.Duration) int {
	c.mu.RLock()
	w, ok := c.keys[key]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countLocked(t, span)
}

func (w *window) countLocked(t time.Time, span time.Duration) int {
	from := t.Add(-span)
	n := 0
	for _, h := range w.hits {
		if h.After(from) && !h.After(t) {
			n++
		}
	}
	return n
}

// prune drops hits older than before and removes empty windows.
func (c *counters) prune(before time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, w := range c.keys {
		w.mu.Lock()
		i := sort.Search(len(w.hits), func(i int) bool { return !w.hits[i].Before(before) })
		w.hits = append([]time.Time(nil), w.hits[i:]...)
		empty := len(w.hits) == 0
		w.mu.Unlock()
		if empty {
			delete(c.keys, key)
		}
	}
}
