package streamer

import "sync"

// completions collects job results pushed by workers. Workers hold the lock
// only for an append; the scheduler never waits for it.
type completions[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *completions[T]) push(v T) {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
}

// drain appends pending results to buf. If a worker holds the lock the
// results stay queued for the next tick.
func (c *completions[T]) drain(buf []T) []T {
	if !c.mu.TryLock() {
		return buf
	}
	buf = append(buf, c.items...)
	clear(c.items)
	c.items = c.items[:0]
	c.mu.Unlock()
	return buf
}
