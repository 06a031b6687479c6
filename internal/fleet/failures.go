package fleet

import "sync"

// DefaultAlertThreshold is the number of consecutive failures that
// triggers an alert.
const DefaultAlertThreshold = 3

// FailureCounter debounces device failures across switch cycles.
type FailureCounter struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
}

func NewFailureCounter(threshold int) *FailureCounter {
	if threshold <= 0 {
		threshold = DefaultAlertThreshold
	}
	return &FailureCounter{threshold: threshold, counts: make(map[string]int)}
}

// RecordFailure increments key and reports whether it reached the
// threshold. A key that reaches the threshold starts again from zero.
func (c *FailureCounter) RecordFailure(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[key]++
	if c.counts[key] >= c.threshold {
		c.counts[key] = 0
		return true
	}
	return false
}

// Reset clears key after a successful operation.
func (c *FailureCounter) Reset(key string) {
	c.mu.Lock()
	delete(c.counts, key)
	c.mu.Unlock()
}

// Count returns the current consecutive failures for key.
func (c *FailureCounter) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
