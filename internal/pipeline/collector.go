package pipeline

import (
	"sync"

	"github.com/ppiankov/conceptlink/internal/model"
)

// Recorder mirrors statistics deltas somewhere else (prometheus counters)
type Recorder interface {
	Add(delta model.Stats)
}

// Collector accumulates run statistics from concurrent tasks
type Collector struct {
	mu       sync.Mutex
	stats    model.Stats
	recorder Recorder
}

// NewCollector creates a collector; recorder may be nil
func NewCollector(recorder Recorder) *Collector {
	return &Collector{recorder: recorder}
}

// Add merges the local stats of one task
func (c *Collector) Add(delta model.Stats) {
	c.mu.Lock()
	c.stats.Add(delta)
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.Add(delta)
	}
}

// Stats returns a copy of the totals
func (c *Collector) Stats() model.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
