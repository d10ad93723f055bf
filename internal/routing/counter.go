package routing

import (
	"sync"
	"sync/atomic"
)

// RequestCounts accumulates per-deployment request counts in memory so the
// proxy path never waits on storage. Flush hands the deltas to a sink.
type RequestCounts struct {
	counts sync.Map
}

// Inc adds one request for deploymentID.
func (c *RequestCounts) Inc(deploymentID string) {
	if deploymentID == "" {
		return
	}
	v, ok := c.counts.Load(deploymentID)
	if !ok {
		v, _ = c.counts.LoadOrStore(deploymentID, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(1)
}

// Flush passes and resets every non-zero count.
func (c *RequestCounts) Flush(sink func(deploymentID string, n int64)) {
	c.counts.Range(func(key, value any) bool {
		if n := value.(*atomic.Int64).Swap(0); n > 0 {
			sink(key.(string), n)
		}
		return true
	})
}
