// Package stats tracks server-wide traffic counters.
package stats

import (
	"sync/atomic"
	"time"
)

// Collector accumulates global byte counters since server start. All
// methods are safe for concurrent use; counters are plain atomics, no lock.
type Collector struct {
	start    time.Time
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// NewCollector creates a collector with the uptime clock starting now.
func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// AddBytesIn records n bytes received from clients.
func (c *Collector) AddBytesIn(n int64) {
	c.bytesIn.Add(n)
}

// AddBytesOut records n bytes sent to clients.
func (c *Collector) AddBytesOut(n int64) {
	c.bytesOut.Add(n)
}

// BytesIn returns the total bytes received since start.
func (c *Collector) BytesIn() int64 {
	return c.bytesIn.Load()
}

// BytesOut returns the total bytes sent since start.
func (c *Collector) BytesOut() int64 {
	return c.bytesOut.Load()
}

// Uptime returns the time elapsed since the collector was created.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.start)
}
