// Package telemetry exposes the engine's Prometheus counters. Every hot path
// owns a counter here so a scrape of /metrics tells how the pool and the lock
// table are behaving.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	PoolHits      prometheus.Counter
	PoolMisses    prometheus.Counter
	PoolEvictions prometheus.Counter
	PoolFlushes   prometheus.Counter
	LockWaits     prometheus.Counter
	LockWounds    prometheus.Counter
	HashSplits    prometheus.Counter
	HashMerges    prometheus.Counter
}

// NewMetrics builds and registers the counter set. A nil registerer gets a
// private registry, which keeps tests and throwaway pools from fighting over
// the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	counter := func(subsystem, name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "derin",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Metrics{
		PoolHits:      counter("buffer", "hits_total", "Fetches served from a pooled frame."),
		PoolMisses:    counter("buffer", "misses_total", "Fetches that had to read the page from disk."),
		PoolEvictions: counter("buffer", "evictions_total", "Frames reclaimed from the replacer."),
		PoolFlushes:   counter("buffer", "flushes_total", "Dirty pages written back to disk."),
		LockWaits:     counter("locks", "waits_total", "Lock requests that blocked before being granted."),
		LockWounds:    counter("locks", "wounds_total", "Transactions aborted by wound-wait preemption."),
		HashSplits:    counter("hash", "splits_total", "Bucket splits performed by the extendible hash table."),
		HashMerges:    counter("hash", "merges_total", "Bucket merges performed by the extendible hash table."),
	}
}
