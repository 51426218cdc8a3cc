package cache

import (
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	promHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiercache_hits_total",
			Help: "Total cache hits by serving tier",
		},
		[]string{"tier"},
	)

	promMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tiercache_misses_total",
			Help: "Total cache misses across all tiers",
		},
	)

	promOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiercache_operations_total",
			Help: "Total cache operations by kind",
		},
		[]string{"op"}, // "set", "delete"
	)

	promErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiercache_errors_total",
			Help: "Total tier operation errors",
		},
		[]string{"tier", "op"},
	)

	promEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiercache_entries",
			Help: "Current entry count per tier",
		},
		[]string{"tier"},
	)
)

// Counters is a point-in-time snapshot of the coordinator's operation
// counters.
type Counters struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Sets    uint64 `json:"sets"`
	Deletes uint64 `json:"deletes"`
	Errors  uint64 `json:"errors"`
}

// TierStatus describes one tier in a Stats snapshot.
type TierStatus struct {
	Name      TierName `json:"name"`
	Enabled   bool     `json:"enabled"`
	Available bool     `json:"available"`
	Entries   int      `json:"entries"`
}

// Stats is the synchronous health snapshot returned by Coordinator.Stats.
type Stats struct {
	Counters Counters     `json:"counters"`
	HitRate  float64      `json:"hit_rate"`
	Tiers    []TierStatus `json:"tiers"`
}

// collector keeps in-process counters for Stats and mirrors every increment
// into the prometheus metrics.
type collector struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64
	errors  atomic.Uint64
}

func (c *collector) hit(tier TierName) {
	c.hits.Add(1)
	promHits.WithLabelValues(string(tier)).Inc()
}

func (c *collector) miss() {
	c.misses.Add(1)
	promMisses.Inc()
}

func (c *collector) set() {
	c.sets.Add(1)
	promOps.WithLabelValues("set").Inc()
}

func (c *collector) delete() {
	c.deletes.Add(1)
	promOps.WithLabelValues("delete").Inc()
}

func (c *collector) tierError(tier TierName, op string) {
	c.errors.Add(1)
	promErrors.WithLabelValues(string(tier), op).Inc()
}

func (c *collector) snapshot() Counters {
	return Counters{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
}

func (c Counters) hitRate() float64 {
	total := c.Hits + c.Misses
	if total == 0 {
		return 0
	}
	return float64(c.Hits) / float64(total)
}

// processRSS returns the process resident set size in bytes, or 0 if it
// cannot be read. Used only for the periodic snapshot log.
func processRSS() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
