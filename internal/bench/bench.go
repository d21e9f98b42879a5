// Package bench collects latency samples from the kernel hot paths and
// reduces them to summary statistics. Sampling is reservoir-based so a
// long run keeps an unbiased picture at fixed memory.
package bench

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Series names recorded by the kernel.
const (
	SeriesSyscall  = "syscall"
	SeriesDispatch = "dispatch"
	SeriesIPC      = "ipc_rtt"
)

// DefaultSampleCap bounds each reservoir.
const DefaultSampleCap = 8192

type reservoir struct {
	samples []float64
	count   uint64
}

// Collector accumulates samples per series. A nil *Collector records
// nothing, so benchmarking stays free when disabled.
type Collector struct {
	mu        sync.Mutex
	series    map[string]*reservoir
	sampleCap int
	rng       *rand.Rand
	start     time.Time
}

func New(sampleCap int) *Collector {
	if sampleCap <= 0 {
		sampleCap = DefaultSampleCap
	}
	return &Collector{
		series:    make(map[string]*reservoir),
		sampleCap: sampleCap,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		start:     time.Now(),
	}
}

// Record adds one duration sample to a series.
func (c *Collector) Record(series string, d time.Duration) {
	if c == nil {
		return
	}
	ns := float64(d.Nanoseconds())
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.series[series]
	if r == nil {
		r = &reservoir{samples: make([]float64, 0, min(c.sampleCap, 256))}
		c.series[series] = r
	}
	r.count++
	if len(r.samples) < c.sampleCap {
		r.samples = append(r.samples, ns)
		return
	}
	// Algorithm R: replace a random slot with probability cap/count.
	if idx := c.rng.Int63n(int64(r.count)); idx < int64(c.sampleCap) {
		r.samples[idx] = ns
	}
}

// Summary is the reduced view of one series, in nanoseconds.
type Summary struct {
	Series string  `json:"series"`
	Count  uint64  `json:"count"`
	Mean   float64 `json:"mean_ns"`
	Stddev float64 `json:"stddev_ns"`
	Min    float64 `json:"min_ns"`
	P50    float64 `json:"p50_ns"`
	P95    float64 `json:"p95_ns"`
	P99    float64 `json:"p99_ns"`
	Max    float64 `json:"max_ns"`
}

func summarize(name string, r *reservoir) Summary {
	sorted := make([]float64, len(r.samples))
	copy(sorted, r.samples)
	sort.Float64s(sorted)

	return Summary{
		Series: name,
		Count:  r.count,
		Mean:   stat.Mean(sorted, nil),
		Stddev: stat.StdDev(sorted, nil),
		Min:    sorted[0],
		P50:    stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99:    stat.Quantile(0.99, stat.Empirical, sorted, nil),
		Max:    sorted[len(sorted)-1],
	}
}

// Summary reduces one series; ok is false when it has no samples.
func (c *Collector) Summary(series string) (Summary, bool) {
	if c == nil {
		return Summary{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.series[series]
	if r == nil || len(r.samples) == 0 {
		return Summary{}, false
	}
	return summarize(series, r), true
}

// Summaries reduces every series, sorted by name.
func (c *Collector) Summaries() []Summary {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.series))
	for name, r := range c.series {
		if len(r.samples) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]Summary, 0, len(names))
	for _, name := range names {
		out = append(out, summarize(name, c.series[name]))
	}
	return out
}

// Uptime is the time since the collector was created; exec mode
// reports it as the boot-to-exit wall time.
func (c *Collector) Uptime() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.start)
}
