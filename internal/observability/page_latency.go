package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Budgets mark samples worth a look in the debug stats.
const (
	QueueWaitBudget  = 5 * time.Second
	GenerationBudget = 60 * time.Second
)

// StageStats summarizes the retained samples of one page stage.
type StageStats struct {
	Samples    int     `json:"samples"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms"`
	OverBudget int     `json:"over_budget"`
}

type LatencySnapshot struct {
	At         time.Time      `json:"at"`
	QueueWait  StageStats     `json:"queue_wait"`
	Generation StageStats     `json:"generation"`
	Failures   map[string]int `json:"failures,omitempty"`
}

// sampleRing holds the most recent durations, overwriting the oldest.
type sampleRing struct {
	buf  []time.Duration
	head int
	n    int
}

func (r *sampleRing) add(d time.Duration) {
	r.buf[r.head] = d
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *sampleRing) stats(budget time.Duration) StageStats {
	st := StageStats{Samples: r.n, BudgetMS: ms(budget)}
	if r.n == 0 {
		return st
	}
	sorted := slices.Clone(r.buf[:r.n])
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
		if d > budget {
			st.OverBudget++
		}
	}
	st.MeanMS = ms(total / time.Duration(r.n))
	st.P50MS = ms(nearestRank(sorted, 0.50))
	st.P95MS = ms(nearestRank(sorted, 0.95))
	st.MaxMS = ms(sorted[len(sorted)-1])
	return st
}

// pageLatency tracks queue wait and generation time of recent pages.
type pageLatency struct {
	mu         sync.Mutex
	queueWait  sampleRing
	generation sampleRing
	failures   map[string]int
}

func newPageLatency(size int) *pageLatency {
	if size <= 0 {
		size = 256
	}
	return &pageLatency{
		queueWait:  sampleRing{buf: make([]time.Duration, size)},
		generation: sampleRing{buf: make([]time.Duration, size)},
		failures:   make(map[string]int),
	}
}

func (p *pageLatency) recordQueueWait(d time.Duration) {
	p.mu.Lock()
	p.queueWait.add(d)
	p.mu.Unlock()
}

func (p *pageLatency) recordGeneration(d time.Duration) {
	p.mu.Lock()
	p.generation.add(d)
	p.mu.Unlock()
}

func (p *pageLatency) recordFailure(kind string) {
	if kind == "" {
		return
	}
	p.mu.Lock()
	p.failures[kind]++
	p.mu.Unlock()
}

func (p *pageLatency) snapshot() LatencySnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := LatencySnapshot{
		At:         time.Now().UTC(),
		QueueWait:  p.queueWait.stats(QueueWaitBudget),
		Generation: p.generation.stats(GenerationBudget),
	}
	if len(p.failures) > 0 {
		snap.Failures = make(map[string]int, len(p.failures))
		for k, v := range p.failures {
			snap.Failures[k] = v
		}
	}
	return snap
}

func nearestRank(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
