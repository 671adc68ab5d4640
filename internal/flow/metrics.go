package flow

import (
	"sort"
	"sync"
	"time"

	"github.com/copp1723/unified-vendora-final/internal/model"
)

const latencyWindow = 512

// metrics aggregates engine counters. Latency percentiles are computed
// over a sliding window of recent observations.
type metrics struct {
	mu sync.Mutex

	total        int64
	byStatus     map[model.Status]int64
	byComplexity map[model.Complexity]int64

	cacheHits   int64
	cacheMisses int64
	coalesced   int64

	latencies []time.Duration
	latIdx    int
	latFull   bool

	revisionsSum  int64
	approvedCount int64

	active int64
}

func newMetrics() *metrics {
	return &metrics{
		byStatus:     make(map[model.Status]int64),
		byComplexity: make(map[model.Complexity]int64),
		latencies:    make([]time.Duration, latencyWindow),
	}
}

func (m *metrics) taskStarted() {
	m.mu.Lock()
	m.total++
	m.active++
	m.mu.Unlock()
}

func (m *metrics) taskFinished(status model.Status, complexity model.Complexity, revisions int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active--
	m.byStatus[status]++
	if complexity != "" {
		m.byComplexity[complexity]++
	}
	if status == model.StatusDelivered || status == model.StatusApproved {
		m.approvedCount++
		m.revisionsSum += int64(revisions)
	}

	m.latencies[m.latIdx] = elapsed
	m.latIdx++
	if m.latIdx == len(m.latencies) {
		m.latIdx = 0
		m.latFull = true
	}
}

func (m *metrics) cacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

func (m *metrics) cacheMiss() {
	m.mu.Lock()
	m.cacheMisses++
	m.mu.Unlock()
}

func (m *metrics) coalescedJoin() {
	m.mu.Lock()
	m.coalesced++
	m.mu.Unlock()
}

func (m *metrics) snapshot() model.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := model.MetricsSnapshot{
		TotalQueries:   m.total,
		ByFinalStatus:  make(map[model.Status]int64, len(m.byStatus)),
		ByComplexity:   make(map[model.Complexity]int64, len(m.byComplexity)),
		CacheHits:      m.cacheHits,
		CacheMisses:    m.cacheMisses,
		CoalescedJoins: m.coalesced,
		ActiveTasks:    m.active,
	}
	for k, v := range m.byStatus {
		snap.ByFinalStatus[k] = v
	}
	for k, v := range m.byComplexity {
		snap.ByComplexity[k] = v
	}
	if m.approvedCount > 0 {
		snap.MeanRevisions = float64(m.revisionsSum) / float64(m.approvedCount)
	}

	n := m.latIdx
	if m.latFull {
		n = len(m.latencies)
	}
	if n > 0 {
		window := make([]time.Duration, n)
		copy(window, m.latencies[:n])
		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

		var sum time.Duration
		for _, d := range window {
			sum += d
		}
		snap.LatencyMeanMs = float64(sum.Milliseconds()) / float64(n)
		snap.LatencyP50Ms = float64(window[percentileIndex(n, 50)].Milliseconds())
		snap.LatencyP95Ms = float64(window[percentileIndex(n, 95)].Milliseconds())
		snap.LatencyP99Ms = float64(window[percentileIndex(n, 99)].Milliseconds())
	}
	return snap
}

func percentileIndex(n, p int) int {
	i := n*p/100 - 1
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}
