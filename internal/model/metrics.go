package model

// MetricsSnapshot is a read-only view of engine counters.
type MetricsSnapshot struct {
	TotalQueries int64 `json:"total_queries"`

	ByFinalStatus map[Status]int64     `json:"by_final_status"`
	ByComplexity  map[Complexity]int64 `json:"by_complexity"`

	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	CoalescedJoins int64 `json:"coalesced_joins"`

	LatencyMeanMs float64 `json:"latency_mean_ms"`
	LatencyP50Ms  float64 `json:"latency_p50_ms"`
	LatencyP95Ms  float64 `json:"latency_p95_ms"`
	LatencyP99Ms  float64 `json:"latency_p99_ms"`

	// Mean revision cycles across approved/delivered tasks.
	MeanRevisions float64 `json:"mean_revisions"`

	ActiveTasks int64 `json:"active_tasks"`
}

// CacheHitRate returns hits/(hits+misses), or 0 with no lookups.
func (m MetricsSnapshot) CacheHitRate() float64 {
	total := m.CacheHits + m.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(total)
}
