package dag

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

// Metrics receives request and graph operation measurements.
type Metrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	RecordInsert(source string, latencyMS int64, rowCount int, err error)
	RecordRemove(source string, latencyMS int64, rowCount int, err error)
	RecordQuery(source, direction string, latencyMS int64, resultCount int, err error)
	Snapshot() MetricsSnapshot
}

type RouteStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMinMS int64 `json:"latency_min_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

// MutationStats aggregates inserts or removals of one source.
type MutationStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
	TotalRows    int64 `json:"total_rows"`
}

type QueryStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
	TotalResults int64 `json:"total_results"`
}

type RecentRequest struct {
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type RuntimeStats struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	Goroutines     int    `json:"goroutines"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNS      uint64 `json:"gc_pause_ns"`
}

type MetricsSnapshot struct {
	RouteStats     map[string]RouteStats    `json:"route_stats"`
	InsertStats    map[string]MutationStats `json:"insert_stats"`
	RemoveStats    map[string]MutationStats `json:"remove_stats"`
	QueryStats     map[string]QueryStats    `json:"query_stats"`
	RecentRequests []RecentRequest          `json:"recent_requests"`
	Runtime        RuntimeStats             `json:"runtime"`
	UptimeSeconds  int64                    `json:"uptime_seconds"`
	StartTime      time.Time                `json:"start_time"`
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(method, path string, status int, latencyMS int64) {}

func (NoopMetrics) RecordInsert(source string, latencyMS int64, rowCount int, err error) {}

func (NoopMetrics) RecordRemove(source string, latencyMS int64, rowCount int, err error) {}

func (NoopMetrics) RecordQuery(source, direction string, latencyMS int64, resultCount int, err error) {
}

func (NoopMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{}
}

const recentRequestCapacity = 200

// InMemMetrics aggregates into local maps plus a ring buffer of recent
// requests.
type InMemMetrics struct {
	mu sync.Mutex

	routeStats  map[string]RouteStats
	insertStats map[string]MutationStats
	removeStats map[string]MutationStats
	queryStats  map[string]QueryStats

	recent      []RecentRequest
	recentNext  int
	recentCount int

	startTime time.Time
}

func NewInMemMetrics() *InMemMetrics {
	return &InMemMetrics{
		routeStats:  make(map[string]RouteStats),
		insertStats: make(map[string]MutationStats),
		removeStats: make(map[string]MutationStats),
		queryStats:  make(map[string]QueryStats),
		recent:      make([]RecentRequest, recentRequestCapacity),
		startTime:   time.Now().UTC(),
	}
}

func (m *InMemMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}

	method = strings.TrimSpace(strings.ToUpper(method))
	path = strings.TrimSpace(path)
	if method == "" {
		method = "UNKNOWN"
	}
	if path == "" {
		path = "/"
	}
	latencyMS = max(latencyMS, 0)
	key := method + " " + path

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.routeStats[key]
	v.Count++
	if status >= 400 {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if v.Count == 1 || latencyMS < v.LatencyMinMS {
		v.LatencyMinMS = latencyMS
	}
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	m.routeStats[key] = v

	m.recent[m.recentNext] = RecentRequest{
		Method:    method,
		Path:      path,
		Status:    status,
		LatencyMS: latencyMS,
		Timestamp: time.Now().UTC(),
	}
	m.recentNext = (m.recentNext + 1) % len(m.recent)
	if m.recentCount < len(m.recent) {
		m.recentCount++
	}
}

func (m *InMemMetrics) RecordInsert(source string, latencyMS int64, rowCount int, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recordMutation(m.insertStats, source, latencyMS, rowCount, err)
}

func (m *InMemMetrics) RecordRemove(source string, latencyMS int64, rowCount int, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recordMutation(m.removeStats, source, latencyMS, rowCount, err)
}

func recordMutation(stats map[string]MutationStats, source string, latencyMS int64, rowCount int, err error) {
	source = normalizeMetricsSource(source)
	latencyMS = max(latencyMS, 0)

	v := stats[source]
	v.Count++
	if err != nil {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	v.TotalRows += int64(max(rowCount, 0))
	stats[source] = v
}

// RecordQuery aggregates per "<source>/<direction>".
func (m *InMemMetrics) RecordQuery(source, direction string, latencyMS int64, resultCount int, err error) {
	if m == nil {
		return
	}
	key := normalizeMetricsSource(source) + "/" + direction
	latencyMS = max(latencyMS, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.queryStats[key]
	v.Count++
	if err != nil {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	v.TotalResults += int64(max(resultCount, 0))
	m.queryStats[key] = v
}

func (m *InMemMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	out := MetricsSnapshot{
		RouteStats:     copyMap(m.routeStats),
		InsertStats:    copyMap(m.insertStats),
		RemoveStats:    copyMap(m.removeStats),
		QueryStats:     copyMap(m.queryStats),
		RecentRequests: m.recentSnapshotLocked(),
		StartTime:      m.startTime,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.Unlock()

	// ReadMemStats stops the world; keep it outside m.mu.
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	out.Runtime = RuntimeStats{
		HeapAllocBytes: rt.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          rt.NumGC,
		GCPauseNS:      rt.PauseTotalNs,
	}
	return out
}

func (m *InMemMetrics) recentSnapshotLocked() []RecentRequest {
	if m.recentCount == 0 {
		return []RecentRequest{}
	}
	out := make([]RecentRequest, 0, m.recentCount)
	start := (m.recentNext - m.recentCount + len(m.recent)) % len(m.recent)
	for i := 0; i < m.recentCount; i++ {
		out = append(out, m.recent[(start+i)%len(m.recent)])
	}
	return out
}

func normalizeMetricsSource(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return "default"
	}
	return source
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
