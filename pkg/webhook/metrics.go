package webhook

import (
	"maps"
	"sort"
	"sync"
	"time"
)

// MetricsTracker tracks per-endpoint request counts and latency for /stats.
// Prometheus metrics are recorded separately through observability.
type MetricsTracker struct {
	metrics map[string]*WebhookMetrics
	mu      sync.RWMutex
}

// NewMetricsTracker creates a new metrics tracker
func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{
		metrics: make(map[string]*WebhookMetrics),
	}
}

// Track records one request. Statuses below 400 count as successes.
func (mt *MetricsTracker) Track(path string, method string, status int, duration time.Duration) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	key := method + ":" + path

	m, exists := mt.metrics[key]
	if !exists {
		m = &WebhookMetrics{
			Path:        path,
			Method:      method,
			StatusCodes: make(map[int]int64),
		}
		mt.metrics[key] = m
	}

	m.TotalRequests++
	if status < 400 {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}
	m.StatusCodes[status]++

	// Update average response time (running average)
	durationMs := float64(duration.Microseconds()) / 1000
	m.AverageResponseTime = (m.AverageResponseTime*float64(m.TotalRequests-1) + durationMs) / float64(m.TotalRequests)
	m.LastRequestAt = time.Now().UnixMilli()
}

// GetMetrics returns a copy of all metrics ordered by method and path
func (mt *MetricsTracker) GetMetrics() []WebhookMetrics {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	result := make([]WebhookMetrics, 0, len(mt.metrics))
	for _, m := range mt.metrics {
		c := *m
		c.StatusCodes = maps.Clone(m.StatusCodes)
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Path != result[j].Path {
			return result[i].Path < result[j].Path
		}
		return result[i].Method < result[j].Method
	})
	return result
}

// GetMetricsForEndpoint returns metrics for one endpoint, or nil
func (mt *MetricsTracker) GetMetricsForEndpoint(path string, method string) *WebhookMetrics {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	m, exists := mt.metrics[method+":"+path]
	if !exists {
		return nil
	}

	// Return a copy
	result := *m
	result.StatusCodes = maps.Clone(m.StatusCodes)
	return &result
}
