package gateway

import (
	"sync"
	"time"
)

// historyCapacity bounds the per-connection request history. Oldest records
// are evicted first.
const historyCapacity = 100

// RequestRecord is the outcome of one completed call, successful or not.
type RequestRecord struct {
	RequestID      string    `json:"requestId"`
	ConnectionID   string    `json:"connectionId"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"statusCode,omitempty"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	RetryCount     int       `json:"retryCount"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConnectionMetrics are aggregates derived from the bounded history.
// With zero history all rates report 0.
type ConnectionMetrics struct {
	TotalRequests       int     `json:"totalRequests"`
	SuccessRate         float64 `json:"successRate"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	ErrorRate           float64 `json:"errorRate"`
}

// history is a fixed-capacity ring buffer of request records. Records land
// in completion order: concurrent in-flight calls may complete out of
// submission order and are recorded as they finish.
type history struct {
	mu      sync.Mutex
	records [historyCapacity]RequestRecord
	start   int
	count   int
}

func newHistory() *history {
	return &history{}
}

func (h *history) append(rec RequestRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < historyCapacity {
		h.records[(h.start+h.count)%historyCapacity] = rec
		h.count++
		return
	}
	h.records[h.start] = rec
	h.start = (h.start + 1) % historyCapacity
}

// recent returns up to n records, most recent first. n <= 0 returns the
// whole retained history.
func (h *history) recent(n int) []RequestRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]RequestRecord, n)
	for i := 0; i < n; i++ {
		idx := (h.start + h.count - 1 - i) % historyCapacity
		out[i] = h.records[idx]
	}
	return out
}

func (h *history) metrics() ConnectionMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := ConnectionMetrics{TotalRequests: h.count}
	if h.count == 0 {
		return m
	}

	var successes int
	var totalMs int64
	for i := 0; i < h.count; i++ {
		rec := h.records[(h.start+i)%historyCapacity]
		if rec.Success {
			successes++
		}
		totalMs += rec.ResponseTimeMs
	}

	m.SuccessRate = float64(successes) / float64(h.count)
	m.ErrorRate = 1 - m.SuccessRate
	m.AverageResponseTime = float64(totalMs) / float64(h.count)
	return m
}
