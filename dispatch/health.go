package dispatch

import (
	"sort"
	"sync"
	"time"
)

// Call is one publish attempt on a channel.
type Call struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Error     string
}

type channelRecord struct {
	name     string
	endpoint string
	calls    []Call
}

// Health tracks per-channel publish outcomes over the last hour.
type Health struct {
	mu       sync.Mutex
	channels map[string]*channelRecord
	window   time.Duration
	now      func() time.Time
}

// NewHealth creates an empty tracker.
func NewHealth() *Health {
	return &Health{
		channels: make(map[string]*channelRecord),
		window:   time.Hour,
		now:      time.Now,
	}
}

// TrackSuccess records a successful publish.
func (h *Health) TrackSuccess(channel, endpoint string, latency time.Duration) {
	h.track(channel, endpoint, Call{Success: true, Latency: latency})
}

// TrackFailure records a failed publish.
func (h *Health) TrackFailure(channel, endpoint string, latency time.Duration, errorMsg string) {
	h.track(channel, endpoint, Call{Latency: latency, Error: errorMsg})
}

func (h *Health) track(channel, endpoint string, call Call) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.channels[channel]
	if !ok {
		rec = &channelRecord{name: channel, endpoint: endpoint}
		h.channels[channel] = rec
	}
	call.Timestamp = h.now().UTC()
	rec.calls = append(rec.calls, call)
	h.pruneLocked(rec)
}

// pruneLocked drops calls older than the window.
func (h *Health) pruneLocked(rec *channelRecord) {
	cutoff := h.now().Add(-h.window)
	for i, call := range rec.calls {
		if call.Timestamp.After(cutoff) {
			rec.calls = rec.calls[i:]
			return
		}
	}
	rec.calls = nil
}

// ChannelStatus summarizes one channel.
type ChannelStatus struct {
	Channel      string    `json:"channel"`
	Endpoint     string    `json:"endpoint"`
	Status       string    `json:"status"`
	LastCall     time.Time `json:"last_call"`
	Total        int       `json:"total_calls_1h"`
	SuccessRate  float64   `json:"success_rate_1h"`
	LatencyP50   int64     `json:"latency_p50_ms"`
	LatencyP95   int64     `json:"latency_p95_ms"`
	LatencyP99   int64     `json:"latency_p99_ms"`
	RecentErrors []string  `json:"recent_errors"`
}

// Snapshot returns one status per channel with calls in the window, sorted by name.
func (h *Health) Snapshot() []ChannelStatus {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ChannelStatus, 0, len(h.channels))
	for _, rec := range h.channels {
		h.pruneLocked(rec)
		if len(rec.calls) == 0 {
			continue
		}

		var successCount int
		var lastCall time.Time
		latencies := make([]float64, 0, len(rec.calls))
		recentErrors := make([]string, 0)

		for _, call := range rec.calls {
			if call.Success {
				successCount++
			} else if len(recentErrors) < 5 {
				recentErrors = append(recentErrors, call.Error)
			}
			latencies = append(latencies, float64(call.Latency.Milliseconds()))
			if call.Timestamp.After(lastCall) {
				lastCall = call.Timestamp
			}
		}

		successRate := float64(successCount) / float64(len(rec.calls))
		sort.Float64s(latencies)

		status := "healthy"
		if successRate < 0.9 {
			status = "unhealthy"
		} else if successRate < 0.95 {
			status = "degraded"
		}

		out = append(out, ChannelStatus{
			Channel:      rec.name,
			Endpoint:     rec.endpoint,
			Status:       status,
			LastCall:     lastCall,
			Total:        len(rec.calls),
			SuccessRate:  successRate,
			LatencyP50:   int64(percentile(latencies, 0.50)),
			LatencyP95:   int64(percentile(latencies, 0.95)),
			LatencyP99:   int64(percentile(latencies, 0.99)),
			RecentErrors: recentErrors,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// percentile calculates the percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}
