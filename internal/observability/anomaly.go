package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/hookd/internal/config"
)

const defaultAnomalyWindow = 300 * time.Second

// AnomalyDetector warns when a route's execution failure rate crosses a
// threshold within a sliding window.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	if a.cfg.WindowSeconds <= 0 {
		return defaultAnomalyWindow
	}
	return time.Duration(a.cfg.WindowSeconds) * time.Second
}

// RecordFailure records a failed execution for key.
// It reports whether the failure rate is now above the threshold.
func (a *AnomalyDetector) RecordFailure(key string, kind string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.errorCounts, key).add(a.now(), 1)
	return a.checkErrorRate(key, kind)
}

// RecordSuccess records a successful execution for key.
func (a *AnomalyDetector) RecordSuccess(key string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successCounts, key).add(a.now(), 1)
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(key, kind string) bool {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return false
	}

	now := a.now()
	failures := a.window(a.errorCounts, key).sum(now)
	successes := a.window(a.successCounts, key).sum(now)
	total := failures + successes

	if total < 5 {
		return false // Not enough data.
	}

	rate := failures / total
	if rate <= threshold {
		return false
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high execution failure rate",
			slog.String("route", key),
			slog.String("last_kind", kind),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("failures", failures),
			slog.Float64("total", total),
		)
	}
	return true
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
