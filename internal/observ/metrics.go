package observ

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// In-process counters and timers. These back the agent's own health
// reporting; there is no exposition endpoint.

type metricsRegistry struct {
	mu        sync.RWMutex
	counters  map[string]int64
	durations map[string]durationStat
}

type durationStat struct {
	Count int64
	Sum   time.Duration
	Max   time.Duration
}

var registry = &metricsRegistry{
	counters:  make(map[string]int64),
	durations: make(map[string]durationStat),
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%s", k, labels[k])
	}
	return b.String()
}

// IncCounter increments a labeled counter by one.
func IncCounter(name string, labels map[string]string) {
	registry.mu.Lock()
	registry.counters[metricKey(name, labels)]++
	registry.mu.Unlock()
}

// AddCounter increments a labeled counter by n.
func AddCounter(name string, n int64, labels map[string]string) {
	registry.mu.Lock()
	registry.counters[metricKey(name, labels)] += n
	registry.mu.Unlock()
}

// GetCounter reads a counter value; zero when never incremented.
func GetCounter(name string, labels map[string]string) int64 {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return registry.counters[metricKey(name, labels)]
}

// RecordDuration tracks a latency observation.
func RecordDuration(name string, d time.Duration, labels map[string]string) {
	key := metricKey(name, labels)
	registry.mu.Lock()
	stat := registry.durations[key]
	stat.Count++
	stat.Sum += d
	if d > stat.Max {
		stat.Max = d
	}
	registry.durations[key] = stat
	registry.mu.Unlock()
}

// Snapshot returns a copy of all counters, for the startup/shutdown summary.
func Snapshot() map[string]int64 {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	out := make(map[string]int64, len(registry.counters))
	for k, v := range registry.counters {
		out[k] = v
	}
	return out
}

// ResetForTest clears all metrics. Test helper only.
func ResetForTest() {
	registry.mu.Lock()
	registry.counters = make(map[string]int64)
	registry.durations = make(map[string]durationStat)
	registry.mu.Unlock()
}
