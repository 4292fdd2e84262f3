// Package health keeps process-wide error counters for the status and
// diagnostics endpoints.
package health

import (
	"sync/atomic"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// Tracker counts errors per kind. Counters only ever increase.
type Tracker struct {
	counts map[apierror.Kind]*atomic.Int64
}

// NewTracker creates a tracker with a zeroed counter for every kind.
func NewTracker() *Tracker {
	counts := make(map[apierror.Kind]*atomic.Int64, len(apierror.Kinds))
	for _, k := range apierror.Kinds {
		counts[k] = new(atomic.Int64)
	}
	return &Tracker{counts: counts}
}

// Record increments the counter for kind. Unknown kinds are ignored.
func (t *Tracker) Record(kind apierror.Kind) {
	c, ok := t.counts[kind]
	if !ok {
		return
	}
	c.Add(1)
	metrics.ErrorsByKind.WithLabelValues(string(kind)).Inc()
}

// Snapshot returns a point-in-time copy of every counter.
func (t *Tracker) Snapshot() map[apierror.Kind]int64 {
	out := make(map[apierror.Kind]int64, len(t.counts))
	for k, c := range t.counts {
		out[k] = c.Load()
	}
	return out
}

// Total sums all counters.
func (t *Tracker) Total() int64 {
	var n int64
	for _, c := range t.counts {
		n += c.Load()
	}
	return n
}
