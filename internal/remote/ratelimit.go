package remote

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitState is the most recently observed quota snapshot. It is
// per-process state: initialized empty, overwritten on every response that
// carries quota headers, and never persisted across restarts.
type RateLimitState struct {
	Remaining  int
	Limit      int
	ResetAt    time.Time
	ObservedAt time.Time
}

// quotaTracker holds the shared rate-limit state and emits warnings when the
// remaining quota crosses the low or critical thresholds.
type quotaTracker struct {
	mu       sync.Mutex
	state    RateLimitState
	low      int
	critical int

	warnedLow      bool
	warnedCritical bool
}

func newQuotaTracker(low, critical int) *quotaTracker {
	return &quotaTracker{low: low, critical: critical}
}

// update records quota headers from a response. Responses without quota
// headers leave the state untouched.
func (q *quotaTracker) update(header http.Header, now time.Time) {
	remaining, ok := headerInt(header, "X-RateLimit-Remaining")
	if !ok {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.state.Remaining = remaining
	q.state.ObservedAt = now
	if limit, ok := headerInt(header, "X-RateLimit-Limit"); ok {
		q.state.Limit = limit
	}
	if reset, ok := headerInt(header, "X-RateLimit-Reset"); ok {
		q.state.ResetAt = time.Unix(int64(reset), 0)
	}

	// Threshold crossings are observability only, never control flow.
	switch {
	case remaining < q.critical:
		if !q.warnedCritical {
			log.Printf("⚠️  API quota critical: %d remaining (resets %s)", remaining, q.state.ResetAt.Format(time.RFC3339))
			q.warnedCritical = true
		}
	case remaining < q.low:
		if !q.warnedLow {
			log.Printf("⚠️  API quota low: %d remaining", remaining)
			q.warnedLow = true
		}
	default:
		q.warnedLow = false
		q.warnedCritical = false
	}
}

// snapshot returns a copy of the current state.
func (q *quotaTracker) snapshot() RateLimitState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// waitNeeded returns how long a caller should hold off before issuing a new
// request. Zero means go ahead.
func (q *quotaTracker) waitNeeded(now time.Time, buffer, maxWait time.Duration) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state.ObservedAt.IsZero() || q.state.Remaining >= q.critical {
		return 0
	}

	until := q.state.ResetAt.Add(buffer)
	if !now.Before(until) {
		return 0
	}

	wait := until.Sub(now)
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}

func headerInt(header http.Header, key string) (int, bool) {
	v := header.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
