package placement

import (
	"sync"
	"time"
)

// inflight marks ips with a quota round trip in progress. A marker older
// than stale is treated as abandoned and taken over.
type inflight struct {
	mu    sync.Mutex
	since map[string]time.Time
	stale time.Duration
	now   func() time.Time
}

func newInflight(stale time.Duration, now func() time.Time) *inflight {
	return &inflight{since: make(map[string]time.Time), stale: stale, now: now}
}

func (f *inflight) acquire(ip string) bool {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.since[ip]; ok && now.Sub(t) < f.stale {
		return false
	}
	f.since[ip] = now
	return true
}

func (f *inflight) release(ip string) {
	f.mu.Lock()
	delete(f.since, ip)
	f.mu.Unlock()
}
