// Package ratelimit implements the per-ip token buckets guarding a
// connection and the shared block list they escalate into.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one bucket. Rate is tokens per second.
type Config struct {
	Rate     float64       `mapstructure:"rate"`
	Burst    int           `mapstructure:"burst"`
	BlockFor time.Duration `mapstructure:"blockFor"`
}

// Or fills the zero fields of c from def.
func (c Config) Or(def Config) Config {
	if c.Rate <= 0 {
		c.Rate = def.Rate
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.BlockFor <= 0 {
		c.BlockFor = def.BlockFor
	}
	return c
}

// Blocklist holds ips that overflowed any bucket, with their block expiry.
type Blocklist struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewBlocklist(now func() time.Time) *Blocklist {
	if now == nil {
		now = time.Now
	}
	return &Blocklist{until: make(map[string]time.Time), now: now}
}

// Block extends the block of ip to at least until.
func (b *Blocklist) Block(ip string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.until[ip]) {
		b.until[ip] = until
	}
}

func (b *Blocklist) Blocked(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.until[ip]
	if !ok {
		return false
	}
	if !until.After(b.now()) {
		delete(b.until, ip)
		return false
	}
	return true
}

// Sweep drops expired blocks and returns how many were removed.
func (b *Blocklist) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for ip, until := range b.until {
		if !until.After(now) {
			delete(b.until, ip)
			n++
		}
	}
	return n
}

// TriggerFunc is called, outside any lock, when ip overflows a bucket.
type TriggerFunc func(ip string, until time.Time)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MassLimiter keeps one token bucket per ip. A request that does not fit
// marks the ip as triggered: it is blocked on the shared Blocklist for
// BlockFor and the trigger callback fires.
type MassLimiter struct {
	name      string
	cfg       Config
	blocks    *Blocklist
	onTrigger TriggerFunc

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewMassLimiter(name string, cfg Config, blocks *Blocklist, onTrigger TriggerFunc) *MassLimiter {
	return &MassLimiter{
		name:      name,
		cfg:       cfg,
		blocks:    blocks,
		onTrigger: onTrigger,
		buckets:   make(map[string]*bucket),
	}
}

func (m *MassLimiter) Name() string { return m.name }

// Allow spends cost tokens for ip. It returns false when the ip is blocked
// or the bucket overflows, in which case the ip becomes blocked.
func (m *MassLimiter) Allow(ip string, cost int) bool {
	if m.blocks.Blocked(ip) {
		return false
	}
	now := m.blocks.now()
	m.mu.Lock()
	b, ok := m.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(m.cfg.Rate), m.cfg.Burst)}
		m.buckets[ip] = b
	}
	b.lastSeen = now
	allowed := b.lim.AllowN(now, cost)
	m.mu.Unlock()
	if allowed {
		return true
	}
	m.trigger(ip, now)
	return false
}

// Trigger blocks ip as if its bucket had overflowed.
func (m *MassLimiter) Trigger(ip string) {
	m.trigger(ip, m.blocks.now())
}

func (m *MassLimiter) trigger(ip string, now time.Time) {
	until := now.Add(m.cfg.BlockFor)
	m.blocks.Block(ip, until)
	if m.onTrigger != nil {
		m.onTrigger(ip, until)
	}
}

// Sweep forgets buckets untouched for idle and returns how many were dropped.
func (m *MassLimiter) Sweep(idle time.Duration) int {
	cutoff := m.blocks.now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for ip, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, ip)
			n++
		}
	}
	return n
}
