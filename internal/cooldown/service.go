// Package cooldown keeps the per-country and per-ip cooldown multipliers
// applied to every placement.
package cooldown

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrNegativeFactor = errors.New("cooldown factor must not be negative")

// IPEntry is one time-limited ip multiplier.
type IPEntry struct {
	Factor  float64   `json:"factor"`
	Expires time.Time `json:"expires"`
}

// Service answers Factor lookups. Country factors live until cleared; ip
// factors expire, driven by a single timer aimed at the soonest expiry.
type Service struct {
	mu        sync.Mutex
	clock     Clock
	logger    zerolog.Logger
	countries map[string]float64
	ips       map[string][]IPEntry

	timer   Timer
	timerAt time.Time
	closed  bool
}

type Option func(*Service)

func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

func NewService(logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		clock:     systemClock{},
		logger:    logger.With().Str("component", "cooldown").Logger(),
		countries: make(map[string]float64),
		ips:       make(map[string][]IPEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validFactor(f float64) error {
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v", ErrNegativeFactor, f)
	}
	return nil
}

// Factor is CountryFactor(country) × IPFactor(ip).
func (s *Service) Factor(country, ip string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countryFactorLocked(country) * s.ipFactorLocked(ip, s.clock.Now())
}

func (s *Service) CountryFactor(country string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countryFactorLocked(country)
}

func (s *Service) IPFactor(ip string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ipFactorLocked(ip, s.clock.Now())
}

func (s *Service) countryFactorLocked(country string) float64 {
	if f, ok := s.countries[country]; ok {
		return f
	}
	return 1
}

// ipFactorLocked takes the maximum among unexpired entries. Expired entries
// still waiting for the sweep are ignored.
func (s *Service) ipFactorLocked(ip string, now time.Time) float64 {
	found := false
	best := 0.0
	for _, e := range s.ips[ip] {
		if !e.Expires.After(now) {
			continue
		}
		if !found || e.Factor > best {
			best = e.Factor
			found = true
		}
	}
	if !found {
		return 1
	}
	return best
}

// SetCountryFactor stores factor for country; 1.0 clears it.
func (s *Service) SetCountryFactor(country string, factor float64) error {
	if err := validFactor(factor); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if factor == 1 {
		delete(s.countries, country)
		return nil
	}
	s.countries[country] = factor
	s.logger.Info().Str("country", country).Float64("factor", factor).Msg("country factor set")
	return nil
}

func (s *Service) ClearCountryFactor(country string) {
	s.mu.Lock()
	delete(s.countries, country)
	s.mu.Unlock()
}

// CountryFactors returns a copy of every country override.
func (s *Service) CountryFactors() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.countries))
	for k, v := range s.countries {
		out[k] = v
	}
	return out
}

// AddIPFactor adds an entry for ip that lapses at expires. A factor of 1.0
// or an expiry already in the past stores nothing.
func (s *Service) AddIPFactor(ip string, factor float64, expires time.Time) error {
	if err := validFactor(factor); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || factor == 1 || !expires.After(s.clock.Now()) {
		return nil
	}
	s.ips[ip] = append(s.ips[ip], IPEntry{Factor: factor, Expires: expires})
	if s.timer == nil || expires.Before(s.timerAt) {
		s.armLocked(expires)
	}
	return nil
}

func (s *Service) ClearIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ips, ip)
	if len(s.ips) == 0 {
		s.disarmLocked()
	}
}

// IPEntries returns a copy of the unexpired entries of every ip.
func (s *Service) IPEntries() map[string][]IPEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make(map[string][]IPEntry, len(s.ips))
	for ip, entries := range s.ips {
		for _, e := range entries {
			if e.Expires.After(now) {
				out[ip] = append(out[ip], e)
			}
		}
	}
	return out
}

// Close stops the expiry timer; later additions are ignored.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.disarmLocked()
}

func (s *Service) armLocked(at time.Time) {
	s.disarmLocked()
	s.timerAt = at
	s.timer = s.clock.AfterFunc(at.Sub(s.clock.Now()), s.sweep)
}

func (s *Service) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerAt = time.Time{}
}

// sweep drops every expired entry and re-arms for the next soonest expiry.
func (s *Service) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := s.clock.Now()
	var next time.Time
	removed := 0
	for ip, entries := range s.ips {
		kept := entries[:0]
		for _, e := range entries {
			if !e.Expires.After(now) {
				removed++
				continue
			}
			kept = append(kept, e)
			if next.IsZero() || e.Expires.Before(next) {
				next = e.Expires
			}
		}
		if len(kept) == 0 {
			delete(s.ips, ip)
		} else {
			s.ips[ip] = kept
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("expired ip factors swept")
	}
	if next.IsZero() {
		s.disarmLocked()
		return
	}
	s.armLocked(next)
}
