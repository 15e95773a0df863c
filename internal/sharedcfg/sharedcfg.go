// Package sharedcfg holds the process-wide settings every shard must agree
// on. Updates travel as versioned bus events; the newest version wins.
package sharedcfg

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"canvaspix/internal/events"
)

type Values struct {
	Version              int64   `json:"version"`
	CooldownFactor       float64 `json:"cooldownFactor"`
	VerificationRequired bool    `json:"verificationRequired"`
}

// Store is a last-write-wins cache of Values. The leader persists every
// accepted version to its snapshot.
type Store struct {
	bus      events.Bus
	snapshot *Snapshot
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	values Values
}

// New registers the store on bus. snapshot may be nil.
func New(bus events.Bus, initial Values, snapshot *Snapshot, logger zerolog.Logger) *Store {
	s := &Store{
		bus:      bus,
		snapshot: snapshot,
		logger:   logger.With().Str("component", "sharedcfg").Logger(),
		now:      time.Now,
		values:   initial,
	}
	bus.On(events.SharedConfig, s.onUpdate)
	return s
}

func (s *Store) Values() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

func (s *Store) CooldownFactor() float64 { return s.Values().CooldownFactor }

func (s *Store) VerificationRequired() bool { return s.Values().VerificationRequired }

// Restore applies the snapshot, if any, as a local update.
func (s *Store) Restore() error {
	if s.snapshot == nil {
		return nil
	}
	v, ok, err := s.snapshot.Load()
	if err != nil || !ok {
		return err
	}
	s.apply(v)
	return nil
}

// Update changes the settings cluster wide.
func (s *Store) Update(change func(*Values)) error {
	next := s.Values()
	change(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	next.Version = s.now().UnixMilli()
	if cur := s.Values().Version; next.Version <= cur {
		next.Version = cur + 1
	}
	return s.bus.Emit(events.SharedConfig, next)
}

// Announce re-broadcasts the current values so late joiners converge.
func (s *Store) Announce() error {
	return s.bus.Emit(events.SharedConfig, s.Values())
}

func (s *Store) onUpdate(payload json.RawMessage) {
	var v Values
	if err := json.Unmarshal(payload, &v); err != nil {
		s.logger.Warn().Err(err).Msg("bad shared config event")
		return
	}
	s.apply(v)
}

func (s *Store) apply(v Values) {
	if err := v.Validate(); err != nil {
		s.logger.Warn().Err(err).Int64("version", v.Version).Msg("dropping invalid shared config")
		return
	}
	s.mu.Lock()
	if v.Version <= s.values.Version {
		s.mu.Unlock()
		return
	}
	s.values = v
	s.mu.Unlock()

	s.logger.Info().Int64("version", v.Version).Float64("cooldown_factor", v.CooldownFactor).
		Bool("verification_required", v.VerificationRequired).Msg("shared config updated")
	if s.snapshot != nil && s.bus.IsMain() {
		if err := s.snapshot.Save(v); err != nil {
			s.logger.Error().Err(err).Msg("persist shared config")
		}
	}
}

// Validate rejects settings no shard could act on.
func (v Values) Validate() error {
	if v.CooldownFactor < 0 {
		return fmt.Errorf("cooldown factor %v is negative", v.CooldownFactor)
	}
	return nil
}
