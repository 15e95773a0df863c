package cooldown

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"canvaspix/internal/events"
)

type countryChange struct {
	Country string  `json:"country"`
	Factor  float64 `json:"factor"`
}

type ipChange struct {
	IP      string  `json:"ip"`
	Factor  float64 `json:"factor"`
	Expires int64   `json:"expires"`
	Clear   bool    `json:"clear,omitempty"`
}

// Replicator routes modifier changes through the bus so that every shard,
// this one included, applies them from the same event.
type Replicator struct {
	svc    *Service
	bus    events.Bus
	logger zerolog.Logger
}

func NewReplicator(svc *Service, bus events.Bus, logger zerolog.Logger) *Replicator {
	r := &Replicator{
		svc:    svc,
		bus:    bus,
		logger: logger.With().Str("component", "cooldown-replicator").Logger(),
	}
	bus.On(events.CountryFactor, r.onCountry)
	bus.On(events.IPFactor, r.onIP)
	return r
}

func (r *Replicator) SetCountryFactor(country string, factor float64) error {
	if err := validFactor(factor); err != nil {
		return err
	}
	return r.bus.Emit(events.CountryFactor, countryChange{Country: country, Factor: factor})
}

func (r *Replicator) ClearCountryFactor(country string) error {
	return r.SetCountryFactor(country, 1)
}

func (r *Replicator) AddIPFactor(ip string, factor float64, expires time.Time) error {
	if err := validFactor(factor); err != nil {
		return err
	}
	return r.bus.Emit(events.IPFactor, ipChange{IP: ip, Factor: factor, Expires: expires.UnixMilli()})
}

func (r *Replicator) ClearIP(ip string) error {
	return r.bus.Emit(events.IPFactor, ipChange{IP: ip, Clear: true})
}

func (r *Replicator) onCountry(payload json.RawMessage) {
	var c countryChange
	if err := json.Unmarshal(payload, &c); err != nil {
		r.logger.Warn().Err(err).Msg("bad country factor event")
		return
	}
	if err := r.svc.SetCountryFactor(c.Country, c.Factor); err != nil {
		r.logger.Warn().Err(err).Str("country", c.Country).Msg("country factor rejected")
	}
}

func (r *Replicator) onIP(payload json.RawMessage) {
	var c ipChange
	if err := json.Unmarshal(payload, &c); err != nil {
		r.logger.Warn().Err(err).Msg("bad ip factor event")
		return
	}
	if c.Clear {
		r.svc.ClearIP(c.IP)
		return
	}
	if err := r.svc.AddIPFactor(c.IP, c.Factor, time.UnixMilli(c.Expires)); err != nil {
		r.logger.Warn().Err(err).Str("ip", c.IP).Msg("ip factor rejected")
	}
}
