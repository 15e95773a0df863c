// Package fishing runs the fish minigame: now and then a connected ip is
// offered a fish, and catching it in time earns a cooldown bonus.
package fishing

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"canvaspix/internal/events"
	"canvaspix/internal/protocol"
)

type Config struct {
	Interval      time.Duration `mapstructure:"interval"`
	Lifetime      time.Duration `mapstructure:"lifetime"`
	Types         int           `mapstructure:"types"`
	MaxSize       int           `mapstructure:"maxSize"`
	BonusFactor   float64       `mapstructure:"bonusFactor"`
	BonusDuration time.Duration `mapstructure:"bonusDuration"`
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.Lifetime <= 0 {
		c.Lifetime = 30 * time.Second
	}
	if c.Types <= 0 {
		c.Types = 8
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 25
	}
	if c.BonusFactor <= 0 {
		c.BonusFactor = 0.5
	}
	if c.BonusDuration <= 0 {
		c.BonusDuration = 10 * time.Minute
	}
}

// Sender reaches the connections of this shard.
type Sender interface {
	IPs() []string
	SendToIP(ip string, frame []byte)
}

// Modifier grants the catch bonus cluster wide.
type Modifier interface {
	AddIPFactor(ip string, factor float64, expires time.Time) error
}

type fish struct {
	Type    uint8
	Size    uint8
	Expires time.Time
}

// Caught is the fish.caught event payload.
type Caught struct {
	IP      string `json:"ip"`
	Success bool   `json:"success"`
	Type    uint8  `json:"type"`
	Size    uint8  `json:"size"`
}

type Game struct {
	cfg      Config
	bus      events.Bus
	sender   Sender
	modifier Modifier
	logger   zerolog.Logger
	now      func() time.Time
	rand     *rand.Rand

	mu   sync.Mutex
	fish map[string]fish
}

func New(cfg Config, bus events.Bus, sender Sender, modifier Modifier, logger zerolog.Logger) *Game {
	cfg.setDefaults()
	g := &Game{
		cfg:      cfg,
		bus:      bus,
		sender:   sender,
		modifier: modifier,
		logger:   logger.With().Str("component", "fishing").Logger(),
		now:      time.Now,
		rand:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		fish:     make(map[string]fish),
	}
	bus.On(events.FishCaught, g.onCaught)
	return g
}

// Run spawns fish every interval until ctx is done.
func (g *Game) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
			g.Spawn()
		}
	}
}

// Spawn offers a fish to one random connected ip without a pending fish.
// It reports the chosen ip, or "" when nobody was eligible.
func (g *Game) Spawn() string {
	ips := g.sender.IPs()
	if len(ips) == 0 {
		return ""
	}
	now := g.now()

	g.mu.Lock()
	ip := ips[g.rand.IntN(len(ips))]
	if f, ok := g.fish[ip]; ok && f.Expires.After(now) {
		g.mu.Unlock()
		return ""
	}
	f := fish{
		Type:    uint8(g.rand.IntN(g.cfg.Types)),
		Size:    uint8(1 + g.rand.IntN(g.cfg.MaxSize)),
		Expires: now.Add(g.cfg.Lifetime),
	}
	g.fish[ip] = f
	g.mu.Unlock()

	g.sender.SendToIP(ip, protocol.EncodeFishAppears(f.Type, f.Size))
	g.logger.Debug().Str("ip", ip).Uint8("type", f.Type).Uint8("size", f.Size).Msg("fish appeared")
	return ip
}

// Catch resolves the fish of ip. The result reaches every connection of the
// ip on every shard.
func (g *Game) Catch(ip string) error {
	now := g.now()
	g.mu.Lock()
	f, ok := g.fish[ip]
	delete(g.fish, ip)
	g.mu.Unlock()

	caught := Caught{IP: ip, Success: ok && f.Expires.After(now), Type: f.Type, Size: f.Size}
	if caught.Success {
		// bigger fish last longer
		d := g.cfg.BonusDuration * time.Duration(f.Size) / time.Duration(g.cfg.MaxSize)
		if err := g.modifier.AddIPFactor(ip, g.cfg.BonusFactor, now.Add(d)); err != nil {
			return err
		}
		g.logger.Info().Str("ip", ip).Uint8("size", f.Size).Dur("bonus", d).Msg("fish caught")
	}
	return g.bus.Emit(events.FishCaught, caught)
}

func (g *Game) onCaught(payload json.RawMessage) {
	var c Caught
	if err := json.Unmarshal(payload, &c); err != nil {
		g.logger.Warn().Err(err).Msg("bad fish event")
		return
	}
	g.sender.SendToIP(c.IP, protocol.EncodeFishCaught(protocol.FishCaught{Success: c.Success, Type: c.Type, Size: c.Size}))
}

func (g *Game) sweep() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, f := range g.fish {
		if !f.Expires.After(now) {
			delete(g.fish, ip)
		}
	}
}
