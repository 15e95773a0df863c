// Package server is the connection manager: it accepts websocket clients,
// keeps their chunk subscriptions, rate limits them and fans out pixels,
// counters and chat to them.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"canvaspix/internal/canvas"
	"canvaspix/internal/events"
	"canvaspix/internal/identity"
	"canvaspix/internal/placement"
	"canvaspix/internal/protocol"
	"canvaspix/internal/ratelimit"
)

// RPC request types answered by every shard.
const (
	RequestOnlineIPs    = "online.ips"
	RequestConnCount    = "conn.count"
	RequestIPDisconnect = "ip.disconnect"
)

type Config struct {
	Addr                string        `mapstructure:"addr"`
	AllowedOrigins      []string      `mapstructure:"allowedOrigins"`
	TrustProxy          bool          `mapstructure:"trustProxy"`
	MaxConnectionsPerIP int           `mapstructure:"maxConnectionsPerIp"`
	MaxChunksPerClient  int           `mapstructure:"maxChunksPerClient"`
	SendBuffer          int           `mapstructure:"sendBuffer"`
	IdleTimeout         time.Duration `mapstructure:"idleTimeout"`
	SweepInterval       time.Duration `mapstructure:"sweepInterval"`
	OnlineInterval      time.Duration `mapstructure:"onlineInterval"`
	PlaceTimeout        time.Duration `mapstructure:"placeTimeout"`

	ConnectLimit ratelimit.Config `mapstructure:"connectLimit"`
	MessageLimit ratelimit.Config `mapstructure:"messageLimit"`
	ChunkLimit   ratelimit.Config `mapstructure:"chunkLimit"`
}

func (c *Config) setDefaults() {
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = 50
	}
	if c.MaxChunksPerClient <= 0 {
		c.MaxChunksPerClient = 20000
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.OnlineInterval <= 0 {
		c.OnlineInterval = 15 * time.Second
	}
	if c.PlaceTimeout <= 0 {
		c.PlaceTimeout = 10 * time.Second
	}
	c.ConnectLimit = c.ConnectLimit.Or(ratelimit.Config{Rate: 0.5, Burst: 20, BlockFor: time.Minute})
	c.MessageLimit = c.MessageLimit.Or(ratelimit.Config{Rate: 50, Burst: 200, BlockFor: time.Minute})
	c.ChunkLimit = c.ChunkLimit.Or(ratelimit.Config{Rate: 500, Burst: 5000, BlockFor: time.Minute})
}

type Placer interface {
	Place(ctx context.Context, req placement.Request) (placement.Result, error)
}

type Canvases interface {
	Get(id uint8) (*canvas.Canvas, bool)
}

type Identifier interface {
	Identify(r *http.Request, ip string) (identity.Identity, error)
}

type CaptchaVerifier interface {
	Verify(ctx context.Context, ip, id, solution string) (uint8, error)
}

// CooldownLookup returns the remaining cooldown on a cooldown canvas in ms.
type CooldownLookup func(ctx context.Context, canvasID uint8, ip string, userID int64) (int64, error)

type Fisher interface {
	Catch(ip string) error
}

type Deps struct {
	Bus      events.Bus
	Canvases Canvases
	Placer   Placer
	Identify Identifier
	Captcha  CaptchaVerifier
	Cooldown CooldownLookup
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Server struct {
	cfg      Config
	bus      events.Bus
	canvases Canvases
	placer   Placer
	identify Identifier
	captcha  CaptchaVerifier
	cooldown CooldownLookup
	logger   zerolog.Logger
	now      func() time.Time

	hub      *Hub
	upgrader websocket.Upgrader

	blocks         *ratelimit.Blocklist
	connectLimiter *ratelimit.MassLimiter
	messageLimiter *ratelimit.MassLimiter
	chunkLimiter   *ratelimit.MassLimiter

	fishMu sync.RWMutex
	fisher Fisher

	ctx    context.Context
	cancel context.CancelFunc
}

// RateLimitEvent is the rateLimitTrigger payload.
type RateLimitEvent struct {
	IP    string `json:"ip"`
	Until int64  `json:"until"`
}

func New(cfg Config, deps Deps) *Server {
	cfg.setDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		bus:      deps.Bus,
		canvases: deps.Canvases,
		placer:   deps.Placer,
		identify: deps.Identify,
		captcha:  deps.Captcha,
		cooldown: deps.Cooldown,
		logger:   deps.Logger.With().Str("component", "server").Logger(),
		now:      deps.Now,
		hub:      newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origins are checked before the upgrade
			CheckOrigin: func(*http.Request) bool { return true },
		},
		blocks: ratelimit.NewBlocklist(deps.Now),
		ctx:    ctx,
		cancel: cancel,
	}
	s.connectLimiter = ratelimit.NewMassLimiter("connect", cfg.ConnectLimit, s.blocks, s.onTrigger)
	s.messageLimiter = ratelimit.NewMassLimiter("message", cfg.MessageLimit, s.blocks, s.onTrigger)
	s.chunkLimiter = ratelimit.NewMassLimiter("chunk", cfg.ChunkLimit, s.blocks, s.onTrigger)

	s.bus.On(events.RateLimitTrigger, s.onRemoteTrigger)
	s.bus.OnPixels(func(canvasID uint8, chunk protocol.ChunkID, frame []byte) {
		s.hub.broadcastChunk(chunkKey{canvas: canvasID, chunk: chunk}, frame)
	})
	s.bus.On(events.ChatMessage, s.relayText(protocol.TagChat))
	s.bus.On(events.AddChatChannel, s.relayText(protocol.TagAddChannel))
	s.bus.On(events.RemoveChatChannel, s.relayText(protocol.TagRemoveChannel))
	s.bus.OnRequest(RequestOnlineIPs, func(context.Context, json.RawMessage) (any, error) {
		return s.hub.ips(), nil
	})
	s.bus.OnRequest(RequestConnCount, func(context.Context, json.RawMessage) (any, error) {
		return s.hub.count(), nil
	})
	s.bus.OnRequest(RequestIPDisconnect, func(_ context.Context, args json.RawMessage) (any, error) {
		return s.DisconnectIP(gjson.GetBytes(args, "ip").String()), nil
	})
	return s
}

// SetFishing attaches the minigame once it has been built around s.
func (s *Server) SetFishing(f Fisher) {
	s.fishMu.Lock()
	s.fisher = f
	s.fishMu.Unlock()
}

func (s *Server) fishing() Fisher {
	s.fishMu.RLock()
	defer s.fishMu.RUnlock()
	return s.fisher
}

func (s *Server) onTrigger(ip string, until time.Time) {
	s.logger.Info().Str("ip", ip).Time("until", until).Msg("rate limit triggered")
	if err := s.bus.Emit(events.RateLimitTrigger, RateLimitEvent{IP: ip, Until: until.UnixMilli()}); err != nil {
		s.logger.Error().Err(err).Msg("emit rate limit trigger")
	}
}

// onRemoteTrigger blocks without re-emitting.
func (s *Server) onRemoteTrigger(payload json.RawMessage) {
	var ev RateLimitEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.IP == "" {
		return
	}
	s.blocks.Block(ev.IP, time.UnixMilli(ev.Until))
}

// relayText writes a bus event to clients as a "<tag>,<json>" frame. A
// payload carrying userId only reaches that user's connections.
func (s *Server) relayText(tag string) events.Handler {
	return func(payload json.RawMessage) {
		frame := protocol.EncodeTextRaw(tag, payload)
		userID := gjson.GetBytes(payload, "userId").Int()
		if tag == protocol.TagChat || userID == 0 {
			s.hub.broadcast(outbound{text: true, data: frame})
			return
		}
		s.hub.forEach(func(c *Client) {
			if c.ident.UserID() == userID {
				c.sendText(frame)
			}
		})
	}
}

// clientIP is the remote address, or the first X-Forwarded-For hop when
// running behind a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		for _, o := range s.cfg.AllowedOrigins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// ServeWS admits a websocket client. Rejections answer with a status and
// never upgrade.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)
	if !s.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if s.blocks.Blocked(ip) || !s.connectLimiter.Allow(ip, 1) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if s.hub.ipCount(ip) >= s.cfg.MaxConnectionsPerIP {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ident, err := s.identify.Identify(r, ip)
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", ip).Msg("session rejected, continuing anonymous")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}
	c := newClient(s, conn, ip, ident)
	if !s.hub.register(c, s.cfg.MaxConnectionsPerIP) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	c.setState(StateOpen)
	go c.writePump()
	go c.readPump()
}

// Run drives the idle sweep and the online counter until ctx is done.
func (s *Server) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	online := time.NewTicker(s.cfg.OnlineInterval)
	defer online.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.sweep()
		case <-online.C:
			s.pushOnline()
		}
	}
}

// sweep closes idle clients and forgets stale limiter state.
func (s *Server) sweep() int {
	cutoff := s.now().Add(-s.cfg.IdleTimeout)
	closed := 0
	s.hub.forEach(func(c *Client) {
		if c.idleSince().Before(cutoff) {
			c.close()
			closed++
		}
	})
	for _, l := range []*ratelimit.MassLimiter{s.connectLimiter, s.messageLimiter, s.chunkLimiter} {
		l.Sweep(s.cfg.IdleTimeout)
	}
	s.blocks.Sweep()
	if closed > 0 {
		s.logger.Debug().Int("closed", closed).Msg("idle clients closed")
	}
	return closed
}

func ipHash(ip string) string {
	return strconv.FormatUint(xxhash.Sum64String(ip), 36)
}

// onlineHashes groups the ip hashes of canvas-bound clients by canvas.
func (s *Server) onlineHashes() map[uint8][]string {
	seen := make(map[uint8]map[string]struct{})
	s.hub.forEach(func(c *Client) {
		id, ok := c.canvas()
		if !ok {
			return
		}
		set := seen[id]
		if set == nil {
			set = make(map[string]struct{})
			seen[id] = set
		}
		set[ipHash(c.ip)] = struct{}{}
	})
	out := make(map[uint8][]string, len(seen))
	for id, set := range seen {
		list := make([]string, 0, len(set))
		for h := range set {
			list = append(list, h)
		}
		out[id] = list
	}
	return out
}

func (s *Server) pushOnline() {
	s.bus.UpdateOnline(s.onlineHashes())
	counts := s.bus.Online()
	s.hub.broadcast(outbound{data: protocol.EncodeOnlineCounter(counts.Counter())})
}

// DisconnectIP closes every connection of ip on this shard.
func (s *Server) DisconnectIP(ip string) int {
	clients := s.hub.clientsOf(ip)
	for _, c := range clients {
		c.close()
	}
	return len(clients)
}

// IPs lists the connected ips of this shard.
func (s *Server) IPs() []string { return s.hub.ips() }

// SendToIP pushes a binary frame to every connection of ip on this shard.
func (s *Server) SendToIP(ip string, frame []byte) { s.hub.sendToIP(ip, outbound{data: frame}) }

func (s *Server) Connections() int { return s.hub.count() }

// Close drops every client and cancels in-flight placements.
func (s *Server) Close() {
	s.hub.forEach(func(c *Client) { c.close() })
	s.cancel()
}
