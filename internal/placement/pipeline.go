// Package placement turns a decoded pixel-update into a committed, quota
// checked change of chunk state.
package placement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"canvaspix/internal/audit"
	"canvaspix/internal/canvas"
	"canvaspix/internal/identity"
	"canvaspix/internal/protocol"
)

// InflightStale is how long an unreleased in-flight marker blocks its ip.
const InflightStale = 20 * time.Second

// QuotaRequest is one atomic check-and-commit against the quota store.
// Costs and Ranks run in pixel order; the store spends Costs until the
// stack limit would be passed.
type QuotaRequest struct {
	IP         string
	UserID     int64
	Canvas     uint8
	StackLimit int64
	Grace      int64
	Costs      []int64
	Ranks      []bool
}

type QuotaResult struct {
	Code       protocol.ReturnCode
	Allowed    int
	WaitMs     int64
	CooldownMs int64
	Ranked     int
}

type QuotaStore interface {
	AllowPlace(ctx context.Context, req QuotaRequest) (QuotaResult, error)
}

type ChunkStore interface {
	GetChunk(ctx context.Context, canvasID, i, j uint8) ([]byte, error)
	SetPixels(ctx context.Context, canvasID, i, j uint8, pixels []protocol.Pixel) error
}

type Canvases interface {
	Get(id uint8) (*canvas.Canvas, bool)
}

type Broadcaster interface {
	BroadcastPixels(canvasID uint8, chunk protocol.ChunkID, frame []byte)
}

// FactorSource yields the cooldown modifier of a country and ip.
type FactorSource interface {
	Factor(country, ip string) float64
}

// Settings are the cluster wide placement switches.
type Settings interface {
	CooldownFactor() float64
	VerificationRequired() bool
}

// StoreError reports a failed external round trip. No pixels beyond what the
// store authorised have been applied when it is returned.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("placement %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

type Request struct {
	CanvasID    uint8
	I, J        uint8
	Pixels      []protocol.Pixel
	Identity    identity.Identity
	ConnectedAt time.Time
}

type Result struct {
	Code       protocol.ReturnCode
	WaitMs     int64
	CooldownMs int64
	Pixels     int
	Ranked     int
}

// Frame encodes the result as a pixel-return frame.
func (r Result) Frame() []byte {
	wait := r.WaitMs
	if wait < 0 {
		wait = 0
	}
	if wait > math.MaxUint32 {
		wait = math.MaxUint32
	}
	return protocol.EncodePixelReturn(protocol.PixelReturn{
		Code:            r.Code,
		WaitMs:          uint32(wait),
		CooldownSeconds: protocol.CooldownSeconds(r.CooldownMs),
		Pixels:          uint8(min(r.Pixels, math.MaxUint8)),
		Ranked:          uint8(min(r.Ranked, math.MaxUint8)),
	})
}

type Deps struct {
	Canvases  Canvases
	Quota     QuotaStore
	Chunks    ChunkStore
	Broadcast Broadcaster
	Factors   FactorSource
	Settings  Settings
	Audit     audit.Sink
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Pipeline struct {
	deps     Deps
	logger   zerolog.Logger
	inflight *inflight
}

func New(deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	return &Pipeline{
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "placement").Logger(),
		inflight: newInflight(InflightStale, deps.Now),
	}
}

func reject(code protocol.ReturnCode) Result { return Result{Code: code} }

// Place runs one request. Rejections come back as a Result code; the error
// is non-nil only for a *StoreError.
func (p *Pipeline) Place(ctx context.Context, req Request) (Result, error) {
	c, ok := p.deps.Canvases.Get(req.CanvasID)
	if !ok || c.Expired {
		return reject(protocol.InvalidCanvas), nil
	}
	side := c.ChunksPerSide()
	if int(req.I) >= side {
		return reject(protocol.XOutOfRange), nil
	}
	if int(req.J) >= side {
		if c.Voxel {
			return reject(protocol.ZOutOfRange), nil
		}
		return reject(protocol.YOutOfRange), nil
	}
	if len(req.Pixels) == 0 {
		return Result{Code: protocol.Success}, nil
	}

	id := req.Identity
	role := id.Role()
	factor := p.factor(c, id, req.Pixels)
	bcd := int64(math.Floor(float64(c.BaseCooldown) * factor))
	pcd := bcd
	if c.PixelCooldown > 0 {
		pcd = int64(math.Floor(float64(c.PixelCooldown) * factor))
	}

	capacity := uint32(c.ChunkCapacity())
	ranks := make([]bool, len(req.Pixels))
	entries := make([]audit.Entry, len(req.Pixels))
	now := p.deps.Now()
	for n, px := range req.Pixels {
		if px.Offset >= capacity {
			if c.Voxel {
				return reject(protocol.ZOutOfRange), nil
			}
			return reject(protocol.OffsetOutOfRange), nil
		}
		if !c.ColorAllowed(px.Color, role >= identity.RoleMod) {
			return reject(protocol.InvalidColor), nil
		}
		x, y, z := c.Coords(req.I, req.J, px.Offset)
		hx, hy := x, y
		if c.Voxel {
			hy = z
		}
		if role < identity.RoleMod && c.Protected(hx, hy) {
			return reject(protocol.Protected), nil
		}
		ranks[n] = c.Ranked && pcd != 0 && id.Registered() && !c.Unranked(hx, hy)
		entries[n] = audit.Entry{
			Time:   now,
			IP:     id.IP(),
			UserID: id.UserID(),
			Canvas: c.ID,
			X:      x,
			Y:      y,
			Z:      z,
			Color:  px.Color,
		}
	}

	var grace int64
	if !id.Registered() && !req.ConnectedAt.IsZero() {
		if age := now.Sub(req.ConnectedAt).Milliseconds(); age < c.StackLimit {
			grace = int64(math.Floor(float64(c.StackLimit-age) * factor))
		}
	}

	if p.deps.Settings.VerificationRequired() && !id.Verified() {
		return reject(protocol.VerificationRequired), nil
	}

	ip := id.IP()
	if !p.inflight.acquire(ip) {
		return reject(protocol.SimultaneousRequest), nil
	}
	defer p.inflight.release(ip)

	allowance, err := id.Allowance(ctx)
	if err != nil {
		return Result{}, &StoreError{Op: "allowance", Err: err}
	}
	if allowance.Banned {
		return reject(protocol.Banned), nil
	}

	costs, err := p.costs(ctx, c, req, bcd, pcd)
	if err != nil {
		return Result{}, err
	}
	qr, err := p.deps.Quota.AllowPlace(ctx, QuotaRequest{
		IP:         ip,
		UserID:     id.UserID(),
		Canvas:     c.CooldownCanvas(),
		StackLimit: c.StackLimit,
		Grace:      grace,
		Costs:      costs,
		Ranks:      ranks,
	})
	if err != nil {
		return Result{}, &StoreError{Op: "allow place", Err: err}
	}
	allowed := min(max(qr.Allowed, 0), len(req.Pixels))
	if allowed > 0 && allowance.Proxy {
		p.logger.Info().Str("ip", ip).Int("pixels", allowed).Msg("proxy placement rejected")
		return reject(protocol.ProxyAbuse), nil
	}

	if allowed > 0 {
		applied := req.Pixels[:allowed]
		if err := p.deps.Chunks.SetPixels(ctx, c.ID, req.I, req.J, applied); err != nil {
			return Result{}, &StoreError{Op: "set pixels", Err: err}
		}
		p.deps.Broadcast.BroadcastPixels(c.ID, protocol.NewChunkID(req.I, req.J),
			protocol.EncodePixelUpdate(req.I, req.J, applied))
	}
	p.deps.Audit.Record(entries...)

	return Result{
		Code:       qr.Code,
		WaitMs:     qr.WaitMs,
		CooldownMs: qr.CooldownMs,
		Pixels:     allowed,
		Ranked:     qr.Ranked,
	}, nil
}

func (p *Pipeline) factor(c *canvas.Canvas, id identity.Identity, pixels []protocol.Pixel) float64 {
	switch id.Role() {
	case identity.RoleAdmin:
		return 0
	case identity.RoleMod:
		onlyIgnored := true
		for _, px := range pixels {
			if int(px.Color) >= c.ColorIgnore {
				onlyIgnored = false
				break
			}
		}
		if onlyIgnored {
			return 0
		}
	}
	return p.deps.Settings.CooldownFactor() * p.deps.Factors.Factor(id.Country(), id.IP())
}

// costs prices each pixel: bcd when it overwrites a colour below the ignore
// threshold, pcd otherwise. The chunk is only read when the two differ.
func (p *Pipeline) costs(ctx context.Context, c *canvas.Canvas, req Request, bcd, pcd int64) ([]int64, error) {
	costs := make([]int64, len(req.Pixels))
	if bcd == pcd {
		for n := range costs {
			costs[n] = pcd
		}
		return costs, nil
	}
	chunk, err := p.deps.Chunks.GetChunk(ctx, c.ID, req.I, req.J)
	if err != nil {
		return nil, &StoreError{Op: "get chunk", Err: err}
	}
	for n, px := range req.Pixels {
		var old uint8
		if int(px.Offset) < len(chunk) {
			old = chunk[px.Offset]
		}
		if int(old) < c.ColorIgnore {
			costs[n] = bcd
		} else {
			costs[n] = pcd
		}
	}
	return costs, nil
}
