package placement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvaspix/internal/audit"
	"canvaspix/internal/canvas"
	"canvaspix/internal/identity"
	"canvaspix/internal/protocol"
)

// fakeQuota spends cooldown the way the Lua script does, under one lock.
type fakeQuota struct {
	mu   sync.Mutex
	cd   map[string]int64
	reqs []QuotaRequest
	err  error

	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func newFakeQuota() *fakeQuota { return &fakeQuota{cd: make(map[string]int64)} }

func (f *fakeQuota) AllowPlace(_ context.Context, req QuotaRequest) (QuotaResult, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	if f.err != nil {
		return QuotaResult{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)

	key := fmt.Sprintf("%d:%s", req.Canvas, req.IP)
	cd := max(f.cd[key], req.Grace)
	start := cd
	if cd > req.StackLimit {
		return QuotaResult{Code: protocol.Cooldown, WaitMs: cd}, nil
	}
	res := QuotaResult{Code: protocol.Success}
	for n, cost := range req.Costs {
		if cd+cost > req.StackLimit && (res.Allowed > 0 || start >= req.StackLimit) {
			res.Code = protocol.Cooldown
			break
		}
		cd += cost
		res.Allowed++
		if req.Ranks[n] {
			res.Ranked++
		}
	}
	f.cd[key] = cd
	res.WaitMs = cd
	res.CooldownMs = cd - start
	return res, nil
}

func (f *fakeQuota) last() QuotaRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeChunks struct {
	mu     sync.Mutex
	data   map[protocol.ChunkID][]byte
	writes int
	reads  int
}

func newFakeChunks() *fakeChunks { return &fakeChunks{data: make(map[protocol.ChunkID][]byte)} }

func (f *fakeChunks) GetChunk(_ context.Context, _, i, j uint8) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.data[protocol.NewChunkID(i, j)], nil
}

func (f *fakeChunks) SetPixels(_ context.Context, _, i, j uint8, pixels []protocol.Pixel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := protocol.NewChunkID(i, j)
	buf := f.data[id]
	if buf == nil {
		buf = make([]byte, canvas.TileSize*canvas.TileSize)
		f.data[id] = buf
	}
	for _, px := range pixels {
		buf[px.Offset] = px.Color
	}
	f.writes += len(pixels)
	return nil
}

type fakeBroadcast struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeBroadcast) BroadcastPixels(_ uint8, _ protocol.ChunkID, frame []byte) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingSink) Record(entries ...audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, entries...)
	r.mu.Unlock()
}

type settings struct {
	factor float64
	verify bool
}

func (s settings) CooldownFactor() float64 { return s.factor }

func (s settings) VerificationRequired() bool { return s.verify }

type factors map[string]float64

func (f factors) Factor(_, ip string) float64 {
	if v, ok := f[ip]; ok {
		return v
	}
	return 1
}

type canvases map[uint8]*canvas.Canvas

func (c canvases) Get(id uint8) (*canvas.Canvas, bool) {
	cv, ok := c[id]
	return cv, ok
}

type allowances map[string]identity.Allowance

func (a allowances) IPAllowance(_ context.Context, ip string) (identity.Allowance, error) {
	return a[ip], nil
}

func (a allowances) UserAllowance(context.Context, int64) (identity.Allowance, error) {
	return identity.Allowance{}, nil
}

func flatCanvas() *canvas.Canvas {
	return &canvas.Canvas{
		ID:            0,
		Size:          512,
		Palette:       make([]canvas.RGB, 8),
		ColorIgnore:   2,
		BaseCooldown:  1000,
		PixelCooldown: 1000,
		StackLimit:    10000,
		Ranked:        true,
		ProtectedRegions: []canvas.Region{
			{X0: 0, Y0: 0, X1: 9, Y1: 9},
		},
		UnrankedRegions: []canvas.Region{
			{X0: -256, Y0: -256, X1: -255, Y1: -256},
		},
	}
}

type harness struct {
	quota   *fakeQuota
	chunks  *fakeChunks
	bcast   *fakeBroadcast
	sink    *recordingSink
	allow   allowances
	setting settings
	factors factors
	now     time.Time
}

func newHarness() *harness {
	return &harness{
		quota:   newFakeQuota(),
		chunks:  newFakeChunks(),
		bcast:   &fakeBroadcast{},
		sink:    &recordingSink{},
		allow:   allowances{},
		setting: settings{factor: 1},
		factors: factors{},
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) pipeline(cvs ...*canvas.Canvas) *Pipeline {
	reg := canvases{}
	for _, c := range cvs {
		reg[c.ID] = c
	}
	return New(Deps{
		Canvases:  reg,
		Quota:     h.quota,
		Chunks:    h.chunks,
		Broadcast: h.bcast,
		Factors:   h.factors,
		Settings:  h.setting,
		Audit:     h.sink,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return h.now },
	})
}

func pixels(colors ...uint8) []protocol.Pixel {
	out := make([]protocol.Pixel, len(colors))
	for n, c := range colors {
		out[n] = protocol.Pixel{Offset: uint32(n), Color: c}
	}
	return out
}

func TestAppliesOnlyAllowedPrefix(t *testing.T) {
	h := newHarness()
	c := flatCanvas()
	c.StackLimit = 2500
	p := h.pipeline(c)

	req := Request{CanvasID: 0, I: 0, J: 0, Pixels: pixels(3, 4, 5, 6, 7), Identity: identity.NewAnonymous("1.1.1.1", "de", h.allow)}
	res, err := p.Place(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, protocol.Cooldown, res.Code)
	assert.Equal(t, 2, res.Pixels)
	assert.Equal(t, int64(2000), res.WaitMs)
	assert.Equal(t, 2, h.chunks.writes)
	chunk := h.chunks.data[protocol.NewChunkID(0, 0)]
	assert.Equal(t, []byte{3, 4, 0, 0, 0}, chunk[:5])

	require.Len(t, h.bcast.frames, 1)
	assert.Equal(t, protocol.EncodePixelUpdate(0, 0, req.Pixels[:2]), h.bcast.frames[0])
	assert.Len(t, h.sink.entries, 5, "every attempted pixel is audited")
}

func TestConcurrentRequestsNeverExceedQuota(t *testing.T) {
	h := newHarness()
	c := flatCanvas()
	// two pipelines share one store the way two shards would
	shards := []*Pipeline{h.pipeline(c), h.pipeline(c)}
	id := identity.NewAnonymous("9.9.9.9", "de", h.allow)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for n := 0; n < 40; n++ {
		wg.Add(1)
		go func(p *Pipeline) {
			defer wg.Done()
			res, err := p.Place(context.Background(), Request{Pixels: pixels(3, 4, 5), Identity: id})
			assert.NoError(t, err)
			applied.Add(int32(res.Pixels))
		}(shards[n%2])
	}
	wg.Wait()

	limit := int32(c.StackLimit / c.PixelCooldown)
	assert.LessOrEqual(t, applied.Load(), limit)
	assert.GreaterOrEqual(t, applied.Load(), int32(1))
	assert.Equal(t, int(applied.Load()), h.chunks.writes)
}

func TestModeratorIgnoredColorsSkipCooldown(t *testing.T) {
	h := newHarness()
	h.setting.factor = 3
	c := flatCanvas()
	c.BaseCooldown = 5000
	c.PixelCooldown = 2500
	c.StackLimit = 60000
	p := h.pipeline(c)
	mod := identity.NewRegistered("2.2.2.2", "de", h.allow, 5, "mod", identity.RoleMod, true)

	res, err := p.Place(context.Background(), Request{Pixels: pixels(0, 1, 0), Identity: mod})
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, res.Code)
	assert.Equal(t, 3, res.Pixels)
	assert.Zero(t, res.CooldownMs)
	assert.Equal(t, []int64{0, 0, 0}, h.quota.last().Costs)
	assert.Zero(t, h.chunks.reads, "equal effective cooldowns need no chunk read")

	res, err = p.Place(context.Background(), Request{Pixels: pixels(0, 4), Identity: mod})
	require.NoError(t, err)
	// both offsets already hold ignored colours, so both pay the base cooldown
	assert.Equal(t, []int64{15000, 15000}, h.quota.last().Costs)
	assert.Equal(t, int64(30000), res.CooldownMs)
}

func TestAdminNeverPaysCooldown(t *testing.T) {
	h := newHarness()
	p := h.pipeline(flatCanvas())
	admin := identity.NewRegistered("2.2.2.2", "de", h.allow, 1, "root", identity.RoleAdmin, true)

	res, err := p.Place(context.Background(), Request{Pixels: pixels(5, 6, 7), Identity: admin})
	require.NoError(t, err)
	assert.Zero(t, res.CooldownMs)
	assert.Equal(t, []bool{false, false, false}, h.quota.last().Ranks, "zero pixel cooldown is never ranked")
}

func TestSecondRequestWhileInFlightNeverReachesStore(t *testing.T) {
	h := newHarness()
	h.quota.entered = make(chan struct{})
	h.quota.gate = make(chan struct{})
	p := h.pipeline(flatCanvas())
	id := identity.NewAnonymous("3.3.3.3", "de", h.allow)
	req := Request{Pixels: pixels(4), Identity: id}

	done := make(chan Result)
	go func() {
		res, err := p.Place(context.Background(), req)
		assert.NoError(t, err)
		done <- res
	}()
	<-h.quota.entered

	res, err := p.Place(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.SimultaneousRequest, res.Code)
	assert.Equal(t, int32(1), h.quota.calls.Load())

	close(h.quota.gate)
	assert.Equal(t, protocol.Success, (<-done).Code)

	h.quota.entered = nil
	res, err = p.Place(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, res.Code)
	assert.Equal(t, int32(2), h.quota.calls.Load())
}

func TestValidationCodes(t *testing.T) {
	expired := flatCanvas()
	expired.ID = 1
	expired.Expired = true
	voxel := &canvas.Canvas{ID: 2, Size: 64, Palette: make([]canvas.RGB, 4), ColorIgnore: 2, BaseCooldown: 100, StackLimit: 1000, Voxel: true}

	tests := []struct {
		name   string
		req    Request
		role   identity.Role
		expect protocol.ReturnCode
	}{
		{"unknown canvas", Request{CanvasID: 9, Pixels: pixels(4)}, identity.RoleUser, protocol.InvalidCanvas},
		{"expired canvas", Request{CanvasID: 1, Pixels: pixels(4)}, identity.RoleUser, protocol.InvalidCanvas},
		{"chunk x", Request{I: 2, Pixels: pixels(4)}, identity.RoleUser, protocol.XOutOfRange},
		{"chunk y", Request{J: 2, Pixels: pixels(4)}, identity.RoleUser, protocol.YOutOfRange},
		{"voxel chunk z", Request{CanvasID: 2, J: 2, Pixels: pixels(3)}, identity.RoleUser, protocol.ZOutOfRange},
		{"offset", Request{Pixels: []protocol.Pixel{{Offset: 256 * 256, Color: 4}}}, identity.RoleUser, protocol.OffsetOutOfRange},
		{"voxel offset", Request{CanvasID: 2, Pixels: []protocol.Pixel{{Offset: 32 * 32 * 128, Color: 3}}}, identity.RoleUser, protocol.ZOutOfRange},
		{"palette", Request{Pixels: pixels(8)}, identity.RoleUser, protocol.InvalidColor},
		{"ignored colour", Request{Pixels: pixels(4, 1)}, identity.RoleUser, protocol.InvalidColor},
		{"protected", Request{I: 1, J: 1, Pixels: pixels(4)}, identity.RoleUser, protocol.Protected},
		{"protected as mod", Request{I: 1, J: 1, Pixels: pixels(4)}, identity.RoleMod, protocol.Success},
		{"voxel unset colour", Request{CanvasID: 2, Pixels: pixels(0)}, identity.RoleUser, protocol.Success},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			p := h.pipeline(flatCanvas(), expired, voxel)
			tt.req.Identity = identity.NewRegistered("4.4.4.4", "de", h.allow, 3, "u", tt.role, true)
			res, err := p.Place(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, res.Code)
			if tt.expect != protocol.Success {
				assert.Zero(t, h.quota.calls.Load())
				assert.Empty(t, h.sink.entries)
			}
		})
	}
}

func TestProxyRejectedAfterQuotaSpent(t *testing.T) {
	h := newHarness()
	h.allow["5.5.5.5"] = identity.Allowance{Proxy: true}
	p := h.pipeline(flatCanvas())

	res, err := p.Place(context.Background(), Request{Pixels: pixels(4), Identity: identity.NewAnonymous("5.5.5.5", "de", h.allow)})
	require.NoError(t, err)
	assert.Equal(t, protocol.ProxyAbuse, res.Code)
	assert.Equal(t, int32(1), h.quota.calls.Load())
	assert.Zero(t, h.chunks.writes)
	assert.Empty(t, h.bcast.frames)
}

func TestBannedNeverReachesStore(t *testing.T) {
	h := newHarness()
	h.allow["6.6.6.6"] = identity.Allowance{Banned: true}
	p := h.pipeline(flatCanvas())

	res, err := p.Place(context.Background(), Request{Pixels: pixels(4), Identity: identity.NewAnonymous("6.6.6.6", "de", h.allow)})
	require.NoError(t, err)
	assert.Equal(t, protocol.Banned, res.Code)
	assert.Zero(t, h.quota.calls.Load())
}

func TestVerificationRequired(t *testing.T) {
	h := newHarness()
	h.setting.verify = true
	p := h.pipeline(flatCanvas())

	res, err := p.Place(context.Background(), Request{Pixels: pixels(4), Identity: identity.NewAnonymous("7.7.7.7", "de", h.allow)})
	require.NoError(t, err)
	assert.Equal(t, protocol.VerificationRequired, res.Code)

	verified := identity.NewRegistered("7.7.7.7", "de", h.allow, 8, "v", identity.RoleUser, true)
	res, err = p.Place(context.Background(), Request{Pixels: pixels(4), Identity: verified})
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, res.Code)
}

func TestGraceForFreshAnonymousConnection(t *testing.T) {
	h := newHarness()
	h.factors["8.8.8.8"] = 0.5
	c := flatCanvas()
	c.StackLimit = 60000
	p := h.pipeline(c)

	anon := identity.NewAnonymous("8.8.8.8", "de", h.allow)
	_, err := p.Place(context.Background(), Request{Pixels: pixels(4), Identity: anon, ConnectedAt: h.now.Add(-10 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, int64(25000), h.quota.last().Grace)

	_, err = p.Place(context.Background(), Request{Pixels: pixels(4), Identity: anon, ConnectedAt: h.now.Add(-2 * time.Minute)})
	require.NoError(t, err)
	assert.Zero(t, h.quota.last().Grace)

	user := identity.NewRegistered("8.8.8.8", "de", h.allow, 4, "u", identity.RoleUser, false)
	_, err = p.Place(context.Background(), Request{Pixels: pixels(4), Identity: user, ConnectedAt: h.now})
	require.NoError(t, err)
	assert.Zero(t, h.quota.last().Grace)
}

func TestStoreErrorAppliesNothing(t *testing.T) {
	h := newHarness()
	h.quota.err = errors.New("redis down")
	p := h.pipeline(flatCanvas())
	req := Request{Pixels: pixels(4), Identity: identity.NewAnonymous("1.2.3.4", "de", h.allow)}

	_, err := p.Place(context.Background(), req)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "allow place", se.Op)
	assert.Zero(t, h.chunks.writes)

	h.quota.err = nil
	res, err := p.Place(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, res.Code, "in-flight marker released after an error")
}

func TestCostDependsOnOverwrittenColour(t *testing.T) {
	h := newHarness()
	c := flatCanvas()
	c.BaseCooldown = 4000
	c.PixelCooldown = 1000
	c.StackLimit = 60000
	chunk := make([]byte, canvas.TileSize*canvas.TileSize)
	chunk[1] = 5
	h.chunks.data[protocol.NewChunkID(0, 0)] = chunk
	p := h.pipeline(c)

	_, err := p.Place(context.Background(), Request{Pixels: pixels(4, 4, 4), Identity: identity.NewAnonymous("1.2.3.4", "de", h.allow)})
	require.NoError(t, err)
	assert.Equal(t, []int64{4000, 1000, 4000}, h.quota.last().Costs)
}

func TestRankedOnlyForRegisteredOutsideUnranked(t *testing.T) {
	h := newHarness()
	p := h.pipeline(flatCanvas())

	user := identity.NewRegistered("1.2.3.4", "de", h.allow, 4, "u", identity.RoleUser, true)
	res, err := p.Place(context.Background(), Request{Pixels: pixels(4, 4, 4), Identity: user})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true}, h.quota.last().Ranks)
	assert.Equal(t, 1, res.Ranked)

	anon := identity.NewAnonymous("4.3.2.1", "de", h.allow)
	_, err = p.Place(context.Background(), Request{Pixels: pixels(4, 4, 4), Identity: anon})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false}, h.quota.last().Ranks)
}

func TestResultFrame(t *testing.T) {
	r := Result{Code: protocol.Cooldown, WaitMs: 12000, CooldownMs: 2500, Pixels: 300, Ranked: 2}
	pr, err := protocol.DecodePixelReturn(r.Frame())
	require.NoError(t, err)
	assert.Equal(t, protocol.PixelReturn{Code: protocol.Cooldown, WaitMs: 12000, CooldownSeconds: 3, Pixels: 255, Ranked: 2}, pr)
}

func TestInflightMarkerGoesStale(t *testing.T) {
	now := time.Unix(0, 0)
	f := newInflight(InflightStale, func() time.Time { return now })
	require.True(t, f.acquire("ip"))
	assert.False(t, f.acquire("ip"))
	now = now.Add(InflightStale)
	assert.True(t, f.acquire("ip"))
	f.release("ip")
	assert.True(t, f.acquire("ip"))
}
