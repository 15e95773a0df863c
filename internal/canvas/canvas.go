// Package canvas holds the static canvas definitions and the chunk geometry
// shared by placement, storage and fan-out.
package canvas

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// TileSize is the edge of a flat chunk in pixels.
	TileSize = 256
	// VoxelTileSize is the edge of a voxel chunk column.
	VoxelTileSize = 32
	// VoxelHeight is the number of layers in a voxel chunk.
	VoxelHeight = 128
)

type RGB [3]uint8

// Region is an inclusive rectangle in canvas coordinates. On voxel canvases
// it applies to the horizontal (x, z) plane.
type Region struct {
	X0 int `mapstructure:"x0"`
	Y0 int `mapstructure:"y0"`
	X1 int `mapstructure:"x1"`
	Y1 int `mapstructure:"y1"`
}

func (r Region) Contains(x, y int) bool {
	return x >= r.X0 && x <= r.X1 && y >= r.Y0 && y <= r.Y1
}

// Canvas is immutable once loaded.
type Canvas struct {
	ID    uint8
	Ident string
	Title string
	Size  int

	Palette     []RGB
	ColorIgnore int

	// Cooldowns in milliseconds. PixelCooldown 0 means "use BaseCooldown".
	BaseCooldown  int64
	PixelCooldown int64
	StackLimit    int64

	Ranked         bool
	Voxel          bool
	Expired        bool
	LinkedCooldown *uint8

	ProtectedRegions []Region
	UnrankedRegions  []Region
}

func (c *Canvas) TileSize() int {
	if c.Voxel {
		return VoxelTileSize
	}
	return TileSize
}

// ChunksPerSide is the edge length of the chunk grid.
func (c *Canvas) ChunksPerSide() int {
	return c.Size / c.TileSize()
}

// ChunkCapacity is the number of addressable offsets in one chunk.
func (c *Canvas) ChunkCapacity() int {
	t := c.TileSize()
	if c.Voxel {
		return t * t * VoxelHeight
	}
	return t * t
}

// CooldownCanvas is the canvas whose cooldown record a placement here uses.
func (c *Canvas) CooldownCanvas() uint8 {
	if c.LinkedCooldown != nil {
		return *c.LinkedCooldown
	}
	return c.ID
}

// Coords maps a chunk offset to centred canvas coordinates. Flat canvases
// return z = 0; voxel canvases return the layer as y.
func (c *Canvas) Coords(i, j uint8, offset uint32) (x, y, z int) {
	t := c.TileSize()
	half := c.Size / 2
	off := int(offset)
	if c.Voxel {
		layer := off / (t * t)
		rest := off % (t * t)
		return int(i)*t + rest%t - half, layer, int(j)*t + rest/t - half
	}
	return int(i)*t + off%t - half, int(j)*t + off/t - half, 0
}

// ColorAllowed reports whether colour index color is in the palette and
// usable by an identity whose role does or does not permit ignored colours.
func (c *Canvas) ColorAllowed(color uint8, privileged bool) bool {
	if int(color) >= len(c.Palette) {
		return false
	}
	if int(color) >= c.ColorIgnore || privileged {
		return true
	}
	return c.Voxel && color == 0
}

func inRegions(regions []Region, x, y int) bool {
	for _, r := range regions {
		if r.Contains(x, y) {
			return true
		}
	}
	return false
}

// Protected reports whether the horizontal position lies in a protected region.
func (c *Canvas) Protected(x, y int) bool { return inRegions(c.ProtectedRegions, x, y) }

// Unranked reports whether the horizontal position is excluded from ranking.
func (c *Canvas) Unranked(x, y int) bool { return inRegions(c.UnrankedRegions, x, y) }

// Definition is the configuration form of a canvas.
type Definition struct {
	ID               uint8    `mapstructure:"id"`
	Ident            string   `mapstructure:"ident"`
	Title            string   `mapstructure:"title"`
	Size             int      `mapstructure:"size"`
	Palette          []string `mapstructure:"palette"`
	ColorIgnore      int      `mapstructure:"colorIgnore"`
	BaseCooldown     int64    `mapstructure:"bcd"`
	PixelCooldown    int64    `mapstructure:"pcd"`
	StackLimit       int64    `mapstructure:"cds"`
	Ranked           bool     `mapstructure:"ranked"`
	Voxel            bool     `mapstructure:"voxel"`
	Expired          bool     `mapstructure:"expired"`
	LinkedCooldown   *uint8   `mapstructure:"linkedCooldown"`
	ProtectedRegions []Region `mapstructure:"protected"`
	UnrankedRegions  []Region `mapstructure:"unranked"`
}

var ErrInvalidDefinition = errors.New("invalid canvas definition")

// Build validates d and returns the runtime canvas.
func (d Definition) Build() (*Canvas, error) {
	c := &Canvas{
		ID:               d.ID,
		Ident:            d.Ident,
		Title:            d.Title,
		Size:             d.Size,
		ColorIgnore:      d.ColorIgnore,
		BaseCooldown:     d.BaseCooldown,
		PixelCooldown:    d.PixelCooldown,
		StackLimit:       d.StackLimit,
		Ranked:           d.Ranked,
		Voxel:            d.Voxel,
		Expired:          d.Expired,
		LinkedCooldown:   d.LinkedCooldown,
		ProtectedRegions: d.ProtectedRegions,
		UnrankedRegions:  d.UnrankedRegions,
	}
	if c.Size <= 0 || c.Size%c.TileSize() != 0 {
		return nil, fmt.Errorf("canvas %d: %w: size %d is not a multiple of %d", d.ID, ErrInvalidDefinition, d.Size, c.TileSize())
	}
	if c.ChunksPerSide() > 256 {
		return nil, fmt.Errorf("canvas %d: %w: %d chunks per side", d.ID, ErrInvalidDefinition, c.ChunksPerSide())
	}
	if len(d.Palette) == 0 || len(d.Palette) > 256 {
		return nil, fmt.Errorf("canvas %d: %w: palette has %d colours", d.ID, ErrInvalidDefinition, len(d.Palette))
	}
	if c.BaseCooldown < 0 || c.PixelCooldown < 0 || c.StackLimit < 0 {
		return nil, fmt.Errorf("canvas %d: %w: negative cooldown", d.ID, ErrInvalidDefinition)
	}
	if c.StackLimit < max(c.BaseCooldown, c.PixelCooldown) {
		return nil, fmt.Errorf("canvas %d: %w: stack limit %d below a single pixel cooldown", d.ID, ErrInvalidDefinition, c.StackLimit)
	}
	c.Palette = make([]RGB, len(d.Palette))
	for n, hex := range d.Palette {
		rgb, err := ParseRGB(hex)
		if err != nil {
			return nil, fmt.Errorf("canvas %d colour %d: %w", d.ID, n, err)
		}
		c.Palette[n] = rgb
	}
	return c, nil
}

// ParseRGB parses "#rrggbb" or "rrggbb".
func ParseRGB(s string) (RGB, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return RGB{}, fmt.Errorf("%w: colour %q", ErrInvalidDefinition, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("%w: colour %q: %v", ErrInvalidDefinition, s, err)
	}
	return RGB{uint8(v >> 16), uint8(v >> 8), uint8(v)}, nil
}

// Registry indexes canvases by id.
type Registry struct {
	byID map[uint8]*Canvas
}

func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{byID: make(map[uint8]*Canvas, len(defs))}
	for _, d := range defs {
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("canvas %d: %w: duplicate id", d.ID, ErrInvalidDefinition)
		}
		c, err := d.Build()
		if err != nil {
			return nil, err
		}
		r.byID[c.ID] = c
	}
	for _, c := range r.byID {
		if c.LinkedCooldown != nil {
			if _, ok := r.byID[*c.LinkedCooldown]; !ok {
				return nil, fmt.Errorf("canvas %d: %w: linked cooldown canvas %d unknown", c.ID, ErrInvalidDefinition, *c.LinkedCooldown)
			}
		}
	}
	return r, nil
}

func (r *Registry) Get(id uint8) (*Canvas, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// All returns canvases ordered by id.
func (r *Registry) All() []*Canvas {
	out := make([]*Canvas, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
