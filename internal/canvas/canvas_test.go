package canvas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func palette(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "#000000"
	}
	return out
}

func TestBuildGeometry(t *testing.T) {
	flat, err := Definition{ID: 0, Size: 1024, Palette: palette(32), ColorIgnore: 2}.Build()
	require.NoError(t, err)
	assert.Equal(t, 4, flat.ChunksPerSide())
	assert.Equal(t, 256*256, flat.ChunkCapacity())

	voxel, err := Definition{ID: 2, Size: 1024, Palette: palette(32), Voxel: true}.Build()
	require.NoError(t, err)
	assert.Equal(t, 32, voxel.ChunksPerSide())
	assert.Equal(t, 32*32*128, voxel.ChunkCapacity())
}

func TestBuildRejects(t *testing.T) {
	cases := map[string]Definition{
		"size not tile multiple": {Size: 1000, Palette: palette(2)},
		"grid too large":         {Size: 256 * 257, Palette: palette(2)},
		"no palette":             {Size: 256},
		"bad colour":             {Size: 256, Palette: []string{"#zzzzzz"}},
		"negative cooldown":      {Size: 256, Palette: palette(2), BaseCooldown: -1},
		"stack limit missing":    {Size: 256, Palette: palette(2), BaseCooldown: 3000},
		"stack below pcd":        {Size: 256, Palette: palette(2), BaseCooldown: 1000, PixelCooldown: 5000, StackLimit: 4000},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Build()
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestCoordsCentred(t *testing.T) {
	c, err := Definition{Size: 512, Palette: palette(2)}.Build()
	require.NoError(t, err)

	x, y, z := c.Coords(0, 0, 0)
	assert.Equal(t, []int{-256, -256, 0}, []int{x, y, z})

	x, y, _ = c.Coords(1, 1, 256*3+5)
	assert.Equal(t, 5, x)
	assert.Equal(t, 3, y)
}

func TestVoxelCoords(t *testing.T) {
	c, err := Definition{Size: 64, Palette: palette(2), Voxel: true}.Build()
	require.NoError(t, err)

	x, y, z := c.Coords(1, 0, 32*32*7+32*2+3)
	assert.Equal(t, 3, x)
	assert.Equal(t, 7, y)
	assert.Equal(t, -30, z)
}

func TestColorAllowed(t *testing.T) {
	flat := &Canvas{Palette: make([]RGB, 8), ColorIgnore: 2}
	assert.False(t, flat.ColorAllowed(8, true))
	assert.False(t, flat.ColorAllowed(1, false))
	assert.True(t, flat.ColorAllowed(1, true))
	assert.True(t, flat.ColorAllowed(2, false))

	voxel := &Canvas{Palette: make([]RGB, 8), ColorIgnore: 2, Voxel: true}
	assert.True(t, voxel.ColorAllowed(0, false))
	assert.False(t, voxel.ColorAllowed(1, false))
}

func TestRegions(t *testing.T) {
	c := &Canvas{
		ProtectedRegions: []Region{{X0: -10, Y0: -10, X1: 10, Y1: 10}},
		UnrankedRegions:  []Region{{X0: 100, Y0: 0, X1: 200, Y1: 50}},
	}
	assert.True(t, c.Protected(10, -10))
	assert.False(t, c.Protected(11, 0))
	assert.True(t, c.Unranked(150, 50))
	assert.False(t, c.Unranked(150, 51))
}

func TestRegistry(t *testing.T) {
	linked := uint8(0)
	r, err := NewRegistry([]Definition{
		{ID: 1, Size: 256, Palette: palette(4), LinkedCooldown: &linked},
		{ID: 0, Size: 256, Palette: palette(4)},
	})
	require.NoError(t, err)

	c, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint8(0), c.CooldownCanvas())
	assert.Len(t, r.All(), 2)
	assert.Equal(t, uint8(0), r.All()[0].ID)

	_, ok = r.Get(9)
	assert.False(t, ok)

	missing := uint8(7)
	_, err = NewRegistry([]Definition{{ID: 1, Size: 256, Palette: palette(4), LinkedCooldown: &missing}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = NewRegistry([]Definition{{ID: 1, Size: 256, Palette: palette(4)}, {ID: 1, Size: 256, Palette: palette(4)}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}
