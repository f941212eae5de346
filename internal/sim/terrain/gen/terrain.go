// Package gen is the default headless world content: a hashed heightmap with
// biome-dependent surfaces and a tree decorator. Every function is pure over
// its configuration, so workers may call it concurrently.
package gen

import (
	"math"

	"voxstream.dev/internal/sim/voxel"
)

type Terrain struct {
	Seed            int64
	SeaLevel        int
	BaseHeight      int
	Amplitude       int
	NoiseScale      int
	BiomeRegionSize int
	// Boulder clusters of exposed stone.
	StoneClusterPermille int
}

func DefaultTerrain(seed int64) *Terrain {
	return &Terrain{
		Seed:                 seed,
		SeaLevel:             20,
		BaseHeight:           22,
		Amplitude:            14,
		NoiseScale:           24,
		BiomeRegionSize:      96,
		StoneClusterPermille: 300,
	}
}

func smooth(t float64) float64 { return t * t * (3 - 2*t) }

// valueNoise is bilinear interpolation of hashed lattice values, in [0, 1).
func valueNoise(seed int64, x, z, scale int) float64 {
	if scale <= 0 {
		scale = 1
	}
	gx := voxel.FloorDiv(x, scale)
	gz := voxel.FloorDiv(z, scale)
	tx := smooth(float64(voxel.Mod(x, scale)) / float64(scale))
	tz := smooth(float64(voxel.Mod(z, scale)) / float64(scale))

	v00 := unit(Hash2(seed, gx, gz))
	v10 := unit(Hash2(seed, gx+1, gz))
	v01 := unit(Hash2(seed, gx, gz+1))
	v11 := unit(Hash2(seed, gx+1, gz+1))
	a := v00 + (v10-v00)*tx
	b := v01 + (v11-v01)*tx
	return a + (b-a)*tz
}

// Height is the surface height of column (x, z): the topmost filled y plus one.
func (t *Terrain) Height(x, z int) int {
	n := 0.65*valueNoise(t.Seed, x, z, t.NoiseScale) + 0.35*valueNoise(t.Seed+7, x, z, t.NoiseScale/3+1)
	h := t.BaseHeight + int(math.Round((n-0.5)*2*float64(t.Amplitude)))
	if h < 1 {
		h = 1
	}
	if h > voxel.SizeY-8 {
		h = voxel.SizeY - 8
	}
	return h
}

// SurfaceKind is the top voxel of a dry column.
func (t *Terrain) SurfaceKind(x, z int) voxel.Kind {
	switch BiomeAt(t.Seed+11, x, z, t.BiomeRegionSize) {
	case Desert:
		return voxel.Sand
	default:
		return voxel.Grass
	}
}

// Generate returns the base voxel at world (x, y, z).
func (t *Terrain) Generate(x, y, z int) voxel.Voxel {
	h := t.Height(x, z)
	switch {
	case y >= h:
		if y < t.SeaLevel {
			return voxel.Voxel{Kind: voxel.Water}
		}
		return voxel.Voxel{}
	case y < h-4:
		return voxel.Voxel{Kind: voxel.Stone}
	case y == h-1:
		if InCluster(t.Seed+202, x, z, 32, 3, uint64(ClampPermille(t.StoneClusterPermille))) {
			return voxel.Voxel{Kind: voxel.Stone}
		}
		if h <= t.SeaLevel {
			return voxel.Voxel{Kind: voxel.Sand}
		}
		return voxel.Voxel{Kind: t.SurfaceKind(x, z)}
	default:
		if t.SurfaceKind(x, z) == voxel.Sand {
			return voxel.Voxel{Kind: voxel.Sand}
		}
		return voxel.Voxel{Kind: voxel.Dirt}
	}
}

// GenerateChunk fills c column by column.
func (t *Terrain) GenerateChunk(c *voxel.Chunk) {
	ox, oz := c.Pos.Origin()
	for z := 0; z < voxel.SizeZ; z++ {
		for x := 0; x < voxel.SizeX; x++ {
			for y := 0; y < voxel.SizeY; y++ {
				c.Set(x, y, z, t.Generate(ox+x, y, oz+z))
			}
		}
	}
}
