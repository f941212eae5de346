package gen

import (
	"voxstream.dev/internal/sim/access"
	"voxstream.dev/internal/sim/voxel"
)

// CanopyRadius keeps every write of a tree rooted in a chunk inside that
// chunk's Moore neighborhood.
const CanopyRadius = 2

type Trees struct {
	Terrain *Terrain
	// Per-column chance of a tree on grass, in permille.
	ForestPermille int
	PlainsPermille int
}

func DefaultTrees(t *Terrain) *Trees {
	return &Trees{Terrain: t, ForestPermille: 30, PlainsPermille: 4}
}

// Decorate plants the trees rooted in pos. Canopies may reach into neighbor
// chunks and only replace air.
func (d *Trees) Decorate(pos voxel.ChunkPos, w *access.VoxelSetter) {
	t := d.Terrain
	ox, oz := pos.Origin()
	for lz := 0; lz < voxel.SizeZ; lz++ {
		for lx := 0; lx < voxel.SizeX; lx++ {
			wx, wz := ox+lx, oz+lz
			if !d.rooted(wx, wz) {
				continue
			}
			ground := t.Height(wx, wz)
			if ground <= t.SeaLevel {
				continue
			}
			if w.Get(wx, ground-1, wz).Kind != voxel.Grass {
				continue
			}
			trunk := 4 + int(Hash2(t.Seed+502, wx, wz)%3)
			top := ground + trunk
			for y := ground; y < top; y++ {
				w.Set(wx, y, wz, voxel.Voxel{Kind: voxel.Log})
			}
			for dy := -2; dy <= 1; dy++ {
				r := CanopyRadius
				if dy == 1 {
					r = 1
				}
				for dz := -r; dz <= r; dz++ {
					for dx := -r; dx <= r; dx++ {
						if voxel.AbsInt(dx) == r && voxel.AbsInt(dz) == r && r > 1 {
							continue
						}
						x, y, z := wx+dx, top+dy, wz+dz
						if !w.Get(x, y, z).Filled() {
							w.Set(x, y, z, voxel.Voxel{Kind: voxel.Leaves})
						}
					}
				}
			}
		}
	}
}

func (d *Trees) rooted(wx, wz int) bool {
	t := d.Terrain
	p := d.PlainsPermille
	if BiomeAt(t.Seed+11, wx, wz, t.BiomeRegionSize) == Forest {
		p = d.ForestPermille
	}
	return Hash2(t.Seed+501, wx, wz)%1000 < uint64(ClampPermille(p))
}
