// Package access builds multi-chunk voxel views over the chunk arena.
//
// Acquisition is all-or-nothing and never blocks: either every chunk of the
// requested neighborhood is locked, or none is and the caller retries later.
// Because no goroutine ever waits while holding a subset of locks, jobs that
// overlap cannot deadlock.
package access

import (
	"fmt"

	"voxstream.dev/internal/sim/arena"
	"voxstream.dev/internal/sim/voxel"
)

// Chunks is the arena that owns generated chunk data.
type Chunks = arena.Arena[*voxel.Chunk]

// Neighborhood is a set of chunk offsets around a center chunk.
type Neighborhood []voxel.ChunkPos

var (
	// VonNeumann is the 4 face-adjacent chunks. Meshing only looks across faces.
	VonNeumann = Neighborhood{
		{X: 1, Z: 0}, {X: -1, Z: 0}, {X: 0, Z: 1}, {X: 0, Z: -1},
	}
	// Moore is the 8 edge and corner chunks. Decoration may write near corners.
	Moore = Neighborhood{
		{X: 1, Z: 0}, {X: -1, Z: 0}, {X: 0, Z: 1}, {X: 0, Z: -1},
		{X: 1, Z: 1}, {X: 1, Z: -1}, {X: -1, Z: 1}, {X: -1, Z: -1},
	}
)

// Around returns center followed by its neighbors.
func Around(center voxel.ChunkPos, hood Neighborhood) []voxel.ChunkPos {
	out := make([]voxel.ChunkPos, 0, len(hood)+1)
	out = append(out, center)
	for _, off := range hood {
		out = append(out, center.Add(off))
	}
	return out
}

// Target names one chunk to lock.
type Target struct {
	Pos    voxel.ChunkPos
	Handle arena.Index
}

type Factory struct {
	chunks *Chunks
}

func NewFactory(chunks *Chunks) *Factory {
	return &Factory{chunks: chunks}
}

// GetReader takes shared locks on every target. On any failure the locks
// taken so far are released and ok is false.
func (f *Factory) GetReader(targets []Target) (*VoxelFetcher, bool) {
	vf := &VoxelFetcher{chunks: make(map[voxel.ChunkPos]*voxel.Chunk, len(targets))}
	for _, t := range targets {
		g, err := f.chunks.Get(t.Handle)
		if err != nil {
			vf.Release()
			return nil, false
		}
		vf.release = append(vf.release, g.Release)
		c := g.Value()
		if c == nil || c.Pos != t.Pos {
			vf.Release()
			return nil, false
		}
		vf.chunks[t.Pos] = c
	}
	return vf, true
}

// GetWriter takes exclusive locks on every target with the same
// all-or-nothing contract as GetReader.
func (f *Factory) GetWriter(targets []Target) (*VoxelSetter, bool) {
	vs := &VoxelSetter{VoxelFetcher{chunks: make(map[voxel.ChunkPos]*voxel.Chunk, len(targets))}}
	for _, t := range targets {
		g, err := f.chunks.GetMut(t.Handle)
		if err != nil {
			vs.Release()
			return nil, false
		}
		vs.release = append(vs.release, g.Release)
		c := g.Value()
		if c == nil || c.Pos != t.Pos {
			vs.Release()
			return nil, false
		}
		vs.chunks[t.Pos] = c
	}
	return vs, true
}

// VoxelFetcher reads voxels by world coordinate across its locked chunks.
type VoxelFetcher struct {
	chunks  map[voxel.ChunkPos]*voxel.Chunk
	release []func()
}

// Get returns Air above and below the world. Asking for a column whose chunk
// was not acquired panics: the caller's neighborhood is too small.
func (f *VoxelFetcher) Get(wx, wy, wz int) voxel.Voxel {
	if wy < 0 || wy >= voxel.SizeY {
		return voxel.Voxel{}
	}
	c, lx, lz := f.owner(wx, wz)
	return c.At(lx, wy, lz)
}

// Covers reports whether the world column belongs to an acquired chunk.
func (f *VoxelFetcher) Covers(wx, wz int) bool {
	_, ok := f.chunks[voxel.ChunkOf(wx, wz)]
	return ok
}

// Chunk returns the locked chunk at pos, or nil.
func (f *VoxelFetcher) Chunk(pos voxel.ChunkPos) *voxel.Chunk {
	return f.chunks[pos]
}

func (f *VoxelFetcher) owner(wx, wz int) (*voxel.Chunk, int, int) {
	pos := voxel.ChunkOf(wx, wz)
	c, ok := f.chunks[pos]
	if !ok {
		panic(fmt.Sprintf("access: chunk %+v (world %d,%d) outside acquired neighborhood", pos, wx, wz))
	}
	lx, lz := voxel.Local(wx, wz)
	return c, lx, lz
}

// Release drops every lock. Safe to call more than once and from a different
// goroutine than the one that acquired the view.
func (f *VoxelFetcher) Release() {
	if f == nil {
		return
	}
	for i := len(f.release) - 1; i >= 0; i-- {
		f.release[i]()
	}
	f.release = nil
	f.chunks = nil
}

// VoxelSetter is a VoxelFetcher that may also write.
type VoxelSetter struct {
	VoxelFetcher
}

// Set ignores writes above or below the world.
func (s *VoxelSetter) Set(wx, wy, wz int, v voxel.Voxel) {
	if wy < 0 || wy >= voxel.SizeY {
		return
	}
	c, lx, lz := s.owner(wx, wz)
	c.Set(lx, wy, lz, v)
}
