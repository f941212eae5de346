// Package gpu holds a host-memory stand-in for the renderer's mesh allocator.
package gpu

import (
	"errors"
	"sync"

	"voxstream.dev/internal/sim/mesh"
)

var (
	ErrOutOfMemory = errors.New("gpu: out of buffer memory")
	ErrResident    = errors.New("gpu: mesh already resident")
)

type buffer struct {
	vertices  int
	indices   []uint32
	triangles int
}

type Stats struct {
	Resident      int   `json:"resident"`
	Triangles     int   `json:"triangles"`
	Allocs        int64 `json:"allocs"`
	Deallocs      int64 `json:"deallocs"`
	FailedAllocs  int64 `json:"failed_allocs"`
	ResidentBytes int64 `json:"resident_bytes"`
}

// MemAllocator copies mesh buffers into host memory and hands out opaque
// tokens. MaxResident bounds the number of live buffers; zero means unbounded.
type MemAllocator struct {
	MaxResident int

	mu      sync.Mutex
	next    uint64
	buffers map[uint64]*buffer
	stats   Stats
}

func NewMemAllocator(maxResident int) *MemAllocator {
	return &MemAllocator{MaxResident: maxResident, buffers: map[uint64]*buffer{}}
}

// Alloc uploads m and attaches a fresh token to it.
func (a *MemAllocator) Alloc(m *mesh.ChunkMesh) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m.Token != 0 {
		if _, ok := a.buffers[m.Token]; ok {
			return ErrResident
		}
	}
	if a.MaxResident > 0 && len(a.buffers) >= a.MaxResident {
		a.stats.FailedAllocs++
		return ErrOutOfMemory
	}
	a.next++
	b := &buffer{
		vertices:  len(m.Vertices),
		indices:   append([]uint32(nil), m.Indices...),
		triangles: m.TriangleCount(),
	}
	a.buffers[a.next] = b
	m.Token = a.next

	a.stats.Allocs++
	a.stats.Resident = len(a.buffers)
	a.stats.Triangles += b.triangles
	a.stats.ResidentBytes += b.size()
	return nil
}

// Dealloc releases the buffer behind m's token and clears the token.
// Meshes without a live token are ignored.
func (a *MemAllocator) Dealloc(m *mesh.ChunkMesh) {
	if m == nil || m.Token == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[m.Token]
	if !ok {
		m.Token = 0
		return
	}
	delete(a.buffers, m.Token)
	m.Token = 0

	a.stats.Deallocs++
	a.stats.Resident = len(a.buffers)
	a.stats.Triangles -= b.triangles
	a.stats.ResidentBytes -= b.size()
}

// Resident reports whether m's token names a live buffer. The stand-in
// uploads synchronously, so a successful Alloc is immediately resident.
func (a *MemAllocator) Resident(m *mesh.ChunkMesh) bool {
	if m == nil || m.Token == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.buffers[m.Token]
	return ok
}

// Triangles is what a draw of the token's buffer would rasterize.
func (a *MemAllocator) Triangles(token uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buffers[token]; ok {
		return b.triangles
	}
	return 0
}

func (a *MemAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (b *buffer) size() int64 {
	const vertexBytes = 4 * (3 + 3 + 2 + 1)
	return int64(b.vertices*vertexBytes + len(b.indices)*mesh.IndexSize)
}
