// Package mesh turns chunk voxels into greedy-merged quads.
package mesh

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"voxstream.dev/internal/sim/voxel"
)

// IndexSize is the byte width of one index in Indices.
const IndexSize = 4

// Fetcher answers voxel lookups in world coordinates. It is consulted only
// for voxels outside the chunk being meshed.
type Fetcher interface {
	Get(wx, wy, wz int) voxel.Voxel
}

type Vertex struct {
	// Pos is chunk-local; add the chunk origin for world space.
	Pos    mgl32.Vec3
	Normal mgl32.Vec3
	// UV spans the merged rectangle so textures tile once per voxel.
	UV   mgl32.Vec2
	Kind voxel.Kind
}

// TransparentFace locates one transparent quad inside Indices.
type TransparentFace struct {
	// Center is in world space.
	Center mgl32.Vec3
	// Offset is the byte offset of the quad's six indices.
	Offset int
}

// ChunkMesh holds opaque quads first, then transparent quads.
type ChunkMesh struct {
	Pos         voxel.ChunkPos
	Vertices    []Vertex
	Indices     []uint32
	Transparent []TransparentFace

	// Token is set by the allocator while the mesh is resident. Zero means none.
	Token uint64
}

func (m *ChunkMesh) QuadCount() int {
	if m == nil {
		return 0
	}
	return len(m.Indices) / 6
}

func (m *ChunkMesh) TriangleCount() int {
	if m == nil {
		return 0
	}
	return len(m.Indices) / 3
}

// OpaqueIndexCount is the length of the opaque prefix of Indices.
func (m *ChunkMesh) OpaqueIndexCount() int {
	return len(m.Indices) - 6*len(m.Transparent)
}

// SortTransparent reorders the transparent quads back-to-front as seen from eye.
// Vertices are untouched; only index groups and their offsets move.
func (m *ChunkMesh) SortTransparent(eye mgl32.Vec3) {
	if m == nil || len(m.Transparent) < 2 {
		return
	}
	type group struct {
		face TransparentFace
		dist float32
		idx  [6]uint32
	}
	groups := make([]group, len(m.Transparent))
	for i, f := range m.Transparent {
		g := group{face: f}
		d := f.Center.Sub(eye)
		g.dist = d.Dot(d)
		copy(g.idx[:], m.Indices[f.Offset/IndexSize:f.Offset/IndexSize+6])
		groups[i] = g
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].dist > groups[j].dist })

	at := m.OpaqueIndexCount()
	for i := range groups {
		copy(m.Indices[at:at+6], groups[i].idx[:])
		m.Transparent[i] = TransparentFace{Center: groups[i].face.Center, Offset: at * IndexSize}
		at += 6
	}
}

type face uint8

const (
	noFace face = iota
	// farFace is owned by the voxel after the slice plane and faces -d.
	farFace
	// nearFace is owned by the voxel before the slice plane and faces +d.
	nearFace
)

type cell struct {
	dir  face
	kind voxel.Kind
}

type quad struct {
	corners [4]mgl32.Vec3
	normal  mgl32.Vec3
	w, h    float32
	kind    voxel.Kind
	flip    bool
}

type builder struct {
	c      *voxel.Chunk
	f      Fetcher
	ox, oz int
}

func (b *builder) sample(x, y, z int) voxel.Voxel {
	if y < 0 || y >= voxel.SizeY {
		return voxel.Voxel{}
	}
	if voxel.InBounds(x, y, z) {
		return b.c.At(x, y, z)
	}
	if b.f == nil {
		return voxel.Voxel{}
	}
	return b.f.Get(b.ox+x, y, b.oz+z)
}

// Build greedy-meshes c. Voxels of neighboring chunks only cull faces; faces
// are emitted for this chunk's voxels alone so shared boundaries are drawn once.
// A nil fetcher treats everything outside the chunk as air.
func Build(c *voxel.Chunk, f Fetcher) *ChunkMesh {
	b := &builder{c: c, f: f}
	b.ox, b.oz = c.Pos.Origin()

	var opaque, transparent []quad
	dims := [3]int{voxel.SizeX, voxel.SizeY, voxel.SizeZ}

	for d := 0; d < 3; d++ {
		u := (d + 1) % 3
		v := (d + 2) % 3
		var x, q [3]int
		q[d] = 1
		mask := make([]cell, dims[u]*dims[v])

		for x[d] = -1; x[d] < dims[d]; x[d]++ {
			n := 0
			for x[v] = 0; x[v] < dims[v]; x[v]++ {
				for x[u] = 0; x[u] < dims[u]; x[u]++ {
					near := b.sample(x[0], x[1], x[2])
					far := b.sample(x[0]+q[0], x[1]+q[1], x[2]+q[2])
					mask[n] = cell{}
					switch {
					case near.Filled() == far.Filled():
					case far.Filled():
						if x[d]+1 < dims[d] {
							mask[n] = cell{dir: farFace, kind: far.Kind}
						}
					default:
						if x[d] >= 0 {
							mask[n] = cell{dir: nearFace, kind: near.Kind}
						}
					}
					n++
				}
			}

			n = 0
			for j := 0; j < dims[v]; j++ {
				for i := 0; i < dims[u]; {
					m := mask[n]
					if m.dir == noFace {
						i++
						n++
						continue
					}
					w := 1
					for i+w < dims[u] && mask[n+w] == m {
						w++
					}
					h := 1
				grow:
					for ; j+h < dims[v]; h++ {
						for k := 0; k < w; k++ {
							if mask[n+k+h*dims[u]] != m {
								break grow
							}
						}
					}

					var base, du, dv [3]int
					base[d] = x[d] + 1
					base[u] = i
					base[v] = j
					du[u] = w
					dv[v] = h
					qd := quad{
						w:    float32(w),
						h:    float32(h),
						kind: m.kind,
						flip: m.dir == farFace,
					}
					qd.corners[0] = vec(base, [3]int{}, [3]int{})
					qd.corners[1] = vec(base, du, [3]int{})
					qd.corners[2] = vec(base, du, dv)
					qd.corners[3] = vec(base, [3]int{}, dv)
					qd.normal[d] = 1
					if qd.flip {
						qd.normal[d] = -1
					}
					if (voxel.Voxel{Kind: m.kind}).Transparent() {
						transparent = append(transparent, qd)
					} else {
						opaque = append(opaque, qd)
					}

					for l := 0; l < h; l++ {
						for k := 0; k < w; k++ {
							mask[n+k+l*dims[u]] = cell{}
						}
					}
					i += w
					n += w
				}
			}
		}
	}

	out := &ChunkMesh{
		Pos:      c.Pos,
		Vertices: make([]Vertex, 0, 4*(len(opaque)+len(transparent))),
		Indices:  make([]uint32, 0, 6*(len(opaque)+len(transparent))),
	}
	for _, qd := range opaque {
		out.emit(qd)
	}
	origin := mgl32.Vec3{float32(b.ox), 0, float32(b.oz)}
	for _, qd := range transparent {
		offset := len(out.Indices) * IndexSize
		out.emit(qd)
		center := qd.corners[0].Add(qd.corners[2]).Mul(0.5).Add(origin)
		out.Transparent = append(out.Transparent, TransparentFace{Center: center, Offset: offset})
	}
	return out
}

func vec(base, du, dv [3]int) mgl32.Vec3 {
	return mgl32.Vec3{
		float32(base[0] + du[0] + dv[0]),
		float32(base[1] + du[1] + dv[1]),
		float32(base[2] + du[2] + dv[2]),
	}
}

func (m *ChunkMesh) emit(qd quad) {
	first := uint32(len(m.Vertices))
	uvs := [4]mgl32.Vec2{{0, 0}, {qd.w, 0}, {qd.w, qd.h}, {0, qd.h}}
	for k := 0; k < 4; k++ {
		m.Vertices = append(m.Vertices, Vertex{
			Pos:    qd.corners[k],
			Normal: qd.normal,
			UV:     uvs[k],
			Kind:   qd.kind,
		})
	}
	if qd.flip {
		m.Indices = append(m.Indices, first, first+2, first+1, first, first+3, first+2)
	} else {
		m.Indices = append(m.Indices, first, first+1, first+2, first, first+2, first+3)
	}
}
