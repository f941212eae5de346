package mesh

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"voxstream.dev/internal/sim/voxel"
)

type solidBelow struct{ top int }

func (s solidBelow) Get(_, wy, _ int) voxel.Voxel {
	if wy < s.top {
		return voxel.Voxel{Kind: voxel.Stone}
	}
	return voxel.Voxel{}
}

func quadSizes(m *ChunkMesh) [][2]float32 {
	var out [][2]float32
	for q := 0; q < m.QuadCount(); q++ {
		var size [2]float32
		for _, idx := range m.Indices[q*6 : q*6+6] {
			uv := m.Vertices[idx].UV
			size[0] = max(size[0], uv.X())
			size[1] = max(size[1], uv.Y())
		}
		out = append(out, size)
	}
	return out
}

func TestSingleVoxelSixUnitQuads(t *testing.T) {
	c := voxel.NewChunk(voxel.ChunkPos{X: 1, Z: -2})
	c.Set(4, 10, 7, voxel.Voxel{Kind: voxel.Stone})
	m := Build(c, solidBelow{top: 0})

	if m.QuadCount() != 6 {
		t.Fatalf("quads=%d want 6", m.QuadCount())
	}
	if m.TriangleCount() != 12 {
		t.Fatalf("triangles=%d want 12", m.TriangleCount())
	}
	for i, s := range quadSizes(m) {
		if s != [2]float32{1, 1} {
			t.Fatalf("quad %d size=%v want 1x1", i, s)
		}
	}
	normals := map[mgl32.Vec3]int{}
	for _, v := range m.Vertices {
		normals[v.Normal]++
	}
	if len(normals) != 6 {
		t.Fatalf("distinct normals=%d want 6", len(normals))
	}
	if len(m.Transparent) != 0 {
		t.Fatalf("stone must not produce transparent faces")
	}
}

func TestSlabMergesIntoSixQuads(t *testing.T) {
	const n, mm = 5, 7
	c := voxel.NewChunk(voxel.ChunkPos{})
	for x := 2; x < 2+n; x++ {
		for z := 3; z < 3+mm; z++ {
			c.Set(x, 20, z, voxel.Voxel{Kind: voxel.Dirt})
		}
	}
	m := Build(c, nil)
	if m.QuadCount() != 6 {
		t.Fatalf("quads=%d want 6 (top, bottom, 4 sides)", m.QuadCount())
	}
	var top, bottom int
	for q := 0; q < m.QuadCount(); q++ {
		v := m.Vertices[m.Indices[q*6]]
		switch v.Normal {
		case mgl32.Vec3{0, 1, 0}:
			top++
			if v.Pos.Y() != 21 {
				t.Fatalf("top face at y=%v want 21", v.Pos.Y())
			}
		case mgl32.Vec3{0, -1, 0}:
			bottom++
			if v.Pos.Y() != 20 {
				t.Fatalf("bottom face at y=%v want 20", v.Pos.Y())
			}
		}
	}
	if top != 1 || bottom != 1 {
		t.Fatalf("top=%d bottom=%d want 1 and 1", top, bottom)
	}
}

func TestNeighborCullsBoundaryFaces(t *testing.T) {
	c := voxel.NewChunk(voxel.ChunkPos{})
	for y := 0; y < 8; y++ {
		for z := 0; z < voxel.SizeZ; z++ {
			for x := 0; x < voxel.SizeX; x++ {
				c.Set(x, y, z, voxel.Voxel{Kind: voxel.Stone})
			}
		}
	}
	m := Build(c, solidBelow{top: 8})
	if m.QuadCount() != 2 {
		t.Fatalf("quads=%d want 2 (sides hidden by solid neighbors)", m.QuadCount())
	}

	open := Build(c, nil)
	if open.QuadCount() != 6 {
		t.Fatalf("quads=%d want 6 against empty neighbors", open.QuadCount())
	}
}

func TestWindingFollowsNormal(t *testing.T) {
	c := voxel.NewChunk(voxel.ChunkPos{})
	c.Set(0, 0, 0, voxel.Voxel{Kind: voxel.Sand})
	m := Build(c, nil)
	for q := 0; q < m.QuadCount(); q++ {
		a := m.Vertices[m.Indices[q*6]]
		b := m.Vertices[m.Indices[q*6+1]]
		cc := m.Vertices[m.Indices[q*6+2]]
		n := b.Pos.Sub(a.Pos).Cross(cc.Pos.Sub(a.Pos))
		if n.Dot(a.Normal) <= 0 {
			t.Fatalf("quad %d winds against its normal %v", q, a.Normal)
		}
	}
}

func TestTransparentFacesFollowOpaque(t *testing.T) {
	c := voxel.NewChunk(voxel.ChunkPos{})
	c.Set(1, 1, 1, voxel.Voxel{Kind: voxel.Stone})
	c.Set(8, 1, 1, voxel.Voxel{Kind: voxel.Water})
	c.Set(12, 1, 1, voxel.Voxel{Kind: voxel.Water})
	m := Build(c, nil)

	if len(m.Transparent) != 12 {
		t.Fatalf("transparent faces=%d want 12", len(m.Transparent))
	}
	opaqueBytes := m.OpaqueIndexCount() * IndexSize
	if m.OpaqueIndexCount() != 36 {
		t.Fatalf("opaque indices=%d want 36", m.OpaqueIndexCount())
	}
	for _, f := range m.Transparent {
		if f.Offset < opaqueBytes {
			t.Fatalf("transparent offset %d inside opaque prefix %d", f.Offset, opaqueBytes)
		}
		if k := m.Vertices[m.Indices[f.Offset/IndexSize]].Kind; k != voxel.Water {
			t.Fatalf("offset %d points at %v", f.Offset, k)
		}
	}

	before := m.TriangleCount()
	eye := mgl32.Vec3{0, 1.5, 1.5}
	m.SortTransparent(eye)
	if m.TriangleCount() != before {
		t.Fatalf("sorting changed triangle count")
	}
	dist := func(f TransparentFace) float32 {
		d := f.Center.Sub(eye)
		return d.Dot(d)
	}
	for i := 1; i < len(m.Transparent); i++ {
		if dist(m.Transparent[i]) > dist(m.Transparent[i-1]) {
			t.Fatalf("face %d nearer than face %d after back-to-front sort", i-1, i)
		}
	}
	for _, f := range m.Transparent {
		lo := m.Vertices[m.Indices[f.Offset/IndexSize]].Pos
		hi := lo
		for _, idx := range m.Indices[f.Offset/IndexSize : f.Offset/IndexSize+6] {
			p := m.Vertices[idx].Pos
			for a := 0; a < 3; a++ {
				lo[a] = min(lo[a], p[a])
				hi[a] = max(hi[a], p[a])
			}
		}
		center := lo.Add(hi).Mul(0.5)
		if !center.ApproxEqual(f.Center) {
			t.Fatalf("face center %v does not match indices %v", f.Center, center)
		}
	}
}
