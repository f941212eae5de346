package voxel

const (
	SizeX = 16
	SizeY = 64
	SizeZ = 16

	Volume = SizeX * SizeY * SizeZ
)

// ChunkPos is a chunk-space coordinate. A chunk spans the full world height.
type ChunkPos struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (p ChunkPos) Add(o ChunkPos) ChunkPos { return ChunkPos{X: p.X + o.X, Z: p.Z + o.Z} }

// Origin returns the world coordinates of the chunk's (0, 0, 0) voxel.
func (p ChunkPos) Origin() (x, z int) { return p.X * SizeX, p.Z * SizeZ }

// Chebyshev is the chessboard distance between two chunk positions.
func (p ChunkPos) Chebyshev(o ChunkPos) int {
	dx := AbsInt(p.X - o.X)
	dz := AbsInt(p.Z - o.Z)
	if dx > dz {
		return dx
	}
	return dz
}

// ChunkOf returns the chunk owning world column (x, z).
func ChunkOf(x, z int) ChunkPos {
	return ChunkPos{X: FloorDiv(x, SizeX), Z: FloorDiv(z, SizeZ)}
}

// Local converts world column (x, z) to chunk-local coordinates.
func Local(x, z int) (lx, lz int) {
	return Mod(x, SizeX), Mod(z, SizeZ)
}

type Chunk struct {
	Pos    ChunkPos
	Voxels [Volume]Voxel
}

func NewChunk(pos ChunkPos) *Chunk {
	return &Chunk{Pos: pos}
}

func index(x, y, z int) int {
	return x + z*SizeX + y*SizeX*SizeZ
}

// InBounds reports whether local coordinates address a voxel of the chunk.
func InBounds(x, y, z int) bool {
	return x >= 0 && x < SizeX && y >= 0 && y < SizeY && z >= 0 && z < SizeZ
}

func (c *Chunk) At(x, y, z int) Voxel {
	return c.Voxels[index(x, y, z)]
}

func (c *Chunk) Set(x, y, z int, v Voxel) {
	c.Voxels[index(x, y, z)] = v
}

// Filled counts non-air voxels.
func (c *Chunk) Filled() int {
	n := 0
	for _, v := range c.Voxels {
		if v.Filled() {
			n++
		}
	}
	return n
}
