package voxel

// Kind is the type tag of a voxel.
type Kind uint8

const (
	Air Kind = iota
	Dirt
	Grass
	Sand
	Stone
	Water
	Leaves
	Log
)

var kindNames = [...]string{
	Air:    "AIR",
	Dirt:   "DIRT",
	Grass:  "GRASS",
	Sand:   "SAND",
	Stone:  "STONE",
	Water:  "WATER",
	Leaves: "LEAVES",
	Log:    "LOG",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// Palette returns the kind names indexed by Kind.
func Palette() []string {
	out := make([]string, len(kindNames))
	copy(out, kindNames[:])
	return out
}

type Voxel struct {
	Kind Kind
}

func (v Voxel) Filled() bool { return v.Kind != Air }

// Transparent voxels are drawn in the blended pass and need back-to-front ordering.
func (v Voxel) Transparent() bool { return v.Kind == Water || v.Kind == Leaves }
