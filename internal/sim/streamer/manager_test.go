package streamer

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"voxstream.dev/internal/sim/access"
	"voxstream.dev/internal/sim/gpu"
	"voxstream.dev/internal/sim/voxel"
)

// queueExec holds jobs until the test runs them.
type queueExec struct{ jobs []func() }

func (e *queueExec) Go(fn func()) { e.jobs = append(e.jobs, fn) }

func (e *queueExec) runAll() {
	for len(e.jobs) > 0 {
		jobs := e.jobs
		e.jobs = nil
		for _, j := range jobs {
			j()
		}
	}
}

// runSome runs a random subset of the queued jobs in random order.
func (e *queueExec) runSome(rng *rand.Rand) {
	rng.Shuffle(len(e.jobs), func(i, j int) { e.jobs[i], e.jobs[j] = e.jobs[j], e.jobs[i] })
	n := rng.Intn(len(e.jobs) + 1)
	run := e.jobs[:n]
	e.jobs = append([]func(){}, e.jobs[n:]...)
	for _, j := range run {
		j()
	}
}

var pondTerrain = GeneratorFunc(func(x, y, z int) voxel.Voxel {
	switch {
	case y < 3:
		return voxel.Voxel{Kind: voxel.Stone}
	case y == 3:
		return voxel.Voxel{Kind: voxel.Water}
	default:
		return voxel.Voxel{}
	}
})

type harness struct {
	m     *Manager
	exec  *queueExec
	alloc *gpu.MemAllocator
}

func newHarness(t *testing.T, cfg Config, dec Decorator, trace func(voxel.ChunkPos, State)) *harness {
	t.Helper()
	h := &harness{exec: &queueExec{}, alloc: gpu.NewMemAllocator(0)}
	m, err := NewManager(cfg, Deps{
		Generator: pondTerrain,
		Decorator: dec,
		Allocator: h.alloc,
		Executor:  h.exec,
		Trace:     trace,
	}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.m = m
	return h
}

func eyeIn(p voxel.ChunkPos) mgl32.Vec3 {
	ox, oz := p.Origin()
	return mgl32.Vec3{float32(ox) + 8.5, 40, float32(oz) + 8.5}
}

func (h *harness) settle(eye mgl32.Vec3, ticks int) Stats {
	var st Stats
	for i := 0; i < ticks; i++ {
		st = h.m.Tick(eye)
		h.exec.runAll()
	}
	return st
}

func TestExampleScenarioReloadAndEvict(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, nil)

	st := h.m.Tick(eyeIn(voxel.ChunkPos{}))
	if st.Units != 19*19 {
		t.Fatalf("units=%d want %d", st.Units, 19*19)
	}
	for x := -9; x <= 9; x++ {
		for z := -9; z <= 9; z++ {
			if _, ok := h.m.StateOf(voxel.ChunkPos{X: x, Z: z}); !ok {
				t.Fatalf("chunk %d,%d not loaded", x, z)
			}
		}
	}
	if _, ok := h.m.StateOf(voxel.ChunkPos{X: 10, Z: 0}); ok {
		t.Fatalf("chunk outside still-loaded square was created")
	}
	h.exec.runAll()

	// Inside the no-update square: no reload.
	st = h.m.Tick(eyeIn(voxel.ChunkPos{X: 2, Z: -2}))
	if st.Counters.Reloads != 1 || st.Center != (voxel.ChunkPos{}) {
		t.Fatalf("reloads=%d center=%+v, want no reload", st.Counters.Reloads, st.Center)
	}

	st = h.m.Tick(eyeIn(voxel.ChunkPos{X: 3, Z: 0}))
	if st.Counters.Reloads != 2 || st.Center != (voxel.ChunkPos{X: 3, Z: 0}) {
		t.Fatalf("reloads=%d center=%+v, want reload at 3,0", st.Counters.Reloads, st.Center)
	}
	if st.Counters.Evictions != 3*19 {
		t.Fatalf("evictions=%d want %d", st.Counters.Evictions, 3*19)
	}
	for z := -9; z <= 9; z++ {
		for x := -9; x <= -7; x++ {
			if _, ok := h.m.StateOf(voxel.ChunkPos{X: x, Z: z}); ok {
				t.Fatalf("chunk %d,%d should be evicted", x, z)
			}
		}
		for x := -6; x <= 12; x++ {
			if _, ok := h.m.StateOf(voxel.ChunkPos{X: x, Z: z}); !ok {
				t.Fatalf("chunk %d,%d should be loaded", x, z)
			}
		}
	}
	if st.ByState[Generating.String()]+st.ByState[Generated.String()] != st.Units {
		t.Fatalf("by_state=%v units=%d", st.ByState, st.Units)
	}
	if st.Units != 19*19 {
		t.Fatalf("live units=%d want %d", st.Units, 19*19)
	}
}

func TestPipelineRendersVisibleSquare(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, nil)
	eye := eyeIn(voxel.ChunkPos{})

	for i := 0; i < 300; i++ {
		st := h.m.Tick(eye)
		if st.UploadedThisTick > h.m.Config().UploadsPerTick {
			t.Fatalf("tick %d uploaded %d meshes, budget %d", st.Tick, st.UploadedThisTick, h.m.Config().UploadsPerTick)
		}
		h.exec.runAll()
	}
	st := h.m.Stats()
	if st.Rendered != 11*11 {
		t.Fatalf("rendered=%d want %d", st.Rendered, 11*11)
	}
	// Meshing needs decorated Moore neighbors, which need generated neighbors.
	if got := h.alloc.Stats().Resident; got != 15*15 {
		t.Fatalf("resident meshes=%d want %d", got, 15*15)
	}
	if s, _ := h.m.StateOf(voxel.ChunkPos{X: 8, Z: 0}); s != Decorated {
		t.Fatalf("state at 8,0=%v want DECORATED", s)
	}
	if s, _ := h.m.StateOf(voxel.ChunkPos{X: 9, Z: 9}); s != Generated {
		t.Fatalf("state at 9,9=%v want GENERATED", s)
	}

	var prev float32 = -1
	n := 0
	h.m.Rendered(func(e RenderEntry) bool {
		if e.Mesh == nil || e.Mesh.QuadCount() == 0 {
			t.Fatalf("render entry %+v without geometry", e.Pos)
		}
		d := h.m.renderDist(e.Pos)
		if prev >= 0 && d > prev {
			t.Fatalf("render list not back-to-front at %+v", e.Pos)
		}
		prev = d
		n++
		return true
	})
	if n != 11*11 {
		t.Fatalf("iterated %d entries want %d", n, 11*11)
	}
}

func moore(p voxel.ChunkPos) []voxel.ChunkPos {
	return access.Around(p, access.Moore)[1:]
}

func TestStateMonotonicityAndGating(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seq := map[voxel.ChunkPos][]State{}
	var m *Manager
	trace := func(pos voxel.ChunkPos, s State) {
		if s == Generating {
			seq[pos] = nil
		}
		seq[pos] = append(seq[pos], s)
		switch s {
		case Decorating:
			for _, n := range moore(pos) {
				if ns, ok := m.StateOf(n); ok && (ns == Decorating || ns == Meshing) {
					t.Fatalf("%+v entered DECORATING next to %+v in %v", pos, n, ns)
				}
			}
		case Meshing:
			for _, n := range moore(pos) {
				if ns, ok := m.StateOf(n); ok && ns == Meshing {
					t.Fatalf("%+v entered MESHING next to meshing %+v", pos, n)
				}
			}
		}
	}
	// Leaves in a corner neighbor exercise the Moore writer.
	dec := DecoratorFunc(func(pos voxel.ChunkPos, w *access.VoxelSetter) {
		ox, oz := pos.Origin()
		w.Set(ox-1, 10, oz-1, voxel.Voxel{Kind: voxel.Leaves})
		w.Set(ox+voxel.SizeX, 10, oz+voxel.SizeZ, voxel.Voxel{Kind: voxel.Leaves})
	})
	h := newHarness(t, DefaultConfig(), dec, trace)
	m = h.m

	path := []voxel.ChunkPos{{}, {X: 1}, {X: 3}, {X: 3, Z: 4}, {X: -2, Z: 4}, {}}
	for _, p := range path {
		for i := 0; i < 60; i++ {
			h.m.Tick(eyeIn(p))
			h.exec.runSome(rng)
		}
	}
	h.settle(eyeIn(voxel.ChunkPos{}), 150)

	for pos, states := range seq {
		for i, s := range states {
			if s != State(i) {
				t.Fatalf("chunk %+v state sequence %v is not a lifecycle prefix", pos, states)
			}
		}
	}
	if got := h.m.Stats().Rendered; got != 11*11 {
		t.Fatalf("rendered=%d want %d after settling", got, 11*11)
	}
}

func TestEvictedMeshResultIsDiscarded(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, nil)
	home := eyeIn(voxel.ChunkPos{})
	target := voxel.ChunkPos{X: -7, Z: 0}

	found := false
	for i := 0; i < 300 && !found; i++ {
		h.m.Tick(home)
		if s, _ := h.m.StateOf(target); s == Meshing {
			found = true
			break
		}
		h.exec.runAll()
	}
	if !found {
		t.Fatalf("chunk %+v never started meshing", target)
	}

	// Evict while the mesh job is still queued, then come back.
	h.m.Tick(eyeIn(voxel.ChunkPos{X: 3, Z: 0}))
	if _, ok := h.m.StateOf(target); ok {
		t.Fatalf("chunk %+v not evicted", target)
	}
	h.m.Tick(home)
	if s, ok := h.m.StateOf(target); !ok || s != Generating {
		t.Fatalf("reused position state=%v ok=%v want fresh GENERATING", s, ok)
	}

	h.exec.runAll()
	st := h.m.Tick(home)
	if s, _ := h.m.StateOf(target); s >= Meshing {
		t.Fatalf("stale mesh resurrected chunk %+v in %v", target, s)
	}
	if st.Counters.StaleResults == 0 {
		t.Fatalf("expected stale results to be counted")
	}

	st = h.settle(home, 20)
	if st.Unloading != 0 {
		t.Fatalf("unload list still holds %d units", st.Unloading)
	}
	if st.Chunks != st.Units {
		t.Fatalf("chunks=%d units=%d; evicted chunk slots leaked", st.Chunks, st.Units)
	}
}

func TestFailedAcquisitionRetriesInPlace(t *testing.T) {
	cfg := Config{NoUpdate: 1, Visible: 2, StillLoaded: 3, UploadsPerTick: 1}
	h := newHarness(t, cfg, nil, nil)
	eye := eyeIn(voxel.ChunkPos{})
	h.settle(eye, 3)
	center := voxel.ChunkPos{}
	if s, _ := h.m.StateOf(center); s != Generated {
		t.Fatalf("center state=%v want GENERATED", s)
	}

	nb := h.m.mustUnit(h.m.byPos[voxel.ChunkPos{X: 1, Z: 0}])
	held, err := h.m.chunks.Get(nb.chunk)
	if err != nil {
		t.Fatalf("lock neighbor: %v", err)
	}
	for i := 0; i < 2; i++ {
		st := h.m.Tick(eye)
		if s, _ := h.m.StateOf(center); s != Generated {
			t.Fatalf("center state=%v want GENERATED while neighbor locked", s)
		}
		if st.Counters.AcquireFailures != uint64(i+1) {
			t.Fatalf("acquire failures=%d want %d", st.Counters.AcquireFailures, i+1)
		}
	}
	held.Release()

	h.m.Tick(eye)
	if s, _ := h.m.StateOf(center); s != Decorating {
		t.Fatalf("center state=%v want DECORATING after release", s)
	}
}

func TestGenerationRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GenerationRate = 1e-6
	cfg.GenerationBurst = 5
	h := newHarness(t, cfg, nil, nil)
	st := h.m.Tick(eyeIn(voxel.ChunkPos{}))
	if st.Counters.GenerateJobs != 5 || len(h.exec.jobs) != 5 {
		t.Fatalf("dispatched %d jobs want 5", st.Counters.GenerateJobs)
	}
	if st.GenQueued != 19*19-5 {
		t.Fatalf("gen queue=%d want %d", st.GenQueued, 19*19-5)
	}
	// Nearest first.
	h.exec.runAll()
	h.m.Tick(eyeIn(voxel.ChunkPos{}))
	h.m.Tick(eyeIn(voxel.ChunkPos{}))
	if s, _ := h.m.StateOf(voxel.ChunkPos{}); s != Generated {
		t.Fatalf("center state=%v want GENERATED", s)
	}
}

func TestTransparencyResortOnVoxelCrossing(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, nil)
	eye := eyeIn(voxel.ChunkPos{})
	h.settle(eye, 300)

	before := h.m.Stats().Counters
	deallocs := h.alloc.Stats().Deallocs
	h.m.Tick(eye.Add(mgl32.Vec3{1, 0, 0}))
	after := h.m.Stats().Counters
	if after.Resorts-before.Resorts != 9 {
		t.Fatalf("resorted %d meshes want 9", after.Resorts-before.Resorts)
	}
	if h.alloc.Stats().Deallocs-deallocs != 9 {
		t.Fatalf("dealloc count did not follow resort")
	}

	// Same voxel: nothing to do.
	h.m.Tick(eye.Add(mgl32.Vec3{1.2, 0, 0}))
	if h.m.Stats().Counters.Resorts != after.Resorts {
		t.Fatalf("resort without voxel crossing")
	}

	far := eyeIn(voxel.ChunkPos{X: 1, Z: 1})
	h.m.Tick(far)
	var prev float32 = -1
	h.m.Rendered(func(e RenderEntry) bool {
		ox, oz := e.Pos.Origin()
		c := mgl32.Vec3{float32(ox) + 8, 32, float32(oz) + 8}
		d := c.Sub(far).Dot(c.Sub(far))
		if prev >= 0 && d > prev+1e-3 {
			t.Fatalf("render list not resorted after chunk crossing")
		}
		prev = d
		return true
	})
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	bad := []Config{
		{NoUpdate: 0, Visible: 10, StillLoaded: 18, UploadsPerTick: 1},
		{NoUpdate: 10, Visible: 10, StillLoaded: 18, UploadsPerTick: 1},
		{NoUpdate: 4, Visible: 18, StillLoaded: 18, UploadsPerTick: 1},
		{NoUpdate: 4, Visible: 10, StillLoaded: 18, UploadsPerTick: 0},
		{NoUpdate: 4, Visible: 10, StillLoaded: 18, UploadsPerTick: 1, ChunkCapacity: 100},
		{NoUpdate: 4, Visible: 10, StillLoaded: 18, UploadsPerTick: 1, GenerationRate: 5},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("config %d should be rejected: %+v", i, c)
		}
	}
	if c := DefaultConfig(); c.Capacity() != 2*19*19 {
		t.Fatalf("capacity=%d want %d", c.Capacity(), 2*19*19)
	}
}

func TestStateNames(t *testing.T) {
	if Uploaded.String() != "UPLOADED" || State(99).String() != "UNKNOWN" {
		t.Fatalf("unexpected state names")
	}
	if len(States()) != 8 {
		t.Fatalf("states=%d want 8", len(States()))
	}
}

func TestCopyChunk(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, nil)
	eye := eyeIn(voxel.ChunkPos{})

	h.m.Tick(eye)
	if _, ok, busy := h.m.CopyChunk(voxel.ChunkPos{}); ok || busy {
		t.Fatalf("copy before generation ok=%v busy=%v", ok, busy)
	}
	if _, ok, _ := h.m.CopyChunk(voxel.ChunkPos{X: 100}); ok {
		t.Fatalf("copy outside the region succeeded")
	}

	h.exec.runAll()
	h.m.Tick(eye)
	cp, ok, busy := h.m.CopyChunk(voxel.ChunkPos{})
	if !ok || busy {
		t.Fatalf("copy after generation ok=%v busy=%v", ok, busy)
	}
	if cp.State != Generated {
		t.Fatalf("state=%v want GENERATED", cp.State)
	}
	if cp.Chunk.At(0, 0, 0).Kind != voxel.Stone || cp.Chunk.At(5, 3, 5).Kind != voxel.Water {
		t.Fatalf("copied voxels do not match the generator")
	}

	// Next tick hands decoration jobs out; they hold write locks until run.
	h.m.Tick(eye)
	var decorating voxel.ChunkPos
	found := false
	r := DefaultConfig().StillLoaded / 2
	for dz := -r; dz <= r && !found; dz++ {
		for dx := -r; dx <= r; dx++ {
			p := voxel.ChunkPos{X: dx, Z: dz}
			if s, _ := h.m.StateOf(p); s == Decorating {
				decorating, found = p, true
				break
			}
		}
	}
	if !found {
		t.Fatalf("no unit decorating after third tick")
	}
	if _, ok, busy := h.m.CopyChunk(decorating); ok || !busy {
		t.Fatalf("copy of decorating chunk ok=%v busy=%v want busy", ok, busy)
	}
	h.exec.runAll()
}
