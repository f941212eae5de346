// Package streamer keeps the chunks around a moving observer generated,
// decorated, meshed and uploaded.
//
// The Manager is owned by one goroutine which calls Tick. Tick never waits on
// a worker: jobs are handed to an Executor and their results are collected
// from try-locked completion lists on later ticks. Voxel data shared with
// workers lives in an arena and is reached only through the all-or-nothing
// accessors of package access.
package streamer

import (
	"errors"
	"io"
	"log"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/time/rate"

	"voxstream.dev/internal/sim/access"
	"voxstream.dev/internal/sim/arena"
	"voxstream.dev/internal/sim/mesh"
	"voxstream.dev/internal/sim/voxel"
)

// Generator produces base terrain. It is called concurrently from workers.
type Generator interface {
	Generate(x, y, z int) voxel.Voxel
}

type GeneratorFunc func(x, y, z int) voxel.Voxel

func (f GeneratorFunc) Generate(x, y, z int) voxel.Voxel { return f(x, y, z) }

// ChunkGenerator is an optional fast path for generators that fill a whole chunk.
type ChunkGenerator interface {
	GenerateChunk(c *voxel.Chunk)
}

// Decorator mutates a chunk and its Moore neighbors through w only. Calls for
// different chunks arrive in no particular order.
type Decorator interface {
	Decorate(pos voxel.ChunkPos, w *access.VoxelSetter)
}

type DecoratorFunc func(pos voxel.ChunkPos, w *access.VoxelSetter)

func (f DecoratorFunc) Decorate(pos voxel.ChunkPos, w *access.VoxelSetter) { f(pos, w) }

// Allocator moves meshes to and from the GPU. It is only called from the
// goroutine that owns the Manager.
type Allocator interface {
	Alloc(m *mesh.ChunkMesh) error
	Dealloc(m *mesh.ChunkMesh)
	Resident(m *mesh.ChunkMesh) bool
}

// Executor runs fn on some other goroutine.
type Executor interface {
	Go(fn func())
}

type Deps struct {
	Generator Generator
	// Decorator may be nil; decoration then only advances state.
	Decorator Decorator
	Allocator Allocator
	Executor  Executor
	// Trace, if set, observes every state transition.
	Trace func(pos voxel.ChunkPos, s State)
}

// RenderEntry is handed to the renderer, which must not modify it.
type RenderEntry struct {
	Pos  voxel.ChunkPos
	Mesh *mesh.ChunkMesh
}

type unit struct {
	pos   voxel.ChunkPos
	state State

	chunk    arena.Index
	hasChunk bool
	mesh     *mesh.ChunkMesh

	// inflight counts jobs that will report back for this unit.
	inflight int
	evicted  bool
	rendered bool
}

type rendered struct {
	unit arena.Index
	dist float32
}

type genResult struct {
	unit  arena.Index
	chunk arena.Index
	err   error
}

type meshResult struct {
	unit arena.Index
	mesh *mesh.ChunkMesh
}

type Manager struct {
	cfg    Config
	gen    Generator
	dec    Decorator
	alloc  Allocator
	exec   Executor
	trace  func(voxel.ChunkPos, State)
	logger *log.Logger

	chunks  *access.Chunks
	factory *access.Factory
	units   *arena.Pool[unit]
	byPos   map[voxel.ChunkPos]arena.Index
	limiter *rate.Limiter

	genQueue []arena.Index
	staging  []arena.Index
	uploads  []arena.Index
	render   []rendered
	unload   []arena.Index

	generated completions[genResult]
	decorated completions[arena.Index]
	meshed    completions[meshResult]
	genBuf    []genResult
	decoBuf   []arena.Index
	meshBuf   []meshResult

	tick     uint64
	loaded   bool
	center   voxel.ChunkPos
	anchor   voxel.ChunkPos
	eyeVoxel [3]int
	eye      mgl32.Vec3
	inflight int
	counters Counters
}

// Counters are cumulative since the Manager was created.
type Counters struct {
	Reloads         uint64 `json:"reloads"`
	Evictions       uint64 `json:"evictions"`
	Freed           uint64 `json:"freed"`
	GenerateJobs    uint64 `json:"generate_jobs"`
	DecorateJobs    uint64 `json:"decorate_jobs"`
	MeshJobs        uint64 `json:"mesh_jobs"`
	AcquireFailures uint64 `json:"acquire_failures"`
	StaleResults    uint64 `json:"stale_results"`
	ArenaFull       uint64 `json:"arena_full"`
	AllocFailures   uint64 `json:"alloc_failures"`
	Uploads         uint64 `json:"uploads"`
	Resorts         uint64 `json:"resorts"`
}

func NewManager(cfg Config, deps Deps, logger *log.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Generator == nil || deps.Allocator == nil || deps.Executor == nil {
		return nil, errors.New("streamer: generator, allocator and executor are required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.GenerationRate > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.GenerationRate), cfg.GenerationBurst)
	}
	chunks := arena.New[*voxel.Chunk](cfg.Capacity())
	side := cfg.LoadedSide()
	return &Manager{
		cfg:     cfg,
		gen:     deps.Generator,
		dec:     deps.Decorator,
		alloc:   deps.Allocator,
		exec:    deps.Executor,
		trace:   deps.Trace,
		logger:  logger,
		chunks:  chunks,
		factory: access.NewFactory(chunks),
		units:   arena.NewPool[unit](side * side),
		byPos:   make(map[voxel.ChunkPos]arena.Index, side*side),
		limiter: lim,
	}, nil
}

func (m *Manager) Config() Config { return m.cfg }

// Tick advances the pipeline by one step for an observer at eye.
func (m *Manager) Tick(eye mgl32.Vec3) Stats {
	m.tick++
	prevAnchor, prevVoxel, first := m.anchor, m.eyeVoxel, !m.loaded
	m.eye = eye
	m.eyeVoxel = [3]int{floor(eye.X()), floor(eye.Y()), floor(eye.Z())}
	m.anchor = voxel.ChunkOf(m.eyeVoxel[0], m.eyeVoxel[2])

	if !m.loaded || m.anchor.Chebyshev(m.center) > m.cfg.NoUpdate/2 {
		m.reload(m.anchor)
	}
	m.dispatchGeneration()
	m.advance()
	m.drain()
	uploaded := m.upload()
	m.processUnload()

	if !first && m.eyeVoxel != prevVoxel {
		m.resortTransparent()
	}
	if first || m.anchor != prevAnchor {
		m.sortRender()
	}

	st := m.Stats()
	st.UploadedThisTick = uploaded
	return st
}

func floor(f float32) int { return int(math.Floor(float64(f))) }

func (m *Manager) inLoaded(p voxel.ChunkPos) bool {
	r := m.cfg.StillLoaded / 2
	return voxel.AbsInt(p.X-m.center.X) <= r && voxel.AbsInt(p.Z-m.center.Z) <= r
}

func (m *Manager) inVisible(p voxel.ChunkPos) bool {
	r := m.cfg.Visible / 2
	return voxel.AbsInt(p.X-m.center.X) <= r && voxel.AbsInt(p.Z-m.center.Z) <= r
}

// reload recenters the region: evicts units outside the still-loaded square,
// demotes rendered units outside the visible square and creates units for
// every missing position.
func (m *Manager) reload(center voxel.ChunkPos) {
	m.center = center
	m.loaded = true
	m.counters.Reloads++

	evicted := 0
	for pos, h := range m.byPos {
		if m.inLoaded(pos) {
			continue
		}
		u := m.mustUnit(h)
		u.evicted = true
		delete(m.byPos, pos)
		m.unload = append(m.unload, h)
		evicted++
	}
	m.counters.Evictions += uint64(evicted)

	kept := m.render[:0]
	for _, r := range m.render {
		u, ok := m.units.Get(r.unit)
		if !ok || u.evicted {
			if ok {
				u.rendered = false
			}
			continue
		}
		if !m.inVisible(u.pos) {
			u.rendered = false
			m.staging = append(m.staging, r.unit)
			continue
		}
		kept = append(kept, r)
	}
	m.render = kept

	r := m.cfg.StillLoaded / 2
	created := 0
	for dz := -r; dz <= r; dz++ {
		for dx := -r; dx <= r; dx++ {
			pos := voxel.ChunkPos{X: center.X + dx, Z: center.Z + dz}
			if _, ok := m.byPos[pos]; ok {
				continue
			}
			h := m.units.Insert(unit{pos: pos, state: Generating})
			m.byPos[pos] = h
			m.genQueue = append(m.genQueue, h)
			m.staging = append(m.staging, h)
			m.traceState(pos, Generating)
			created++
		}
	}

	// Nearest first; evicted entries are skipped at dispatch.
	sort.SliceStable(m.genQueue, func(i, j int) bool {
		return m.distTo(m.genQueue[i]) < m.distTo(m.genQueue[j])
	})
	m.logger.Printf("reload center=%d,%d created=%d evicted=%d units=%d", center.X, center.Z, created, evicted, m.units.Len())
}

func (m *Manager) distTo(h arena.Index) int {
	u, ok := m.units.Get(h)
	if !ok {
		return math.MaxInt
	}
	dx, dz := u.pos.X-m.center.X, u.pos.Z-m.center.Z
	return dx*dx + dz*dz
}

func (m *Manager) dispatchGeneration() {
	n := 0
	for ; n < len(m.genQueue); n++ {
		h := m.genQueue[n]
		u, ok := m.units.Get(h)
		if !ok || u.evicted || u.hasChunk {
			continue
		}
		if !m.limiter.Allow() {
			break
		}
		u.inflight++
		m.inflight++
		m.counters.GenerateJobs++
		pos := u.pos
		m.exec.Go(func() { m.generate(h, pos) })
	}
	m.genQueue = append(m.genQueue[:0], m.genQueue[n:]...)
}

// generate runs on a worker.
func (m *Manager) generate(h arena.Index, pos voxel.ChunkPos) {
	c := voxel.NewChunk(pos)
	if cg, ok := m.gen.(ChunkGenerator); ok {
		cg.GenerateChunk(c)
	} else {
		ox, oz := pos.Origin()
		for y := 0; y < voxel.SizeY; y++ {
			for z := 0; z < voxel.SizeZ; z++ {
				for x := 0; x < voxel.SizeX; x++ {
					c.Set(x, y, z, m.gen.Generate(ox+x, y, oz+z))
				}
			}
		}
	}
	for {
		idx, err := m.chunks.Insert(c)
		if errors.Is(err, arena.ErrLocked) {
			runtime.Gosched()
			continue
		}
		m.generated.push(genResult{unit: h, chunk: idx, err: err})
		return
	}
}

// advance evaluates every staged unit once.
func (m *Manager) advance() {
	kept := m.staging[:0]
	for _, h := range m.staging {
		u, ok := m.units.Get(h)
		if !ok || u.evicted || u.rendered {
			continue
		}
		switch u.state {
		case Generating:
			if u.hasChunk {
				m.setState(u, Generated)
			}
		case Generated:
			m.tryDecorate(h, u)
		case Decorated:
			m.tryMesh(h, u)
		case Meshed:
			m.setState(u, Uploading)
			m.uploads = append(m.uploads, h)
		case Uploading:
			if m.alloc.Resident(u.mesh) {
				m.setState(u, Uploaded)
			}
		}
		if u.state == Uploaded && m.inVisible(u.pos) {
			m.promote(h, u)
			continue
		}
		kept = append(kept, h)
	}
	clear(m.staging[len(kept):])
	m.staging = kept
}

// gate reports whether every Moore neighbor exists, has reached u's state and
// is not in a conflicting job.
func (m *Manager) gate(u *unit, conflict func(State) bool) bool {
	for _, off := range access.Moore {
		h, ok := m.byPos[u.pos.Add(off)]
		if !ok {
			return false
		}
		n := m.mustUnit(h)
		if n.state < u.state || conflict(n.state) {
			return false
		}
	}
	return true
}

func (m *Manager) targets(u *unit, hood access.Neighborhood) []access.Target {
	out := make([]access.Target, 0, len(hood)+1)
	out = append(out, access.Target{Pos: u.pos, Handle: u.chunk})
	for _, off := range hood {
		p := u.pos.Add(off)
		n := m.mustUnit(m.byPos[p])
		out = append(out, access.Target{Pos: p, Handle: n.chunk})
	}
	return out
}

func (m *Manager) tryDecorate(h arena.Index, u *unit) {
	if !m.gate(u, func(s State) bool { return s == Decorating || s == Meshing }) {
		return
	}
	w, ok := m.factory.GetWriter(m.targets(u, access.Moore))
	if !ok {
		// Still Generated; retried next tick.
		m.counters.AcquireFailures++
		return
	}
	m.setState(u, Decorating)
	u.inflight++
	m.inflight++
	m.counters.DecorateJobs++
	pos, dec := u.pos, m.dec
	m.exec.Go(func() {
		if dec != nil {
			dec.Decorate(pos, w)
		}
		w.Release()
		m.decorated.push(h)
	})
}

func (m *Manager) tryMesh(h arena.Index, u *unit) {
	if !m.gate(u, func(s State) bool { return s == Meshing }) {
		return
	}
	r, ok := m.factory.GetReader(m.targets(u, access.VonNeumann))
	if !ok {
		m.counters.AcquireFailures++
		return
	}
	m.setState(u, Meshing)
	u.inflight++
	m.inflight++
	m.counters.MeshJobs++
	pos := u.pos
	m.exec.Go(func() {
		built := mesh.Build(r.Chunk(pos), r)
		r.Release()
		m.meshed.push(meshResult{unit: h, mesh: built})
	})
}

// drain applies worker results. Results for evicted units only release
// their resources.
func (m *Manager) drain() {
	m.genBuf = m.generated.drain(m.genBuf[:0])
	for _, res := range m.genBuf {
		u := m.finish(res.unit)
		switch {
		case res.err != nil:
			if errors.Is(res.err, arena.ErrFull) {
				m.counters.ArenaFull++
				m.logger.Printf("chunk arena full (cap=%d); chunk_capacity is too small", m.chunks.Cap())
			} else {
				m.logger.Printf("generate %d,%d: %v", u.pos.X, u.pos.Z, res.err)
			}
			if !u.evicted {
				m.genQueue = append(m.genQueue, res.unit)
			}
		default:
			if u.evicted {
				m.counters.StaleResults++
			}
			u.chunk = res.chunk
			u.hasChunk = true
		}
	}
	clear(m.genBuf)

	m.decoBuf = m.decorated.drain(m.decoBuf[:0])
	for _, h := range m.decoBuf {
		u := m.finish(h)
		if u.evicted {
			m.counters.StaleResults++
			continue
		}
		m.setState(u, Decorated)
	}

	m.meshBuf = m.meshed.drain(m.meshBuf[:0])
	for _, res := range m.meshBuf {
		u := m.finish(res.unit)
		if u.evicted {
			m.counters.StaleResults++
			continue
		}
		res.mesh.SortTransparent(m.eye)
		u.mesh = res.mesh
		m.setState(u, Meshed)
	}
	clear(m.meshBuf)
}

// finish resolves the unit a job reported for. In-flight jobs keep their
// unit alive, so a miss is a bookkeeping bug.
func (m *Manager) finish(h arena.Index) *unit {
	u := m.mustUnit(h)
	u.inflight--
	m.inflight--
	return u
}

// upload allocates up to UploadsPerTick queued meshes. A unit whose
// allocation fails stays queued.
func (m *Manager) upload() int {
	done := 0
	kept := m.uploads[:0]
	for _, h := range m.uploads {
		u, ok := m.units.Get(h)
		if !ok || u.evicted || u.mesh == nil || m.alloc.Resident(u.mesh) {
			continue
		}
		if done >= m.cfg.UploadsPerTick {
			kept = append(kept, h)
			continue
		}
		if err := m.alloc.Alloc(u.mesh); err != nil {
			m.counters.AllocFailures++
			m.logger.Printf("alloc mesh %d,%d: %v", u.pos.X, u.pos.Z, err)
			kept = append(kept, h)
			continue
		}
		done++
		m.counters.Uploads++
	}
	clear(m.uploads[len(kept):])
	m.uploads = kept
	return done
}

// processUnload frees evicted units once no job references them and their
// chunk slot is not locked by a neighbor's job.
func (m *Manager) processUnload() {
	kept := m.unload[:0]
	for _, h := range m.unload {
		u := m.mustUnit(h)
		if u.inflight > 0 {
			kept = append(kept, h)
			continue
		}
		if u.hasChunk {
			_, err := m.chunks.Remove(u.chunk)
			if errors.Is(err, arena.ErrLocked) {
				kept = append(kept, h)
				continue
			}
			if err != nil {
				panic("streamer: evicted unit holds a dead chunk handle: " + err.Error())
			}
			u.hasChunk = false
		}
		if u.mesh != nil {
			m.alloc.Dealloc(u.mesh)
			u.mesh = nil
		}
		m.units.Remove(h)
		m.counters.Freed++
	}
	clear(m.unload[len(kept):])
	m.unload = kept
}

func (m *Manager) promote(h arena.Index, u *unit) {
	u.rendered = true
	e := rendered{unit: h, dist: m.renderDist(u.pos)}
	// Farthest first.
	i := sort.Search(len(m.render), func(i int) bool { return m.render[i].dist < e.dist })
	m.render = append(m.render, rendered{})
	copy(m.render[i+1:], m.render[i:])
	m.render[i] = e
}

func (m *Manager) renderDist(p voxel.ChunkPos) float32 {
	ox, oz := p.Origin()
	c := mgl32.Vec3{float32(ox) + voxel.SizeX/2, voxel.SizeY / 2, float32(oz) + voxel.SizeZ/2}
	d := c.Sub(m.eye)
	return d.Dot(d)
}

// sortRender recomputes every render distance from scratch.
func (m *Manager) sortRender() {
	for i := range m.render {
		if u, ok := m.units.Get(m.render[i].unit); ok {
			m.render[i].dist = m.renderDist(u.pos)
		}
	}
	sort.SliceStable(m.render, func(i, j int) bool { return m.render[i].dist > m.render[j].dist })
}

// resortTransparent reorders transparent faces of the chunks around the
// observer and reuploads their buffers.
func (m *Manager) resortTransparent() {
	for _, p := range access.Around(m.anchor, access.Moore) {
		h, ok := m.byPos[p]
		if !ok {
			continue
		}
		u := m.mustUnit(h)
		if u.state != Uploaded || u.mesh == nil || len(u.mesh.Transparent) == 0 {
			continue
		}
		u.mesh.SortTransparent(m.eye)
		m.alloc.Dealloc(u.mesh)
		if err := m.alloc.Alloc(u.mesh); err != nil {
			m.counters.AllocFailures++
			m.logger.Printf("realloc mesh %d,%d: %v", p.X, p.Z, err)
			m.uploads = append(m.uploads, h)
			continue
		}
		m.counters.Resorts++
	}
}

func (m *Manager) setState(u *unit, s State) {
	if s != u.state+1 {
		panic("streamer: illegal transition " + u.state.String() + " -> " + s.String())
	}
	u.state = s
	m.traceState(u.pos, s)
}

func (m *Manager) traceState(pos voxel.ChunkPos, s State) {
	if m.trace != nil {
		m.trace(pos, s)
	}
}

func (m *Manager) mustUnit(h arena.Index) *unit {
	u, ok := m.units.Get(h)
	if !ok {
		panic("streamer: position map or job refers to a dead unit")
	}
	return u
}

// Rendered visits the render list back-to-front until fn returns false.
// Meshes whose buffers are not resident are skipped.
func (m *Manager) Rendered(fn func(RenderEntry) bool) {
	for _, r := range m.render {
		u, ok := m.units.Get(r.unit)
		if !ok || u.mesh == nil || !m.alloc.Resident(u.mesh) {
			continue
		}
		if !fn(RenderEntry{Pos: u.pos, Mesh: u.mesh}) {
			return
		}
	}
}

// StateOf reports the state of the live unit at pos.
func (m *Manager) StateOf(pos voxel.ChunkPos) (State, bool) {
	h, ok := m.byPos[pos]
	if !ok {
		return 0, false
	}
	return m.mustUnit(h).state, true
}

// ChunkCopy is a copy of a unit's voxels taken under a read lock.
type ChunkCopy struct {
	Chunk *voxel.Chunk
	State State
}

// CopyChunk copies the voxels at pos. ok is false when no unit is there or it
// has no chunk yet; busy is true when a job holds the chunk for writing.
func (m *Manager) CopyChunk(pos voxel.ChunkPos) (cp ChunkCopy, ok, busy bool) {
	h, found := m.byPos[pos]
	if !found {
		return ChunkCopy{}, false, false
	}
	u := m.mustUnit(h)
	if !u.hasChunk {
		return ChunkCopy{}, false, false
	}
	r, acquired := m.factory.GetReader([]access.Target{{Pos: pos, Handle: u.chunk}})
	if !acquired {
		return ChunkCopy{}, false, true
	}
	c := *r.Chunk(pos)
	r.Release()
	return ChunkCopy{Chunk: &c, State: u.state}, true, false
}

// Center is the position of the last reload.
func (m *Manager) Center() voxel.ChunkPos { return m.center }

func (m *Manager) Anchor() voxel.ChunkPos { return m.anchor }

type Stats struct {
	Tick   uint64         `json:"tick"`
	Anchor voxel.ChunkPos `json:"anchor"`
	Center voxel.ChunkPos `json:"center"`

	Units     int            `json:"units"`
	ByState   map[string]int `json:"by_state"`
	Staged    int            `json:"staged"`
	Rendered  int            `json:"rendered"`
	Unloading int            `json:"unloading"`
	GenQueued int            `json:"gen_queued"`
	Uploads   int            `json:"upload_queue"`
	InFlight  int            `json:"in_flight"`

	Chunks        int `json:"chunks"`
	ChunkCapacity int `json:"chunk_capacity"`

	UploadedThisTick int `json:"uploaded_this_tick"`

	Counters Counters `json:"counters"`

	StepDuration time.Duration `json:"step_ns,omitempty"`
}

func (m *Manager) Stats() Stats {
	st := Stats{
		Tick:          m.tick,
		Anchor:        m.anchor,
		Center:        m.center,
		Units:         m.units.Len(),
		ByState:       make(map[string]int, numStates),
		Staged:        len(m.staging),
		Rendered:      len(m.render),
		Unloading:     len(m.unload),
		GenQueued:     len(m.genQueue),
		Uploads:       len(m.uploads),
		InFlight:      m.inflight,
		Chunks:        m.chunks.Len(),
		ChunkCapacity: m.chunks.Cap(),
		Counters:      m.counters,
	}
	m.units.Each(func(_ arena.Index, u *unit) {
		if !u.evicted {
			st.ByState[u.state.String()]++
		}
	})
	return st
}
