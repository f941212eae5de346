package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxstream.dev/internal/observerproto"
	"voxstream.dev/internal/sim/voxel"
)

// TickLogger receives one summary per tick.
type TickLogger interface {
	WriteTick(s TickSummary) error
}

type TickSummary struct {
	Tick       uint64         `json:"tick"`
	Time       time.Time      `json:"time"`
	Eye        [3]float32     `json:"eye"`
	Anchor     voxel.ChunkPos `json:"anchor"`
	Center     voxel.ChunkPos `json:"center"`
	StepMicros int64          `json:"step_us"`
	Stats      Stats          `json:"stats"`
	Render     []RenderRecord `json:"render,omitempty"`
}

// RenderRecord is one render list entry, farthest first.
type RenderRecord struct {
	Pos         voxel.ChunkPos `json:"pos"`
	Triangles   int            `json:"triangles"`
	Transparent int            `json:"transparent"`
}

type RuntimeConfig struct {
	TickRateHz int
	Start      mgl32.Vec3
	TickLogger TickLogger
	// KeepRender records the render list in every summary.
	KeepRender bool
}

type ObserverJoinRequest struct {
	SessionID string
	TickOut   chan []byte

	IncludeRender bool
	MaxChunks     int
}

type ObserverSubscribeRequest struct {
	SessionID     string
	IncludeRender bool
	MaxChunks     int
}

// ChunkReply answers a ChunkRequest on the runtime goroutine.
type ChunkReply struct {
	Tick  uint64
	Copy  ChunkCopy
	Found bool
	Busy  bool
}

type chunkRequest struct {
	pos   voxel.ChunkPos
	reply chan ChunkReply
}

type observerClient struct {
	id            string
	tickOut       chan []byte
	includeRender bool
	maxChunks     int
}

// Runtime drives a Manager from a single goroutine.
type Runtime struct {
	mgr     *Manager
	cfg     RuntimeConfig
	logger  *log.Logger
	tickLog TickLogger

	move          chan mgl32.Vec3
	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string
	chunkReq      chan chunkRequest
	stop          chan struct{}
	stopOnce      sync.Once

	eye       mgl32.Vec3
	observers map[string]*observerClient

	latest atomic.Pointer[TickSummary]
}

func NewRuntime(mgr *Manager, cfg RuntimeConfig, logger *log.Logger) (*Runtime, error) {
	if mgr == nil {
		return nil, errors.New("streamer: nil manager")
	}
	if cfg.TickRateHz <= 0 {
		return nil, errors.New("streamer: tick rate must be positive")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Runtime{
		mgr:           mgr,
		cfg:           cfg,
		logger:        logger,
		tickLog:       cfg.TickLogger,
		move:          make(chan mgl32.Vec3, 1),
		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerSub:   make(chan ObserverSubscribeRequest, 64),
		observerLeave: make(chan string, 16),
		chunkReq:      make(chan chunkRequest, 16),
		stop:          make(chan struct{}),
		eye:           cfg.Start,
		observers:     map[string]*observerClient{},
	}, nil
}

func (r *Runtime) Config() RuntimeConfig { return r.cfg }

func (r *Runtime) Manager() *Manager { return r.mgr }

// Latest is the most recent tick summary, or nil before the first tick.
func (r *Runtime) Latest() *TickSummary { return r.latest.Load() }

func (r *Runtime) ObserverJoin() chan<- ObserverJoinRequest { return r.observerJoin }

func (r *Runtime) ObserverSubscribe() chan<- ObserverSubscribeRequest { return r.observerSub }

func (r *Runtime) ObserverLeave() chan<- string { return r.observerLeave }

// CurrentTick is safe to call from any goroutine.
func (r *Runtime) CurrentTick() uint64 {
	if s := r.latest.Load(); s != nil {
		return s.Tick
	}
	return 0
}

// Move sets the observer position for the next tick. Only the latest
// position is kept.
func (r *Runtime) Move(eye mgl32.Vec3) {
	select {
	case r.move <- eye:
		return
	default:
	}
	select {
	case <-r.move:
	default:
	}
	select {
	case r.move <- eye:
	default:
	}
}

// RequestChunk asks the runtime goroutine for a copy of the voxels at pos. It
// blocks until the next turn of Run or ctx is done.
func (r *Runtime) RequestChunk(ctx context.Context, pos voxel.ChunkPos) (ChunkReply, error) {
	req := chunkRequest{pos: pos, reply: make(chan ChunkReply, 1)}
	select {
	case r.chunkReq <- req:
	case <-ctx.Done():
		return ChunkReply{}, ctx.Err()
	case <-r.stop:
		return ChunkReply{}, errors.New("streamer: runtime stopped")
	}
	select {
	case rep := <-req.reply:
		return rep, nil
	case <-ctx.Done():
		return ChunkReply{}, ctx.Err()
	}
}

func (r *Runtime) handleChunkRequest(req chunkRequest) {
	cp, ok, busy := r.mgr.CopyChunk(req.pos)
	req.reply <- ChunkReply{Tick: r.CurrentTick(), Copy: cp, Found: ok, Busy: busy}
}

func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Runtime) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(r.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer r.closeObservers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case req := <-r.observerJoin:
			r.handleObserverJoin(req)
		case req := <-r.observerSub:
			r.handleObserverSubscribe(req)
		case id := <-r.observerLeave:
			r.handleObserverLeave(id)
		case req := <-r.chunkReq:
			r.handleChunkRequest(req)
		case <-ticker.C:
			r.Step()
		}
	}
}

// Step runs one tick with the latest observer position. It must be called
// from the goroutine that owns the Runtime.
func (r *Runtime) Step() TickSummary {
	select {
	case eye := <-r.move:
		r.eye = eye
	default:
	}

	start := time.Now()
	st := r.mgr.Tick(r.eye)
	elapsed := time.Since(start)
	st.StepDuration = elapsed

	sum := TickSummary{
		Tick:       st.Tick,
		Time:       start.UTC(),
		Eye:        [3]float32{r.eye.X(), r.eye.Y(), r.eye.Z()},
		Anchor:     st.Anchor,
		Center:     st.Center,
		StepMicros: elapsed.Microseconds(),
		Stats:      st,
	}
	wantRender := r.cfg.KeepRender
	for _, c := range r.observers {
		wantRender = wantRender || c.includeRender
	}
	if wantRender {
		r.mgr.Rendered(func(e RenderEntry) bool {
			sum.Render = append(sum.Render, RenderRecord{
				Pos:         e.Pos,
				Triangles:   e.Mesh.TriangleCount(),
				Transparent: len(e.Mesh.Transparent),
			})
			return true
		})
	}

	r.latest.Store(&sum)
	if r.tickLog != nil {
		logged := sum
		if !r.cfg.KeepRender {
			logged.Render = nil
		}
		if err := r.tickLog.WriteTick(logged); err != nil {
			r.logger.Printf("tick log: %v", err)
		}
	}
	r.stepObservers(&sum)
	return sum
}

func (r *Runtime) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.TickOut == nil {
		return
	}
	if old := r.observers[req.SessionID]; old != nil {
		close(old.tickOut)
	}
	r.observers[req.SessionID] = &observerClient{
		id:            req.SessionID,
		tickOut:       req.TickOut,
		includeRender: req.IncludeRender,
		maxChunks:     clampInt(req.MaxChunks, 1, 4096, 1024),
	}
}

func (r *Runtime) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := r.observers[req.SessionID]
	if c == nil {
		return
	}
	c.includeRender = req.IncludeRender
	c.maxChunks = clampInt(req.MaxChunks, 1, 4096, c.maxChunks)
}

func (r *Runtime) handleObserverLeave(sessionID string) {
	c := r.observers[sessionID]
	if c == nil {
		return
	}
	delete(r.observers, sessionID)
	close(c.tickOut)
}

func (r *Runtime) closeObservers() {
	for id, c := range r.observers {
		delete(r.observers, id)
		close(c.tickOut)
	}
}

func (r *Runtime) stepObservers(sum *TickSummary) {
	if len(r.observers) == 0 {
		return
	}
	base := observerproto.TickMsg{
		Type:            "TICK",
		ProtocolVersion: observerproto.Version,
		Tick:            sum.Tick,
		Eye:             sum.Eye,
		Anchor:          [2]int{sum.Anchor.X, sum.Anchor.Z},
		Center:          [2]int{sum.Center.X, sum.Center.Z},
		StepMicros:      sum.StepMicros,
		Units:           sum.Stats.Units,
		ByState:         sum.Stats.ByState,
		Rendered:        sum.Stats.Rendered,
		Unloading:       sum.Stats.Unloading,
		InFlight:        sum.Stats.InFlight,
		Chunks:          sum.Stats.Chunks,
	}
	plain, err := json.Marshal(base)
	if err != nil {
		r.logger.Printf("observer tick: %v", err)
		return
	}
	for _, c := range r.observers {
		if !c.includeRender {
			sendLatest(c.tickOut, plain)
			continue
		}
		msg := base
		n := min(len(sum.Render), c.maxChunks)
		msg.Render = make([]observerproto.RenderChunk, 0, n)
		for _, e := range sum.Render[:n] {
			msg.Render = append(msg.Render, observerproto.RenderChunk{
				Pos:         [2]int{e.Pos.X, e.Pos.Z},
				Triangles:   e.Triangles,
				Transparent: e.Transparent,
			})
		}
		b, err := json.Marshal(msg)
		if err != nil {
			r.logger.Printf("observer tick: %v", err)
			continue
		}
		sendLatest(c.tickOut, b)
	}
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
