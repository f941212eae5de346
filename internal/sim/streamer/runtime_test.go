package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxstream.dev/internal/observerproto"
	"voxstream.dev/internal/sim/gpu"
	"voxstream.dev/internal/sim/voxel"
	"voxstream.dev/internal/sim/workers"
)

type memTickLog struct{ ticks []TickSummary }

func (l *memTickLog) WriteTick(s TickSummary) error {
	l.ticks = append(l.ticks, s)
	return nil
}

func TestRuntimeStepLogsAndMovesLatest(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, nil)
	tl := &memTickLog{}
	r, err := NewRuntime(h.m, RuntimeConfig{TickRateHz: 10, Start: eyeIn(voxel.ChunkPos{}), TickLogger: tl}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if r.Latest() != nil || r.CurrentTick() != 0 {
		t.Fatalf("summary before first tick")
	}

	r.Step()
	h.exec.runAll()
	r.Move(eyeIn(voxel.ChunkPos{X: 1}))
	r.Move(eyeIn(voxel.ChunkPos{X: 5}))
	sum := r.Step()

	if sum.Anchor != (voxel.ChunkPos{X: 5}) {
		t.Fatalf("anchor=%+v want latest move 5,0", sum.Anchor)
	}
	if sum.Center != (voxel.ChunkPos{X: 5}) {
		t.Fatalf("center=%+v want reload at 5,0", sum.Center)
	}
	if len(tl.ticks) != 2 || tl.ticks[1].Tick != 2 {
		t.Fatalf("logged %d ticks", len(tl.ticks))
	}
	if tl.ticks[1].Render != nil {
		t.Fatalf("render list logged without KeepRender")
	}
	if r.CurrentTick() != 2 {
		t.Fatalf("current tick=%d want 2", r.CurrentTick())
	}
}

func TestRuntimeObserverTicks(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, nil)
	r, err := NewRuntime(h.m, RuntimeConfig{TickRateHz: 10, Start: eyeIn(voxel.ChunkPos{})}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	plain := make(chan []byte, 1)
	full := make(chan []byte, 1)
	r.handleObserverJoin(ObserverJoinRequest{SessionID: "O1", TickOut: plain})
	r.handleObserverJoin(ObserverJoinRequest{SessionID: "O2", TickOut: full, IncludeRender: true, MaxChunks: 10})

	for i := 0; i < 120; i++ {
		r.Step()
		h.exec.runAll()
	}

	var msg observerproto.TickMsg
	if err := json.Unmarshal(<-plain, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "TICK" || msg.ProtocolVersion != observerproto.Version || msg.Tick != 120 {
		t.Fatalf("unexpected tick msg %+v", msg)
	}
	if msg.Render != nil {
		t.Fatalf("render list sent without include_render")
	}

	msg = observerproto.TickMsg{}
	if err := json.Unmarshal(<-full, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Render) != 10 {
		t.Fatalf("render entries=%d want capped at 10", len(msg.Render))
	}

	r.handleObserverLeave("O1")
	if _, ok := <-plain; ok {
		t.Fatalf("tick channel should be closed on leave")
	}
}

func TestRuntimeRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := workers.New(ctx, 2)
	defer pool.Stop()

	m, err := NewManager(DefaultConfig(), Deps{
		Generator: pondTerrain,
		Allocator: gpu.NewMemAllocator(0),
		Executor:  pool,
	}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	r, err := NewRuntime(m, RuntimeConfig{TickRateHz: 200, Start: mgl32.Vec3{0, 40, 0}}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for r.CurrentTick() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runtime did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err=%v want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestNewRuntimeRejectsBadConfig(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, nil)
	if _, err := NewRuntime(h.m, RuntimeConfig{}, nil); err == nil {
		t.Fatalf("zero tick rate accepted")
	}
	if _, err := NewRuntime(nil, RuntimeConfig{TickRateHz: 5}, nil); err == nil {
		t.Fatalf("nil manager accepted")
	}
}

func TestRuntimeRequestChunk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := workers.New(ctx, 2)
	defer pool.Stop()

	m, err := NewManager(DefaultConfig(), Deps{
		Generator: pondTerrain,
		Allocator: gpu.NewMemAllocator(0),
		Executor:  pool,
	}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	r, err := NewRuntime(m, RuntimeConfig{TickRateHz: 200, Start: eyeIn(voxel.ChunkPos{})}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("chunk 0,0 never became readable")
		}
		reqCtx, reqCancel := context.WithTimeout(ctx, time.Second)
		rep, err := r.RequestChunk(reqCtx, voxel.ChunkPos{})
		reqCancel()
		if err != nil {
			t.Fatalf("RequestChunk: %v", err)
		}
		if rep.Found {
			if rep.Copy.Chunk.At(1, 2, 1).Kind != voxel.Stone {
				t.Fatalf("unexpected voxel in copy")
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
