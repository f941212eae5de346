package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"voxstream.dev/internal/sim/streamer"
	"voxstream.dev/internal/sim/voxel"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: streamer.TickSummary{Tick: 1}}

	_ = s.WriteTick(streamer.TickSummary{Tick: 2})
	_ = s.RecordTuning(map[string]int{"tick_rate_hz": 20})

	st := s.Stats()
	if st.DropTickTotal != 1 {
		t.Fatalf("DropTickTotal=%d want=1", st.DropTickTotal)
	}
	if st.DropTuningTotal != 1 {
		t.Fatalf("DropTuningTotal=%d want=1", st.DropTuningTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_StoresTicks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "stream.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for tick := uint64(1); tick <= 3; tick++ {
		sum := streamer.TickSummary{
			Tick:       tick,
			Time:       now,
			Anchor:     voxel.ChunkPos{X: int(tick), Z: -1},
			Center:     voxel.ChunkPos{X: 0, Z: 0},
			StepMicros: 250,
			Stats:      streamer.Stats{Tick: tick, Units: 225, Rendered: 121, Chunks: 361},
		}
		if tick == 3 {
			sum.Render = []streamer.RenderRecord{
				{Pos: voxel.ChunkPos{X: 5, Z: 5}, Triangles: 40, Transparent: 2},
				{Pos: voxel.ChunkPos{X: 0, Z: 0}, Triangles: 12},
			}
		}
		if err := idx.WriteTick(sum); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := idx.RecordTuning(map[string]int{"seed": 7}); err != nil {
		t.Fatalf("RecordTuning: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.WriteTick(streamer.TickSummary{Tick: 9}); err != nil {
		t.Fatalf("WriteTick after close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var n, units, anchorX int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ticks`).Scan(&n); err != nil {
		t.Fatalf("count ticks: %v", err)
	}
	if n != 3 {
		t.Fatalf("ticks=%d want 3", n)
	}
	if err := db.QueryRow(`SELECT units, anchor_x FROM ticks WHERE tick=2`).Scan(&units, &anchorX); err != nil {
		t.Fatalf("select tick 2: %v", err)
	}
	if units != 225 || anchorX != 2 {
		t.Fatalf("tick 2 units=%d anchor_x=%d", units, anchorX)
	}

	var firstX, firstTris int
	if err := db.QueryRow(`SELECT x, triangles FROM render WHERE tick=3 AND seq=0`).Scan(&firstX, &firstTris); err != nil {
		t.Fatalf("select render: %v", err)
	}
	if firstX != 5 || firstTris != 40 {
		t.Fatalf("render[0] x=%d tris=%d want 5/40", firstX, firstTris)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM tunings`).Scan(&n); err != nil {
		t.Fatalf("count tunings: %v", err)
	}
	if n != 1 {
		t.Fatalf("tunings=%d want 1", n)
	}
}
