package main

import (
	"fmt"
	"io"

	"voxstream.dev/internal/persistence/indexdb"
	"voxstream.dev/internal/sim/gpu"
	"voxstream.dev/internal/sim/streamer"
	"voxstream.dev/internal/sim/workers"
)

type metricsSource struct {
	latest  func() *streamer.TickSummary
	alloc   func() gpu.Stats
	workers func() workers.Stats
	index   runtimeIndex
}

// writeMetrics emits the Prometheus text exposition format.
func writeMetrics(w io.Writer, src metricsSource) {
	if sum := src.latest(); sum != nil {
		st := sum.Stats
		fmt.Fprintf(w, "# HELP voxstream_tick Current streaming tick.\n")
		fmt.Fprintf(w, "# TYPE voxstream_tick gauge\n")
		fmt.Fprintf(w, "voxstream_tick %d\n", sum.Tick)

		fmt.Fprintf(w, "# HELP voxstream_step_us Last tick step duration in microseconds.\n")
		fmt.Fprintf(w, "# TYPE voxstream_step_us gauge\n")
		fmt.Fprintf(w, "voxstream_step_us %d\n", sum.StepMicros)

		fmt.Fprintf(w, "# HELP voxstream_units Chunks by lifecycle state.\n")
		fmt.Fprintf(w, "# TYPE voxstream_units gauge\n")
		for _, s := range streamer.States() {
			fmt.Fprintf(w, "voxstream_units{state=%q} %d\n", s.String(), st.ByState[s.String()])
		}

		fmt.Fprintf(w, "# HELP voxstream_queue_depth Scheduler list lengths.\n")
		fmt.Fprintf(w, "# TYPE voxstream_queue_depth gauge\n")
		fmt.Fprintf(w, "voxstream_queue_depth{queue=%q} %d\n", "staging", st.Staged)
		fmt.Fprintf(w, "voxstream_queue_depth{queue=%q} %d\n", "render", st.Rendered)
		fmt.Fprintf(w, "voxstream_queue_depth{queue=%q} %d\n", "unload", st.Unloading)
		fmt.Fprintf(w, "voxstream_queue_depth{queue=%q} %d\n", "generate", st.GenQueued)
		fmt.Fprintf(w, "voxstream_queue_depth{queue=%q} %d\n", "upload", st.Uploads)

		fmt.Fprintf(w, "# HELP voxstream_jobs_in_flight Jobs handed to workers and not yet drained.\n")
		fmt.Fprintf(w, "# TYPE voxstream_jobs_in_flight gauge\n")
		fmt.Fprintf(w, "voxstream_jobs_in_flight %d\n", st.InFlight)

		fmt.Fprintf(w, "# HELP voxstream_arena_chunks Occupied chunk arena slots.\n")
		fmt.Fprintf(w, "# TYPE voxstream_arena_chunks gauge\n")
		fmt.Fprintf(w, "voxstream_arena_chunks %d\n", st.Chunks)
		fmt.Fprintf(w, "voxstream_arena_capacity %d\n", st.ChunkCapacity)

		c := st.Counters
		fmt.Fprintf(w, "# HELP voxstream_events_total Cumulative scheduler events.\n")
		fmt.Fprintf(w, "# TYPE voxstream_events_total counter\n")
		for _, kv := range []struct {
			name string
			v    uint64
		}{
			{"reload", c.Reloads},
			{"eviction", c.Evictions},
			{"freed", c.Freed},
			{"generate_job", c.GenerateJobs},
			{"decorate_job", c.DecorateJobs},
			{"mesh_job", c.MeshJobs},
			{"acquire_failure", c.AcquireFailures},
			{"stale_result", c.StaleResults},
			{"arena_full", c.ArenaFull},
			{"alloc_failure", c.AllocFailures},
			{"upload", c.Uploads},
			{"resort", c.Resorts},
		} {
			fmt.Fprintf(w, "voxstream_events_total{event=%q} %d\n", kv.name, kv.v)
		}
	}

	if src.alloc != nil {
		a := src.alloc()
		fmt.Fprintf(w, "# HELP voxstream_gpu_resident Resident mesh buffers.\n")
		fmt.Fprintf(w, "# TYPE voxstream_gpu_resident gauge\n")
		fmt.Fprintf(w, "voxstream_gpu_resident %d\n", a.Resident)
		fmt.Fprintf(w, "voxstream_gpu_triangles %d\n", a.Triangles)
		fmt.Fprintf(w, "voxstream_gpu_resident_bytes %d\n", a.ResidentBytes)
		fmt.Fprintf(w, "voxstream_gpu_failed_allocs_total %d\n", a.FailedAllocs)
	}

	if src.workers != nil {
		p := src.workers()
		fmt.Fprintf(w, "# HELP voxstream_workers Worker pool state.\n")
		fmt.Fprintf(w, "# TYPE voxstream_workers gauge\n")
		fmt.Fprintf(w, "voxstream_workers{metric=%q} %d\n", "size", p.Workers)
		fmt.Fprintf(w, "voxstream_workers{metric=%q} %d\n", "running", p.Running)
		fmt.Fprintf(w, "voxstream_workers{metric=%q} %d\n", "waiting", p.Waiting)
		fmt.Fprintf(w, "voxstream_workers_completed_total %d\n", p.Completed)
	}

	switch idx := src.index.(type) {
	case *indexdb.SQLiteIndex:
		s := idx.Stats()
		fmt.Fprintf(w, "# HELP voxstream_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(w, "# TYPE voxstream_index_queue_depth gauge\n")
		fmt.Fprintf(w, "voxstream_index_queue_depth{backend=%q} %d\n", "sqlite", s.QueueDepth)
		fmt.Fprintf(w, "voxstream_index_dropped_total{backend=%q} %d\n", "sqlite", s.DropTickTotal+s.DropTuningTotal)
	case *indexdb.D1Index:
		s := idx.Stats()
		fmt.Fprintf(w, "# HELP voxstream_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(w, "# TYPE voxstream_index_queue_depth gauge\n")
		fmt.Fprintf(w, "voxstream_index_queue_depth{backend=%q} %d\n", "d1", s.QueueDepth)
		fmt.Fprintf(w, "voxstream_index_dropped_total{backend=%q} %d\n", "d1", s.QueueDroppedTotal+s.RetainDroppedTotal)
		fmt.Fprintf(w, "voxstream_index_flush_fail_total{backend=%q} %d\n", "d1", s.FlushFailTotal)
	}
}
