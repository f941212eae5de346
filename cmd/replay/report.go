package main

import (
	"fmt"
	"io"
	"sort"

	"voxstream.dev/internal/sim/streamer"
	"voxstream.dev/internal/sim/voxel"
)

type Report struct {
	Ticks     int    `json:"ticks"`
	FirstTick uint64 `json:"first_tick"`
	LastTick  uint64 `json:"last_tick"`

	StepP50 int64 `json:"step_us_p50"`
	StepP95 int64 `json:"step_us_p95"`
	StepMax int64 `json:"step_us_max"`

	MaxRendered int `json:"max_rendered"`
	MaxInFlight int `json:"max_in_flight"`
	MaxChunks   int `json:"max_chunks"`
	Centers     int `json:"distinct_centers"`

	// Counters as of the last tick.
	Counters streamer.Counters `json:"counters"`

	// Problems lists broken invariants: ticks out of order, counters going
	// backwards.
	Problems []string `json:"problems,omitempty"`
}

type aggregator struct {
	from, to uint64

	rep     Report
	steps   []int64
	centers map[voxel.ChunkPos]struct{}
	last    *streamer.TickSummary
}

func newAggregator(from, to uint64) *aggregator {
	return &aggregator{from: from, to: to, centers: map[voxel.ChunkPos]struct{}{}}
}

func (a *aggregator) Add(s streamer.TickSummary) {
	if s.Tick < a.from || (a.to != 0 && s.Tick > a.to) {
		return
	}
	r := &a.rep
	if a.last != nil {
		if s.Tick <= a.last.Tick {
			r.Problems = append(r.Problems, fmt.Sprintf("tick %d after %d", s.Tick, a.last.Tick))
		}
		if s.Stats.Counters.Reloads < a.last.Stats.Counters.Reloads ||
			s.Stats.Counters.Uploads < a.last.Stats.Counters.Uploads ||
			s.Stats.Counters.Evictions < a.last.Stats.Counters.Evictions {
			r.Problems = append(r.Problems, fmt.Sprintf("tick %d: counters decreased", s.Tick))
		}
	} else {
		r.FirstTick = s.Tick
	}
	r.Ticks++
	r.LastTick = s.Tick
	r.MaxRendered = max(r.MaxRendered, s.Stats.Rendered)
	r.MaxInFlight = max(r.MaxInFlight, s.Stats.InFlight)
	r.MaxChunks = max(r.MaxChunks, s.Stats.Chunks)
	r.Counters = s.Stats.Counters
	a.steps = append(a.steps, s.StepMicros)
	a.centers[s.Center] = struct{}{}
	last := s
	a.last = &last
}

func (a *aggregator) Report() Report {
	r := a.rep
	r.Centers = len(a.centers)
	if len(a.steps) > 0 {
		steps := append([]int64(nil), a.steps...)
		sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
		r.StepP50 = steps[percentileIndex(len(steps), 50)]
		r.StepP95 = steps[percentileIndex(len(steps), 95)]
		r.StepMax = steps[len(steps)-1]
	}
	return r
}

// percentileIndex uses the nearest-rank method.
func percentileIndex(n, p int) int {
	i := (p*n+99)/100 - 1
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "ticks=%d range=%d..%d centers=%d\n", r.Ticks, r.FirstTick, r.LastTick, r.Centers)
	fmt.Fprintf(w, "step_us p50=%d p95=%d max=%d\n", r.StepP50, r.StepP95, r.StepMax)
	fmt.Fprintf(w, "max rendered=%d in_flight=%d chunks=%d\n", r.MaxRendered, r.MaxInFlight, r.MaxChunks)
	c := r.Counters
	fmt.Fprintf(w, "reloads=%d evictions=%d uploads=%d resorts=%d acquire_failures=%d stale=%d arena_full=%d alloc_failures=%d\n",
		c.Reloads, c.Evictions, c.Uploads, c.Resorts, c.AcquireFailures, c.StaleResults, c.ArenaFull, c.AllocFailures)
	for _, p := range r.Problems {
		fmt.Fprintf(w, "PROBLEM %s\n", p)
	}
}
