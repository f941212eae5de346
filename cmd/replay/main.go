package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	persistlog "voxstream.dev/internal/persistence/log"
	"voxstream.dev/internal/sim/streamer"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory")
		ticksDir = flag.String("ticks", "", "dir containing tick-*.jsonl.zst (default: <data>/ticks)")
		fromTick = flag.Uint64("from_tick", 0, "first tick to include (optional)")
		toTick   = flag.Uint64("to_tick", 0, "last tick to include (optional)")
		asJSON   = flag.Bool("json", false, "print the report as JSON")
	)
	flag.Parse()

	dir := *ticksDir
	if dir == "" {
		dir = persistlog.TickDir(*dataDir)
	}
	files, err := persistlog.TickFiles(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list tick files:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no tick files in", dir)
		os.Exit(2)
	}

	agg := newAggregator(*fromTick, *toTick)
	for _, f := range files {
		err := persistlog.ReadTicks(f, func(s streamer.TickSummary) error {
			agg.Add(s)
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", f, err)
			os.Exit(1)
		}
	}
	rep := agg.Report()

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	} else {
		rep.Print(os.Stdout)
	}
	if len(rep.Problems) > 0 {
		os.Exit(1)
	}
}
