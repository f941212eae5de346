package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	persistlog "voxstream.dev/internal/persistence/log"
	"voxstream.dev/internal/sim/gpu"
	"voxstream.dev/internal/sim/streamer"
	"voxstream.dev/internal/sim/terrain/gen"
	"voxstream.dev/internal/sim/tuning"
	"voxstream.dev/internal/sim/workers"
	"voxstream.dev/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		streamID   = flag.String("stream", "stream_1", "stream id used by remote index backends")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (defaults apply if missing)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		seed       = flag.Int64("seed", 0, "terrain seed (0: use tuning)")
		workerN    = flag.Int("workers", -1, "worker goroutines (-1: use tuning, 0: one per CPU)")
		maxGPU     = flag.Int("max_resident", 0, "max resident mesh buffers (0: unbounded)")
		disableDB  = flag.Bool("disable_db", false, "disable the tick summary index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(strings.TrimSpace(*tuningPath))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}
	if *seed != 0 {
		tune.Seed = *seed
	}
	if *workerN >= 0 {
		tune.Workers = *workerN
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	idx, err := openRuntimeIndex(*dataDir, *streamID, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.RecordTuning(tune); err != nil {
			logger.Printf("index backend: record tuning: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	terrain := &gen.Terrain{
		Seed:                 tune.Seed,
		SeaLevel:             tune.Terrain.SeaLevel,
		BaseHeight:           tune.Terrain.BaseHeight,
		Amplitude:            tune.Terrain.Amplitude,
		NoiseScale:           tune.Terrain.NoiseScale,
		BiomeRegionSize:      tune.Terrain.BiomeRegionSize,
		StoneClusterPermille: gen.DefaultTerrain(tune.Seed).StoneClusterPermille,
	}
	trees := &gen.Trees{
		Terrain:        terrain,
		ForestPermille: tune.Terrain.ForestTrees,
		PlainsPermille: tune.Terrain.PlainsTrees,
	}
	alloc := gpu.NewMemAllocator(*maxGPU)
	pool := workers.New(ctx, tune.Workers)
	defer pool.Stop()

	mgr, err := streamer.NewManager(tune.Streaming, streamer.Deps{
		Generator: terrain,
		Decorator: trees,
		Allocator: alloc,
		Executor:  pool,
	}, logger)
	if err != nil {
		logger.Fatalf("streamer: %v", err)
	}

	tickLog := persistlog.NewTickLogger(*dataDir)
	defer tickLog.Close()

	flight := newFlightPath(tune.Observer.Start, tune.Observer.HeadingDeg, tune.Observer.Speed)
	rt, err := streamer.NewRuntime(mgr, streamer.RuntimeConfig{
		TickRateHz: tune.TickRateHz,
		Start:      flight.At(0),
		TickLogger: multiTickLogger{a: tickLog, b: idx},
		KeepRender: tune.TickLog.KeepRender,
	}, logger)
	if err != nil {
		logger.Fatalf("runtime: %v", err)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("runtime stopped: %v", err)
		}
	}()
	go fly(ctx, flight, time.Second/time.Duration(tune.TickRateHz), rt.Move)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, metricsSource{
			latest:  rt.Latest,
			alloc:   alloc.Stats,
			workers: pool.Stats,
			index:   idx,
		})
	})

	enableAdminHTTP := envBool("VS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("VS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Tick    uint64                `json:"tick"`
				Summary *streamer.TickSummary `json:"summary"`
				GPU     gpu.Stats             `json:"gpu"`
				Workers workers.Stats         `json:"workers"`
			}{
				Tick:    rt.CurrentTick(),
				Summary: rt.Latest(),
				GPU:     alloc.Stats(),
				Workers: pool.Stats(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		// Manual repositioning; the flight path overrides it on its next step
		// unless observer.speed is zero.
		mux.HandleFunc("/admin/v1/move", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			var body struct {
				Eye [3]float32 `json:"eye"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			rt.Move(mgl32.Vec3{body.Eye[0], body.Eye[1], body.Eye[2]})
			rw.WriteHeader(http.StatusAccepted)
		})

		observer.NewServer(rt, tune.Seed, logger).Register(mux)
	} else {
		logger.Printf("admin endpoints disabled (VS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s seed=%d tick_rate=%dHz workers=%d data=%s",
		*addr, tune.Seed, tune.TickRateHz, pool.Stats().Workers, filepath.Clean(*dataDir))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	<-runDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
