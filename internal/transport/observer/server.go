package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voxstream.dev/internal/observerproto"
	"voxstream.dev/internal/sim/encoding"
	"voxstream.dev/internal/sim/streamer"
	"voxstream.dev/internal/sim/voxel"
)

// Server exposes a read-only view of a streaming Runtime. Observers never
// change what the scheduler does.
type Server struct {
	rt   *streamer.Runtime
	seed int64
	log  *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(rt *streamer.Runtime, seed int64, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		rt:   rt,
		seed: seed,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

const (
	BootstrapPath = "/admin/v1/observer/bootstrap"
	WSPath        = "/admin/v1/observer/ws"
	ChunkPath     = "/admin/v1/observer/chunk"
)

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(BootstrapPath, s.BootstrapHandler())
	mux.HandleFunc(WSPath, s.WSHandler())
	mux.HandleFunc(ChunkPath, s.ChunkHandler())
}

// ChunkHandler returns the voxels of one loaded chunk. A chunk held by a
// decoration job answers 409 and can be retried.
func (s *Server) ChunkHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		x, errX := strconv.Atoi(r.URL.Query().Get("x"))
		z, errZ := strconv.Atoi(r.URL.Query().Get("z"))
		if errX != nil || errZ != nil {
			http.Error(rw, "x and z must be integers", http.StatusBadRequest)
			return
		}
		pos := voxel.ChunkPos{X: x, Z: z}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		rep, err := s.rt.RequestChunk(ctx, pos)
		if err != nil {
			http.Error(rw, "runtime unavailable", http.StatusServiceUnavailable)
			return
		}
		switch {
		case rep.Busy:
			http.Error(rw, "chunk busy", http.StatusConflict)
			return
		case !rep.Found:
			http.Error(rw, "chunk not loaded", http.StatusNotFound)
			return
		}

		resp := observerproto.ChunkVoxelsMsg{
			Type:            "CHUNK_VOXELS",
			ProtocolVersion: observerproto.Version,
			Tick:            rep.Tick,
			Pos:             [2]int{x, z},
			State:           rep.Copy.State.String(),
			Encoding:        encoding.ChunkEncoding,
			Data:            encoding.EncodeChunk(rep.Copy.Chunk),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		cfg := s.rt.Manager().Config()
		states := streamer.States()
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = st.String()
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            s.rt.CurrentTick(),
			StreamParams: observerproto.StreamParams{
				TickRateHz:  s.rt.Config().TickRateHz,
				ChunkSize:   [3]int{voxel.SizeX, voxel.SizeY, voxel.SizeZ},
				NoUpdate:    cfg.NoUpdate,
				Visible:     cfg.Visible,
				StillLoaded: cfg.StillLoaded,
				Seed:        s.seed,
			},
			VoxelPalette: voxel.Palette(),
			States:       names,
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		normalizeSubscribe(&sub)

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		tickOut := make(chan []byte, 8)

		joinReq := streamer.ObserverJoinRequest{
			SessionID:     sid,
			TickOut:       tickOut,
			IncludeRender: sub.IncludeRender,
			MaxChunks:     sub.MaxChunks,
		}
		select {
		case s.rt.ObserverJoin() <- joinReq:
		default:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		s.log.Printf("observer %s joined render=%v max_chunks=%d", sid, sub.IncludeRender, sub.MaxChunks)
		defer func() {
			select {
			case s.rt.ObserverLeave() <- sid:
			default:
				// Runtime is stopping; nothing else to do.
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-tickOut:
					if !ok {
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
				continue
			}
			normalizeSubscribe(&sub)
			req := streamer.ObserverSubscribeRequest{
				SessionID:     sid,
				IncludeRender: sub.IncludeRender,
				MaxChunks:     sub.MaxChunks,
			}
			select {
			case s.rt.ObserverSubscribe() <- req:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.MaxChunks <= 0 {
		sub.MaxChunks = 1024
	}
	if sub.MaxChunks > 4096 {
		sub.MaxChunks = 4096
	}
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
