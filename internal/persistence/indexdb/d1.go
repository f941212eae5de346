package indexdb

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voxstream.dev/internal/sim/streamer"
)

// D1Config points at an HTTP ingest worker in front of a Cloudflare D1
// database. Events are posted in batches as {"events":[...]}.
type D1Config struct {
	Endpoint      string
	Token         string
	StreamID      string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// MaxRetained bounds the events kept across failed flushes.
	MaxRetained int
	Logger      *log.Logger
}

type D1Index struct {
	cfg        D1Config
	httpClient *http.Client

	ch   chan d1Event
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	queueDropped atomic.Uint64
	flushFail    atomic.Uint64
	flushOK      atomic.Uint64
	retainDrop   atomic.Uint64
}

type D1Stats struct {
	QueueDroppedTotal  uint64
	RetainDroppedTotal uint64
	FlushFailTotal     uint64
	FlushOKTotal       uint64
	QueueDepth         int
	QueueCapacity      int
}

type d1Event struct {
	Kind     string `json:"kind"`
	StreamID string `json:"stream_id"`
	Payload  any    `json:"payload"`
}

type d1TickPayload struct {
	Tick       uint64 `json:"tick"`
	Time       string `json:"time"`
	Anchor     [2]int `json:"anchor"`
	Center     [2]int `json:"center"`
	Units      int    `json:"units"`
	Rendered   int    `json:"rendered"`
	InFlight   int    `json:"in_flight"`
	Chunks     int    `json:"chunks"`
	StepMicros int64  `json:"step_us"`
	Evictions  uint64 `json:"evictions"`
	Reloads    uint64 `json:"reloads"`
}

type d1TuningPayload struct {
	Digest     string `json:"digest"`
	JSON       string `json:"json"`
	RecordedAt string `json:"recorded_at"`
}

func OpenD1(cfg D1Config) (*D1Index, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.StreamID = strings.TrimSpace(cfg.StreamID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty d1 ingest endpoint")
	}
	if cfg.StreamID == "" {
		return nil, fmt.Errorf("empty stream id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 16 * cfg.BatchSize
	}

	d := &D1Index{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		ch: make(chan d1Event, 8192),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()

	return d, nil
}

func (d *D1Index) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *D1Index) WriteTick(sum streamer.TickSummary) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	p := d1TickPayload{
		Tick:       sum.Tick,
		Time:       sum.Time.UTC().Format(time.RFC3339Nano),
		Anchor:     [2]int{sum.Anchor.X, sum.Anchor.Z},
		Center:     [2]int{sum.Center.X, sum.Center.Z},
		Units:      sum.Stats.Units,
		Rendered:   sum.Stats.Rendered,
		InFlight:   sum.Stats.InFlight,
		Chunks:     sum.Stats.Chunks,
		StepMicros: sum.StepMicros,
		Evictions:  sum.Stats.Counters.Evictions,
		Reloads:    sum.Stats.Counters.Reloads,
	}
	d.enqueue(d1Event{Kind: "tick", StreamID: d.cfg.StreamID, Payload: p})
	return nil
}

func (d *D1Index) RecordTuning(tune any) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	d.enqueue(d1Event{Kind: "tuning", StreamID: d.cfg.StreamID, Payload: d1TuningPayload{
		Digest:     hex.EncodeToString(sum[:]),
		JSON:       string(b),
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}})
	return nil
}

func (d *D1Index) Stats() D1Stats {
	if d == nil {
		return D1Stats{}
	}
	return D1Stats{
		QueueDroppedTotal:  d.queueDropped.Load(),
		RetainDroppedTotal: d.retainDrop.Load(),
		FlushFailTotal:     d.flushFail.Load(),
		FlushOKTotal:       d.flushOK.Load(),
		QueueDepth:         len(d.ch),
		QueueCapacity:      cap(d.ch),
	}
}

func (d *D1Index) enqueue(ev d1Event) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- ev:
	default:
		if d.queueDropped.Add(1) == 1 {
			d.printf("d1 index queue full; dropping kind=%s stream=%s", ev.Kind, ev.StreamID)
		}
	}
}

func (d *D1Index) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]d1Event, 0, d.cfg.BatchSize)
	// While failing, only the ticker flushes so a down endpoint does not
	// stall the queue on every event.
	failing := false
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			failing = true
			d.flushFail.Add(1)
			d.printf("d1 index flush failed batch=%d err=%v", len(batch), err)
			// Keep the batch for the next flush, oldest events go first.
			if over := len(batch) - d.cfg.MaxRetained; over > 0 {
				d.retainDrop.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		failing = false
		d.flushOK.Add(1)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if !failing && len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *D1Index) sendBatch(events []d1Event) error {
	if len(events) == 0 {
		return nil
	}

	body := struct {
		Events []d1Event `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-vs-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *D1Index) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
