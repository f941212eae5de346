package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxstream.dev/internal/sim/streamer"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick   atomic.Uint64
	dropTuning atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqTuning
)

type req struct {
	kind reqKind

	tick   streamer.TickSummary
	tuning tuningRow
}

type tuningRow struct {
	Digest string
	JSON   []byte
	At     string
}

type Stats struct {
	DropTickTotal   uint64
	DropTuningTotal uint64
	QueueDepth      int
	QueueCapacity   int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// A few minutes of ticks at 20Hz; the writer commits in batches.
		ch: make(chan req, 8192),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			time TEXT NOT NULL,
			anchor_x INTEGER NOT NULL,
			anchor_z INTEGER NOT NULL,
			center_x INTEGER NOT NULL,
			center_z INTEGER NOT NULL,
			units INTEGER NOT NULL,
			rendered INTEGER NOT NULL,
			in_flight INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			step_us INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_center ON ticks(center_x, center_z, tick);`,
		`CREATE TABLE IF NOT EXISTS render (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			triangles INTEGER NOT NULL,
			transparent INTEGER NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS tunings (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteTick never blocks. It drops the summary if the writer falls behind;
// the zstd tick log remains the source of truth.
func (s *SQLiteIndex) WriteTick(sum streamer.TickSummary) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: sum}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

// RecordTuning stores the effective tuning keyed by its JSON digest.
func (s *SQLiteIndex) RecordTuning(tune any) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	r := tuningRow{
		Digest: hex.EncodeToString(sum[:]),
		JSON:   b,
		At:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqTuning, tuning: r}:
	default:
		s.dropTuning.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropTickTotal:   s.dropTick.Load(),
		DropTuningTotal: s.dropTuning.Load(),
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,time,anchor_x,anchor_z,center_x,center_z,units,rendered,in_flight,chunks,step_us,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertRender, _ := s.db.Prepare(`INSERT OR REPLACE INTO render(tick,seq,x,z,triangles,transparent) VALUES(?,?,?,?,?,?)`)
	insertTuning, _ := s.db.Prepare(`INSERT OR REPLACE INTO tunings(digest,json,recorded_at) VALUES(?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertRender != nil {
			_ = insertRender.Close()
		}
		if insertTuning != nil {
			_ = insertTuning.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			b, _ := json.Marshal(t)
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					int64(t.Tick),
					t.Time.UTC().Format(time.RFC3339Nano),
					t.Anchor.X, t.Anchor.Z,
					t.Center.X, t.Center.Z,
					t.Stats.Units,
					t.Stats.Rendered,
					t.Stats.InFlight,
					t.Stats.Chunks,
					t.StepMicros,
					string(b),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for i, e := range t.Render {
				if insertRender == nil {
					break
				}
				if _, err := tx.Stmt(insertRender).Exec(int64(t.Tick), i, e.Pos.X, e.Pos.Z, e.Triangles, e.Transparent); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqTuning:
			if insertTuning != nil {
				if _, err := tx.Stmt(insertTuning).Exec(r.tuning.Digest, string(r.tuning.JSON), r.tuning.At); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
