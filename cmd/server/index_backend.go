package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voxstream.dev/internal/persistence/indexdb"
	"voxstream.dev/internal/sim/streamer"
)

type runtimeIndex interface {
	streamer.TickLogger
	RecordTuning(tune any) error
	Close() error
}

func openRuntimeIndex(dataDir, streamID string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "index", "stream.sqlite")
		return indexdb.OpenSQLite(dbPath)
	case "d1":
		endpoint := strings.TrimSpace(os.Getenv("VS_INDEX_D1_INGEST_URL"))
		token := strings.TrimSpace(os.Getenv("VS_INDEX_D1_TOKEN"))
		if endpoint == "" {
			return nil, fmt.Errorf("VS_INDEX_BACKEND=d1 but VS_INDEX_D1_INGEST_URL is empty")
		}
		flushMS := envInt("VS_INDEX_D1_FLUSH_MS", 500)
		batchSize := envInt("VS_INDEX_D1_BATCH_SIZE", 128)
		idx, err := indexdb.OpenD1(indexdb.D1Config{
			Endpoint:      endpoint,
			Token:         token,
			StreamID:      streamID,
			BatchSize:     batchSize,
			FlushInterval: time.Duration(flushMS) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported VS_INDEX_BACKEND: %s", backend)
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// multiTickLogger fans a summary out to the zstd log and the index.
type multiTickLogger struct {
	a streamer.TickLogger
	b streamer.TickLogger
}

func (m multiTickLogger) WriteTick(s streamer.TickSummary) error {
	if m.a != nil {
		_ = m.a.WriteTick(s)
	}
	if m.b != nil {
		_ = m.b.WriteTick(s)
	}
	return nil
}
