package logging

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Record is one completed request as seen by the pipeline. Exactly one
// record is emitted per request, success or failure.
type Record struct {
	RequestID    string
	Backend      string
	Reason       string
	DurationMS   int64
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	IsFallback   bool
	Status       int
	Error        string
}

// Recorder accepts request records. A nil *SQLiteRecorder is a valid no-op
// recorder.
type Recorder interface {
	Record(rec Record)
}

// recordBuffer bounds the async write queue.
const recordBuffer = 256

// SQLiteRecorder persists request records to a local SQLite database. Writes
// are asynchronous so a slow disk never stalls a response.
type SQLiteRecorder struct {
	db      *sql.DB
	records chan Record
	done    chan struct{}
	once    sync.Once
}

// NewSQLiteRecorder opens (creating if needed) the database at path and
// starts the writer.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening request log database: %w", err)
	}
	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS request_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			request_id TEXT NOT NULL,
			backend TEXT NOT NULL,
			reason TEXT,
			duration_ms INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			is_fallback INTEGER NOT NULL,
			status INTEGER NOT NULL,
			error TEXT
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating request_log table: %w", err)
	}

	r := &SQLiteRecorder{
		db:      db,
		records: make(chan Record, recordBuffer),
		done:    make(chan struct{}),
	}
	go r.writeLoop()
	return r, nil
}

// Record enqueues one record. Drops with a warning when the buffer is full.
func (r *SQLiteRecorder) Record(rec Record) {
	if r == nil {
		return
	}
	select {
	case r.records <- rec:
	default:
		log.Warn("request log buffer full, dropping record")
	}
}

func (r *SQLiteRecorder) writeLoop() {
	defer close(r.done)
	for rec := range r.records {
		_, err := r.db.Exec(`
			INSERT INTO request_log
				(at, request_id, backend, reason, duration_ms, input_tokens, output_tokens, cost_usd, is_fallback, status, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			time.Now().UTC().Format(time.RFC3339Nano),
			rec.RequestID, rec.Backend, rec.Reason, rec.DurationMS,
			rec.InputTokens, rec.OutputTokens, rec.CostUSD,
			boolToInt(rec.IsFallback), rec.Status, rec.Error)
		if err != nil {
			log.Errorf("writing request log record: %v", err)
		}
	}
}

// Close drains pending records and closes the database.
func (r *SQLiteRecorder) Close() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() { close(r.records) })
	<-r.done
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
