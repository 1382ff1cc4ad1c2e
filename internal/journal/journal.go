// Package journal persists propagation traces to SQLite.
//
// The journal is a TraceSink: attach it to an engine and every pass and
// slot firing lands in the database as it happens. Persistence stays
// outside the engine core; the engine only ever sees the TraceSink
// interface.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/trace"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - passes/firings tables with idempotent natural keys
const currentSchemaVersion = 1

// Journal is a durable trace sink backed by SQLite.
// Uses WAL mode so readers can inspect a journal while a session writes.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	mu  sync.Mutex
	err error // first recording failure, sticky
}

// Open creates or opens a journal database at the given path.
// Applies required pragmas and migrations automatically; idempotent.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection
	// avoids SQLITE_BUSY under the engine's single-threaded emit.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Err returns the first recording failure, if any. Record cannot return
// errors through the TraceSink interface, so callers check here after a
// session.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Record implements engine.TraceSink. Failures are logged and latched in
// Err; they never propagate back into the engine.
func (j *Journal) Record(ev engine.TraceEvent) {
	var err error
	switch ev.Type {
	case engine.TracePassBegin:
		err = j.writePassBegin(ev)
	case engine.TraceSlotFired:
		err = j.writeFiring(ev)
	case engine.TracePassEnd:
		err = j.writePassEnd(ev)
	default:
		err = fmt.Errorf("unknown trace event type %q", ev.Type)
	}
	if err != nil {
		j.logger.Warn("journal write failed",
			"type", string(ev.Type),
			"pass", ev.Pass,
			"error", err,
		)
		j.mu.Lock()
		if j.err == nil {
			j.err = err
		}
		j.mu.Unlock()
	}
}

// writePassBegin inserts the pass row. ON CONFLICT DO NOTHING keeps
// replays into the same database idempotent.
func (j *Journal) writePassBegin(ev engine.TraceEvent) error {
	_, err := j.db.Exec(`
		INSERT INTO passes (token, begin_seq)
		VALUES (?, ?)
		ON CONFLICT(token) DO NOTHING
	`, ev.Pass, ev.Seq)
	if err != nil {
		return fmt.Errorf("write pass begin: %w", err)
	}
	return nil
}

// writePassEnd completes the pass row with its end seq and firing count.
func (j *Journal) writePassEnd(ev engine.TraceEvent) error {
	_, err := j.db.Exec(`
		UPDATE passes SET end_seq = ?, fired = ?
		WHERE token = ? AND end_seq IS NULL
	`, ev.Seq, ev.Fired, ev.Pass)
	if err != nil {
		return fmt.Errorf("write pass end: %w", err)
	}
	return nil
}

// writeFiring inserts one slot firing. Dirty inputs and dispatched paths
// are stored as canonical JSON arrays so journal rows are byte-comparable
// across runs.
func (j *Journal) writeFiring(ev engine.TraceEvent) error {
	dirty, err := marshalStrings(ev.Dirty)
	if err != nil {
		return fmt.Errorf("write firing: %w", err)
	}
	paths, err := marshalStrings(ev.Paths)
	if err != nil {
		return fmt.Errorf("write firing: %w", err)
	}

	_, err = j.db.Exec(`
		INSERT INTO firings (pass_token, seq, slot, rank, dirty, paths)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pass_token, seq) DO NOTHING
	`, ev.Pass, ev.Seq, ev.Slot, ev.Rank, dirty, paths)
	if err != nil {
		return fmt.Errorf("write firing: %w", err)
	}
	return nil
}

func marshalStrings(ss []string) (string, error) {
	arr := make([]any, len(ss))
	for i, s := range ss {
		arr[i] = s
	}
	b, err := trace.MarshalCanonical(arr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PassRecord is one journaled pass.
type PassRecord struct {
	Token    string
	BeginSeq int64
	EndSeq   int64
	Fired    int
	// Complete is false for a pass with no pass_end row, which means the
	// session died mid-pass.
	Complete bool
}

// FiringRecord is one journaled slot firing.
type FiringRecord struct {
	PassToken string
	Seq       int64
	Slot      string
	Rank      int
	Dirty     []string
	Paths     []string
}

// Passes returns every journaled pass in begin order.
func (j *Journal) Passes(ctx context.Context) ([]PassRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT token, begin_seq, end_seq, fired
		FROM passes
		ORDER BY begin_seq
	`)
	if err != nil {
		return nil, fmt.Errorf("read passes: %w", err)
	}
	defer rows.Close()

	var out []PassRecord
	for rows.Next() {
		var p PassRecord
		var endSeq sql.NullInt64
		var fired sql.NullInt64
		if err := rows.Scan(&p.Token, &p.BeginSeq, &endSeq, &fired); err != nil {
			return nil, fmt.Errorf("read passes: %w", err)
		}
		if endSeq.Valid {
			p.EndSeq = endSeq.Int64
			p.Fired = int(fired.Int64)
			p.Complete = true
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read passes: %w", err)
	}
	return out, nil
}

// Firings returns the firings of one pass in schedule order.
func (j *Journal) Firings(ctx context.Context, passToken string) ([]FiringRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT pass_token, seq, slot, rank, dirty, paths
		FROM firings
		WHERE pass_token = ?
		ORDER BY seq
	`, passToken)
	if err != nil {
		return nil, fmt.Errorf("read firings: %w", err)
	}
	defer rows.Close()

	var out []FiringRecord
	for rows.Next() {
		var f FiringRecord
		var dirty, paths string
		if err := rows.Scan(&f.PassToken, &f.Seq, &f.Slot, &f.Rank, &dirty, &paths); err != nil {
			return nil, fmt.Errorf("read firings: %w", err)
		}
		if err := unmarshalStrings(dirty, &f.Dirty); err != nil {
			return nil, fmt.Errorf("read firings: decode dirty: %w", err)
		}
		if err := unmarshalStrings(paths, &f.Paths); err != nil {
			return nil, fmt.Errorf("read firings: decode paths: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read firings: %w", err)
	}
	return out, nil
}

// LastSeq returns the largest seq in the journal, or 0 for an empty one.
// Replay tooling resumes the engine clock from this value so appended
// events never reuse a seq.
func (j *Journal) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := j.db.QueryRowContext(ctx, `
		SELECT MAX(s) FROM (
			SELECT MAX(begin_seq) AS s FROM passes
			UNION ALL SELECT MAX(end_seq) FROM passes
			UNION ALL SELECT MAX(seq) FROM firings
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func unmarshalStrings(raw string, dst *[]string) error {
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return err
	}
	if len(ss) > 0 {
		*dst = ss
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and stamps the schema
// version. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}
