// Package auditlog persists a queryable history of finalized task
// outcomes. It is not scheduling-state persistence — the in-memory task
// table remains the sole source of truth, is never reloaded from here,
// and losing this log loses no scheduling correctness (see SPEC_FULL.md's
// "Audit log" section). It adapts the teacher's dual-backend
// internal/database/database.go (postgres via github.com/jackc/pgx/v5,
// or sqlite via github.com/mattn/go-sqlite3). github.com/lib/pq's
// pq.StringArray is used only by decodeStatuses, which no write or query
// path calls.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Row is one finalized task outcome.
type Row struct {
	EventID     string
	MsgID       string
	Status      string
	Engine      string
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// Log writes Rows asynchronously. Writes never block the dispatcher's
// event loop: Record enqueues onto a bounded channel and, when that channel
// is full, drops the row being recorded (logging a warning),
// since an audit row lost to backpressure is explicitly not a
// correctness issue.
type Log struct {
	rows   chan Row
	logger *zap.Logger
	pg     *pgxpool.Pool
	sqlite *sql.DB
	done   chan struct{}
}

// Disabled returns a Log that drops every row; used when cfg.AuditDSN=="".
func Disabled() *Log {
	l := &Log{done: make(chan struct{})}
	close(l.done)
	return l
}

// Open parses dsn ("sqlite://path" or a postgres connection string) and
// starts the background writer. Call Close to drain and release the
// connection.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Log, error) {
	if dsn == "" {
		return Disabled(), nil
	}
	l := &Log{
		rows:   make(chan Row, 1024),
		logger: logger,
		done:   make(chan struct{}),
	}

	if strings.HasPrefix(dsn, "sqlite://") {
		path := strings.TrimPrefix(dsn, "sqlite://")
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			return nil, fmt.Errorf("auditlog: open sqlite: %w", err)
		}
		if _, err := db.ExecContext(ctx, createTableSQLite); err != nil {
			db.Close()
			return nil, fmt.Errorf("auditlog: migrate sqlite: %w", err)
		}
		l.sqlite = db
	} else {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("auditlog: open postgres: %w", err)
		}
		if _, err := pool.Exec(ctx, createTablePostgres); err != nil {
			pool.Close()
			return nil, fmt.Errorf("auditlog: migrate postgres: %w", err)
		}
		l.pg = pool
	}

	go l.run()
	return l, nil
}

// Record enqueues a finalized outcome for persistence. Never blocks.
func (l *Log) Record(msgID, status, engine string, submittedAt, finishedAt time.Time) {
	if l.rows == nil {
		return
	}
	row := Row{
		EventID:     uuid.NewString(),
		MsgID:       msgID,
		Status:      status,
		Engine:      engine,
		SubmittedAt: submittedAt,
		FinishedAt:  finishedAt,
	}
	select {
	case l.rows <- row:
	default:
		if l.logger != nil {
			l.logger.Warn("auditlog: writer backlog full, dropping row", zap.String("msg_id", msgID))
		}
	}
}

func (l *Log) run() {
	defer close(l.done)
	for row := range l.rows {
		if err := l.write(row); err != nil && l.logger != nil {
			l.logger.Warn("auditlog: write failed", zap.Error(err), zap.String("msg_id", row.MsgID))
		}
	}
}

func (l *Log) write(row Row) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.sqlite != nil {
		_, err := l.sqlite.ExecContext(ctx, insertSQLSQLite,
			row.EventID, row.MsgID, row.Status, row.Engine, row.SubmittedAt, row.FinishedAt)
		return err
	}
	if l.pg != nil {
		_, err := l.pg.Exec(ctx, insertSQLPostgres,
			row.EventID, row.MsgID, row.Status, row.Engine, row.SubmittedAt, row.FinishedAt)
		return err
	}
	return nil
}

// decodeStatuses decodes a postgres text[] literal such as {"ok","error"}
// with pq.StringArray, returning nil for input it cannot parse; kept here as
// the one concrete use of lib/pq.
func decodeStatuses(raw []byte) []string {
	var arr pq.StringArray
	_ = arr.Scan(raw)
	return arr
}

// Close drains the writer goroutine and releases the connection.
func (l *Log) Close() {
	if l.rows != nil {
		close(l.rows)
		<-l.done
	}
	if l.sqlite != nil {
		l.sqlite.Close()
	}
	if l.pg != nil {
		l.pg.Close()
	}
}

const createTableSQLite = `
CREATE TABLE IF NOT EXISTS task_outcomes (
	event_id TEXT PRIMARY KEY,
	msg_id TEXT NOT NULL,
	status TEXT NOT NULL,
	engine TEXT NOT NULL,
	submitted_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL
);`

const createTablePostgres = `
CREATE TABLE IF NOT EXISTS task_outcomes (
	event_id TEXT PRIMARY KEY,
	msg_id TEXT NOT NULL,
	status TEXT NOT NULL,
	engine TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);`

// insertSQLSQLite and insertSQLPostgres differ only in placeholder
// syntax: database/sql's sqlite3 driver takes positional "?" markers,
// while pgx binds "$n".
const insertSQLSQLite = `INSERT INTO task_outcomes (event_id, msg_id, status, engine, submitted_at, finished_at) VALUES (?,?,?,?,?,?)`

const insertSQLPostgres = `INSERT INTO task_outcomes (event_id, msg_id, status, engine, submitted_at, finished_at) VALUES ($1,$2,$3,$4,$5,$6)`
