// Package journal keeps an append-only SQLite record of processed software
// operations.
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/devmgmt/swagent"
)

const (
	defaultDirName  = ".swagent"
	defaultFileName = "journal.sqlite"
	tableName       = "software_operations"
)

const schema = `CREATE TABLE IF NOT EXISTS software_operations (
	id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	device_id TEXT,
	item_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_text TEXT,
	started_at INTEGER NOT NULL,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS software_operations_started_at ON software_operations(started_at);`

const insertStatement = `INSERT INTO software_operations
	(id, template_id, mode, device_id, item_count, status, error_text, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Journal writes OperationRecords to SQLite.
type Journal struct {
	db   *sql.DB
	stmt *sql.Stmt
	path string
}

// Open opens (and creates) the journal at path. An empty path resolves to
// ~/.swagent/journal.sqlite.
func Open(path string) (*Journal, error) {
	dbPath, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "journal: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "journal: prepare schema failed")
	}
	stmt, err := db.Prepare(insertStatement)
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "journal: prepare insert failed")
	}
	log.Debug().Str("path", dbPath).Msg("journal opened")
	return &Journal{db: db, stmt: stmt, path: dbPath}, nil
}

// RecordOperation appends rec.
func (j *Journal) RecordOperation(ctx context.Context, rec swagent.OperationRecord) error {
	if j == nil || j.db == nil || j.stmt == nil {
		return pkgerrors.New("journal: sqlite journal nil")
	}
	args := []any{
		rec.ID,
		rec.TemplateID,
		rec.Mode,
		nullString(rec.DeviceID),
		rec.ItemCount,
		rec.Status,
		nullString(rec.ErrorText),
		rec.StartedAt.UnixMilli(),
		nullTime(rec.FinishedAt),
	}
	log.Debug().Str("sql", formatSQLForLog(insertStatement, args...)).Msg("journal insert")
	if _, err := j.stmt.ExecContext(ctx, args...); err != nil {
		return pkgerrors.Wrap(err, "journal: sqlite insert failed")
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]swagent.OperationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `SELECT id, template_id, mode, device_id, item_count, status, error_text, started_at, finished_at
		FROM `+tableName+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "journal: query recent failed")
	}
	defer rows.Close()

	var out []swagent.OperationRecord
	for rows.Next() {
		var (
			rec       swagent.OperationRecord
			deviceID  sql.NullString
			errorText sql.NullString
			started   int64
			finished  sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.TemplateID, &rec.Mode, &deviceID, &rec.ItemCount, &rec.Status, &errorText, &started, &finished); err != nil {
			return nil, pkgerrors.Wrap(err, "journal: scan row failed")
		}
		rec.DeviceID = deviceID.String
		rec.ErrorText = errorText.String
		rec.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			rec.FinishedAt = time.UnixMilli(finished.Int64)
		}
		out = append(out, rec)
	}
	return out, pkgerrors.Wrap(rows.Err(), "journal: iterate rows failed")
}

// Path returns the database file in use.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	if j.stmt != nil {
		j.stmt.Close()
	}
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if custom := strings.TrimSpace(path); custom != "" {
		if err := ensureDir(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "journal: locate user home failed")
	}
	dir := filepath.Join(home, defaultDirName)
	if err := ensureDir(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultFileName), nil
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "journal: create dir %s failed", dir)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=10000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "journal: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
