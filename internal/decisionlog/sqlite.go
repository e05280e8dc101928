package decisionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog persists entries in a SQLite database. The full entry is kept
// as a JSON payload; the indexed columns only serve filtering.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the log database at path and runs the
// schema migration.
func OpenSQLite(path string) (*SQLiteLog, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping decision log: %w", err)
	}
	l := &SQLiteLog{db: db, now: time.Now}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate decision log: %w", err)
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS decision_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    event_id TEXT NOT NULL,
    site_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decision_log_event ON decision_log(event_id);
CREATE INDEX IF NOT EXISTS idx_decision_log_site ON decision_log(site_id, created_at);
`
	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLiteLog) Append(ctx context.Context, e Entry) (Entry, error) {
	e, err := prepare(e, l.now())
	if err != nil {
		return Entry{}, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode entry: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO decision_log (id, kind, event_id, site_id, created_at, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.EventID, string(e.SiteID), e.Time.UnixNano(), payload,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	return e, nil
}

func (l *SQLiteLog) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, f.EventID)
	}
	if f.SiteID != "" {
		where = append(where, "site_id = ?")
		args = append(args, string(f.SiteID))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until.UnixNano())
	}

	q := "SELECT payload FROM decision_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query decision log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) Stats(ctx context.Context) (Stats, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM decision_log GROUP BY kind")
	if err != nil {
		return Stats{}, fmt.Errorf("decision log stats: %w", err)
	}
	defer rows.Close()

	st := Stats{ByKind: make(map[Kind]int)}
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return Stats{}, err
		}
		st.ByKind[Kind(kind)] = n
		st.Entries += n
	}
	return st, rows.Err()
}

// Close closes the underlying database connection.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
