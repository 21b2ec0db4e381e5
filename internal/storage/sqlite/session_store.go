// Package sqlite provides the embedded SQLite session store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/session"
)

// FileName is the database file created inside the configured directory.
const FileName = "sessions.db"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	domain TEXT NOT NULL,
	session_name TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	UNIQUE(domain, session_name)
);

CREATE INDEX IF NOT EXISTS idx_sessions_domain ON sessions(domain);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS session_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL,
	url TEXT NOT NULL,
	success INTEGER NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	used_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_usage_session ON session_usage(session_id);
`

const selectColumns = `id, domain, session_name, payload, created_at, expires_at, notes`

// Options configures the SQLite store.
type Options struct {
	// Dir holds sessions.db; it is created when missing.
	Dir string
	// Path overrides Dir with an explicit database file path.
	Path   string
	Clock  session.Clock
	Logger *zap.Logger
}

// Store is a session.Store backed by a single SQLite file. All access goes
// through one connection so writes are serialized.
type Store struct {
	db     *sql.DB
	path   string
	clock  session.Clock
	logger *zap.Logger
}

var _ session.Store = (*Store)(nil)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Open opens or creates the session database.
func Open(ctx context.Context, opts Options) (*Store, error) {
	path := opts.Path
	if path == "" {
		if opts.Dir == "" {
			return nil, errors.New("sessions dir is required")
		}
		path = filepath.Join(opts.Dir, FileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session tables: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, path: path, clock: clock, logger: logger}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (session.Record, error) {
	var (
		rec       session.Record
		payload   string
		createdAt int64
		expiresAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Domain, &rec.SessionName, &payload, &createdAt, &expiresAt, &rec.Notes); err != nil {
		return session.Record{}, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	return rec, nil
}

// Save upserts the record for (domain, session_name); the previous payload
// is replaced wholesale.
func (s *Store) Save(ctx context.Context, domain string, payload json.RawMessage, opts session.SaveOptions) (session.Record, error) {
	rec, err := session.Prepare(s.clock.Now(), domain, payload, opts)
	if err != nil {
		return session.Record{}, err
	}
	const q = `
INSERT INTO sessions (domain, session_name, payload, created_at, expires_at, notes)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(domain, session_name) DO UPDATE SET
	payload = excluded.payload,
	created_at = excluded.created_at,
	expires_at = excluded.expires_at,
	notes = excluded.notes
RETURNING id`
	err = s.db.QueryRowContext(ctx, q,
		rec.Domain, rec.SessionName, string(rec.Payload),
		toMillis(rec.CreatedAt), toMillis(rec.ExpiresAt), rec.Notes,
	).Scan(&rec.ID)
	if err != nil {
		return session.Record{}, fmt.Errorf("save session: %w", err)
	}
	rec.CreatedAt = fromMillis(toMillis(rec.CreatedAt))
	rec.ExpiresAt = fromMillis(toMillis(rec.ExpiresAt))
	s.logger.Debug("session saved",
		zap.String("domain", rec.Domain),
		zap.String("session_name", rec.SessionName),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return rec, nil
}

// Load returns the active record for (domain, sessionName). Without a name
// it prefers the canonical record, then the most recent active one.
func (s *Store) Load(ctx context.Context, domain, sessionName string) (session.Record, error) {
	d, err := session.NormalizeDomain(domain)
	if err != nil {
		return session.Record{}, err
	}
	now := toMillis(s.clock.Now())
	name := strings.TrimSpace(sessionName)
	var row *sql.Row
	if name != "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM sessions WHERE domain = ? AND session_name = ? AND expires_at > ?`,
			d, name, now)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM sessions WHERE domain = ? AND expires_at > ?
			 ORDER BY (session_name = '') DESC, created_at DESC, id DESC LIMIT 1`,
			d, now)
	}
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, crawler.NotFoundf("no active session for %s", d)
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, filter session.ListFilter) ([]session.Record, error) {
	var (
		conds []string
		args  []any
	)
	if d := session.NormalizeFilter(filter.Domain); d != "" {
		conds = append(conds, "domain = ?")
		args = append(args, d)
	}
	if filter.ActiveOnly {
		conds = append(conds, "expires_at > ?")
		args = append(args, toMillis(s.clock.Now()))
	}
	q := `SELECT ` + selectColumns + ` FROM sessions`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []session.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Delete removes the selected records and their usage log.
func (s *Store) Delete(ctx context.Context, req session.DeleteRequest) (int64, error) {
	req, err := session.ValidateDelete(req)
	if err != nil {
		return 0, err
	}
	switch {
	case req.ID > 0:
		return s.deleteWhere(ctx, "id = ?", req.ID)
	case req.SessionName != nil:
		return s.deleteWhere(ctx, "domain = ? AND session_name = ?", req.Domain, *req.SessionName)
	default:
		return s.deleteWhere(ctx, "domain = ?", req.Domain)
	}
}

// ClearExpired physically removes expired records, optionally for one domain.
func (s *Store) ClearExpired(ctx context.Context, domain string) (int64, error) {
	return s.Clear(ctx, domain, true)
}

// Clear removes every record (or only expired ones), optionally for one domain.
func (s *Store) Clear(ctx context.Context, domain string, expiredOnly bool) (int64, error) {
	conds := []string{"1 = 1"}
	var args []any
	if d := session.NormalizeFilter(domain); d != "" {
		conds = append(conds, "domain = ?")
		args = append(args, d)
	}
	if expiredOnly {
		conds = append(conds, "expires_at <= ?")
		args = append(args, toMillis(s.clock.Now()))
	}
	return s.deleteWhere(ctx, strings.Join(conds, " AND "), args...)
}

func (s *Store) deleteWhere(ctx context.Context, where string, args ...any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_usage WHERE session_id IN (SELECT id FROM sessions WHERE `+where+`)`, args...); err != nil {
		return 0, fmt.Errorf("delete session usage: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return n, nil
}

// Domains lists every domain with at least one stored record.
func (s *Store) Domains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT domain FROM sessions ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return out, nil
}

func (s *Store) exists(ctx context.Context, id int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.NotFoundf("session %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	return nil
}

// LogUsage appends one usage row for session id.
func (s *Store) LogUsage(ctx context.Context, id int64, url string, success bool, errMsg string) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	ok := 0
	if success {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_usage (session_id, url, success, error_message, used_at) VALUES (?, ?, ?, ?, ?)`,
		id, url, ok, errMsg, toMillis(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("log session usage: %w", err)
	}
	return nil
}

// Stats summarizes usage for session id.
func (s *Store) Stats(ctx context.Context, id int64) (session.UsageStats, error) {
	if err := s.exists(ctx, id); err != nil {
		return session.UsageStats{}, err
	}
	var (
		total, successful int64
		last              sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), MAX(used_at) FROM session_usage WHERE session_id = ?`, id,
	).Scan(&total, &successful, &last)
	if err != nil {
		return session.UsageStats{}, fmt.Errorf("session stats: %w", err)
	}
	var lastUsed *time.Time
	if last.Valid {
		t := fromMillis(last.Int64)
		lastUsed = &t
	}
	return session.ComputeStats(total, successful, lastUsed), nil
}
