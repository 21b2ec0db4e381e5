// Package postgres provides the Postgres-backed session store for
// deployments that share sessions between controllers.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/session"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema creates the session tables. Table names are substituted by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	domain TEXT NOT NULL,
	session_name TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	UNIQUE (domain, session_name)
);
CREATE TABLE IF NOT EXISTS %[1]s_usage (
	id BIGSERIAL PRIMARY KEY,
	session_id BIGINT NOT NULL,
	url TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	used_at TIMESTAMPTZ NOT NULL
);`

// SessionStoreConfig controls the Postgres connection pool.
type SessionStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SessionStore is a session.Store backed by Postgres.
type SessionStore struct {
	pool  pool
	table string
	clock session.Clock
}

var _ session.Store = (*SessionStore)(nil)

// NewSessionStore connects to Postgres and ensures the schema exists.
func NewSessionStore(ctx context.Context, cfg SessionStoreConfig, clock session.Clock) (*SessionStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sessions.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewSessionStoreWithPool(p, cfg.Table, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewSessionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSessionStoreWithPool(p pool, table string, clock session.Clock) (*SessionStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "sessions"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &SessionStore{pool: p, table: table, clock: clock}, nil
}

// EnsureSchema creates the session tables when missing.
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(Schema, s.table)); err != nil {
		return fmt.Errorf("create session tables: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *SessionStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *SessionStore) columns() string {
	return "id, domain, session_name, payload, created_at, expires_at, notes"
}

func scanRecord(row pgx.Row) (session.Record, error) {
	var (
		rec     session.Record
		payload []byte
	)
	if err := row.Scan(&rec.ID, &rec.Domain, &rec.SessionName, &payload, &rec.CreatedAt, &rec.ExpiresAt, &rec.Notes); err != nil {
		return session.Record{}, err
	}
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}

// Save upserts the record for (domain, session_name).
func (s *SessionStore) Save(ctx context.Context, domain string, payload json.RawMessage, opts session.SaveOptions) (session.Record, error) {
	rec, err := session.Prepare(s.clock.Now().UTC(), domain, payload, opts)
	if err != nil {
		return session.Record{}, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (domain, session_name, payload, created_at, expires_at, notes)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (domain, session_name) DO UPDATE SET
	payload = EXCLUDED.payload,
	created_at = EXCLUDED.created_at,
	expires_at = EXCLUDED.expires_at,
	notes = EXCLUDED.notes
RETURNING id`, s.table)
	err = s.pool.QueryRow(ctx, query,
		rec.Domain, rec.SessionName, string(rec.Payload), rec.CreatedAt, rec.ExpiresAt, rec.Notes,
	).Scan(&rec.ID)
	if err != nil {
		return session.Record{}, fmt.Errorf("save session: %w", err)
	}
	return rec, nil
}

// Load returns the active record for (domain, sessionName).
func (s *SessionStore) Load(ctx context.Context, domain, sessionName string) (session.Record, error) {
	d, err := session.NormalizeDomain(domain)
	if err != nil {
		return session.Record{}, err
	}
	now := s.clock.Now().UTC()
	var row pgx.Row
	if name := strings.TrimSpace(sessionName); name != "" {
		row = s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT %s FROM %s WHERE domain = $1 AND session_name = $2 AND expires_at > $3`,
			s.columns(), s.table), d, name, now)
	} else {
		row = s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT %s FROM %s WHERE domain = $1 AND expires_at > $2
			 ORDER BY (session_name = '') DESC, created_at DESC, id DESC LIMIT 1`,
			s.columns(), s.table), d, now)
	}
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Record{}, crawler.NotFoundf("no active session for %s", d)
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *SessionStore) List(ctx context.Context, filter session.ListFilter) ([]session.Record, error) {
	var (
		conds []string
		args  []any
	)
	if d := session.NormalizeFilter(filter.Domain); d != "" {
		args = append(args, d)
		conds = append(conds, fmt.Sprintf("domain = $%d", len(args)))
	}
	if filter.ActiveOnly {
		args = append(args, s.clock.Now().UTC())
		conds = append(conds, fmt.Sprintf("expires_at > $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, s.columns(), s.table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
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

// Delete removes the selected records and their usage rows.
func (s *SessionStore) Delete(ctx context.Context, req session.DeleteRequest) (int64, error) {
	req, err := session.ValidateDelete(req)
	if err != nil {
		return 0, err
	}
	switch {
	case req.ID > 0:
		return s.deleteWhere(ctx, "id = $1", req.ID)
	case req.SessionName != nil:
		return s.deleteWhere(ctx, "domain = $1 AND session_name = $2", req.Domain, *req.SessionName)
	default:
		return s.deleteWhere(ctx, "domain = $1", req.Domain)
	}
}

// ClearExpired physically removes expired records.
func (s *SessionStore) ClearExpired(ctx context.Context, domain string) (int64, error) {
	return s.Clear(ctx, domain, true)
}

// Clear removes every record (or only expired ones), optionally for one domain.
func (s *SessionStore) Clear(ctx context.Context, domain string, expiredOnly bool) (int64, error) {
	conds := []string{"TRUE"}
	var args []any
	if d := session.NormalizeFilter(domain); d != "" {
		args = append(args, d)
		conds = append(conds, fmt.Sprintf("domain = $%d", len(args)))
	}
	if expiredOnly {
		args = append(args, s.clock.Now().UTC())
		conds = append(conds, fmt.Sprintf("expires_at <= $%d", len(args)))
	}
	return s.deleteWhere(ctx, strings.Join(conds, " AND "), args...)
}

func (s *SessionStore) deleteWhere(ctx context.Context, where string, args ...any) (int64, error) {
	query := fmt.Sprintf(`
WITH gone AS (DELETE FROM %[1]s WHERE %[2]s RETURNING id),
purged AS (DELETE FROM %[1]s_usage WHERE session_id IN (SELECT id FROM gone))
SELECT COUNT(*) FROM gone`, s.table, where)
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return n, nil
}

// Domains lists every domain with at least one stored record.
func (s *SessionStore) Domains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT domain FROM %s ORDER BY domain`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()
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

// LogUsage appends one usage row; unknown ids are NotFound.
func (s *SessionStore) LogUsage(ctx context.Context, id int64, url string, success bool, errMsg string) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s_usage (session_id, url, success, error_message, used_at)
SELECT id, $2, $3, $4, $5 FROM %[1]s WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, url, success, errMsg, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("log session usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.NotFoundf("session %d not found", id)
	}
	return nil
}

// Stats summarizes usage for session id.
func (s *SessionStore) Stats(ctx context.Context, id int64) (session.UsageStats, error) {
	query := fmt.Sprintf(`
SELECT COUNT(u.id), COUNT(u.id) FILTER (WHERE u.success), MAX(u.used_at)
FROM %[1]s s LEFT JOIN %[1]s_usage u ON u.session_id = s.id
WHERE s.id = $1
GROUP BY s.id`, s.table)
	var (
		total, successful int64
		last              *time.Time
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(&total, &successful, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.UsageStats{}, crawler.NotFoundf("session %d not found", id)
	}
	if err != nil {
		return session.UsageStats{}, fmt.Errorf("session stats: %w", err)
	}
	return session.ComputeStats(total, successful, last), nil
}
