package trace

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	_ "modernc.org/sqlite"             // registers "sqlite" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 100

// Store persists trace data to PostgreSQL or SQLite. Queries are written
// with ? placeholders and rebound for PostgreSQL.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects to a trace database. A DSN of the form sqlite:<path> opens
// SQLite; postgres:// and postgresql:// URLs open PostgreSQL through pgx.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver, conn, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	s := &Store{db: db, dialect: driver}
	if err = s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return s, nil
}

func parseDSN(dsn string) (driver, conn string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		path := strings.TrimPrefix(dsn, "sqlite:")
		if path == "" {
			return "", "", fmt.Errorf("trace dsn %q: missing sqlite path", dsn)
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return "sqlite", path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	}
	return "", "", fmt.Errorf("trace dsn %q: unsupported scheme", dsn)
}

// Dialect returns the driver name, "pgx" or "sqlite".
func (s *Store) Dialect() string { return s.dialect }

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.dialect != "pgx" {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] != '?' {
			b.WriteByte(q[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := s.db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if execErr := s.exec(ctx, `INSERT INTO schema_version (version) VALUES (?)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateSession inserts a new session and prunes old ones.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	err := s.exec(ctx,
		`INSERT INTO sessions (id, remote_addr, model_id, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.RemoteAddr, sess.ModelID, millis(sess.StartedAt),
	)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT ?)`,
		maxSessions,
	)
}

// SetSessionModel records the model a session loaded.
func (s *Store) SetSessionModel(ctx context.Context, id, modelID string) error {
	return s.exec(ctx, `UPDATE sessions SET model_id = ? WHERE id = ?`, modelID, id)
}

// EndSession sets the end time and reason.
func (s *Store) EndSession(ctx context.Context, id, reason string) error {
	return s.exec(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ?`,
		millis(time.Now()), reason, id,
	)
}

// CreateRun inserts a new run in the running state.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	return s.exec(ctx,
		`INSERT INTO runs (id, session_id, model_id, started_at, request, status) VALUES (?, ?, ?, ?, ?, 'running')`,
		r.ID, r.SessionID, r.ModelID, millis(r.StartedAt), r.Request,
	)
}

// UpdateRun sets the run's final fields.
func (s *Store) UpdateRun(ctx context.Context, id string, durationMs float64, chunks int, status string) error {
	return s.exec(ctx,
		`UPDATE runs SET duration_ms = ?, chunks = ?, status = ? WHERE id = ?`,
		durationMs, chunks, status, id,
	)
}

// CreateSpan inserts a span.
func (s *Store) CreateSpan(ctx context.Context, sp Span) error {
	return s.exec(ctx,
		`INSERT INTO spans (id, session_id, run_id, name, started_at, duration_ms, input, output, status, error_msg)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.SessionID, sp.RunID, sp.Name, millis(sp.StartedAt),
		sp.DurationMs, sp.Input, sp.Output, sp.Status, sp.Error,
	)
}

// ListSessions returns sessions ordered newest first, with run counts.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT s.id, s.remote_addr, s.model_id, s.started_at, s.ended_at, s.end_reason, COUNT(r.id) AS run_count
		FROM sessions s
		LEFT JOIN runs r ON r.session_id = s.id
		GROUP BY s.id, s.remote_addr, s.model_id, s.started_at, s.ended_at, s.end_reason
		ORDER BY s.started_at DESC, s.id
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var started int64
		var ended sql.NullInt64
		if err = rows.Scan(&sess.ID, &sess.RemoteAddr, &sess.ModelID, &started, &ended, &sess.EndReason, &sess.RunCount); err != nil {
			return nil, 0, err
		}
		sess.StartedAt = fromMillis(started)
		if ended.Valid {
			t := fromMillis(ended.Int64)
			sess.EndedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSession returns a single session with its runs.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Run, error) {
	var sess Session
	var started int64
	var ended sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, remote_addr, model_id, started_at, ended_at, end_reason FROM sessions WHERE id = ?`), id,
	).Scan(&sess.ID, &sess.RemoteAddr, &sess.ModelID, &started, &ended, &sess.EndReason)
	if err != nil {
		return nil, nil, err
	}
	sess.StartedAt = fromMillis(started)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		sess.EndedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT r.id, r.session_id, r.model_id, r.started_at, r.request, r.duration_ms, r.chunks, r.status,
		       COUNT(sp.id) AS span_count
		FROM runs r
		LEFT JOIN spans sp ON sp.run_id = r.id
		WHERE r.session_id = ?
		GROUP BY r.id, r.session_id, r.model_id, r.started_at, r.request, r.duration_ms, r.chunks, r.status
		ORDER BY r.started_at ASC, r.id
	`), id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var rs int64
		if err = rows.Scan(&r.ID, &r.SessionID, &r.ModelID, &rs, &r.Request, &r.DurationMs, &r.Chunks, &r.Status, &r.SpanCount); err != nil {
			return nil, nil, err
		}
		r.StartedAt = fromMillis(rs)
		runs = append(runs, r)
	}
	sess.RunCount = len(runs)
	return &sess, runs, rows.Err()
}

// GetRun returns a single run with its spans.
func (s *Store) GetRun(ctx context.Context, sessionID, runID string) (*Run, []Span, error) {
	var r Run
	var rs int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, session_id, model_id, started_at, request, duration_ms, chunks, status FROM runs WHERE id = ? AND session_id = ?`),
		runID, sessionID,
	).Scan(&r.ID, &r.SessionID, &r.ModelID, &rs, &r.Request, &r.DurationMs, &r.Chunks, &r.Status)
	if err != nil {
		return nil, nil, err
	}
	r.StartedAt = fromMillis(rs)

	spans, err := s.spans(ctx, `WHERE run_id = ?`, runID)
	if err != nil {
		return nil, nil, err
	}
	r.SpanCount = len(spans)
	return &r, spans, nil
}

// SessionSpans returns the spans of a session that belong to no run.
func (s *Store) SessionSpans(ctx context.Context, sessionID string) ([]Span, error) {
	return s.spans(ctx, `WHERE session_id = ? AND run_id = ''`, sessionID)
}

func (s *Store) spans(ctx context.Context, where string, args ...any) ([]Span, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, session_id, run_id, name, started_at, duration_ms, input, output, status, error_msg FROM spans `+where+` ORDER BY started_at ASC, id`),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		var sp Span
		var started int64
		if err = rows.Scan(&sp.ID, &sp.SessionID, &sp.RunID, &sp.Name, &started, &sp.DurationMs, &sp.Input, &sp.Output, &sp.Status, &sp.Error); err != nil {
			return nil, err
		}
		sp.StartedAt = fromMillis(started)
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}
