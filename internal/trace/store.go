package trace

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 100

// Store persists trace data to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to a PostgreSQL trace database at connStr and applies
// pending migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run, creating its session on first use and pruning
// the oldest sessions.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	now := r.StartedAt.UTC()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, last_run_at) VALUES ($1, $2, $2)
		 ON CONFLICT (id) DO UPDATE SET last_run_at = EXCLUDED.last_run_at`,
		r.SessionID, now,
	); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, started_at, state) VALUES ($1, $2, $3, $4)`,
		r.ID, r.SessionID, now, r.State,
	); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY last_run_at DESC LIMIT $1)`,
		maxSessions,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateRun sets the run's final fields.
func (s *Store) UpdateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET duration_ms = $1, transcript = $2, response = $3, state = $4, tier = $5, error_kind = $6 WHERE id = $7`,
		r.DurationMs, r.Transcript, r.Response, r.State, r.Tier, r.ErrorKind, r.ID,
	)
	return err
}

// CreateSpan inserts a span.
func (s *Store) CreateSpan(ctx context.Context, sp Span) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spans (id, run_id, name, started_at, duration_ms, status, error_msg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sp.ID, sp.RunID, sp.Name, sp.StartedAt.UTC(), sp.DurationMs, sp.Status, sp.Error,
	)
	return err
}

// ListSessions returns sessions ordered by most recent run, with run counts.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.started_at, s.last_run_at, COUNT(r.id) as run_count
		FROM sessions s
		LEFT JOIN runs r ON r.session_id = s.id
		GROUP BY s.id
		ORDER BY s.last_run_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err = rows.Scan(&sess.ID, &sess.StartedAt, &sess.LastRunAt, &sess.RunCount); err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// ListRuns returns runs newest first. An empty sessionID lists all sessions.
func (s *Store) ListRuns(ctx context.Context, sessionID string, limit, offset int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.session_id, r.started_at, r.duration_ms, r.transcript, r.response,
		       r.state, r.tier, r.error_kind, COUNT(sp.id) as span_count
		FROM runs r
		LEFT JOIN spans sp ON sp.run_id = r.id
		WHERE $1 = '' OR r.session_id = $1
		GROUP BY r.id
		ORDER BY r.started_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err = rows.Scan(&r.ID, &r.SessionID, &r.StartedAt, &r.DurationMs, &r.Transcript, &r.Response,
			&r.State, &r.Tier, &r.ErrorKind, &r.SpanCount); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a single run with its spans.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, []Span, error) {
	var r Run
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, started_at, duration_ms, transcript, response, state, tier, error_kind FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.SessionID, &r.StartedAt, &r.DurationMs, &r.Transcript, &r.Response, &r.State, &r.Tier, &r.ErrorKind)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, started_at, duration_ms, status, error_msg FROM spans WHERE run_id = $1 ORDER BY started_at ASC`,
		runID,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		var sp Span
		if err = rows.Scan(&sp.ID, &sp.RunID, &sp.Name, &sp.StartedAt, &sp.DurationMs, &sp.Status, &sp.Error); err != nil {
			return nil, nil, err
		}
		spans = append(spans, sp)
	}
	return &r, spans, rows.Err()
}

var _ Writer = (*Store)(nil)

