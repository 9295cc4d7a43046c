package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/metrics"
	"github.com/devlift/sdlcflow/store"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// NewInMemoryStore returns a sqlite store backed by an in-memory database.
// Useful for tests; a crash loses everything.
func NewInMemoryStore(opts ...store.Option) store.Store {
	s := newSqliteStore("file::memory:?mode=memory", opts...)

	s.db.SetMaxOpenConns(1)

	return s
}

// NewSqliteStore returns a store backed by the sqlite database at path. The
// database runs in WAL mode with synchronous=FULL so every commit is durable
// before the call returns.
func NewSqliteStore(path string, opts ...store.Option) store.Store {
	return newSqliteStore(fmt.Sprintf("file:%v?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path), opts...)
}

func newSqliteStore(dsn string, opts ...store.Option) *sqliteStore {
	db, err := sql.Open("sqlite", dsn+"&_pragma=foreign_keys(1)")
	if err != nil {
		panic(err)
	}

	// Initialize database
	if _, err := db.Exec(schema); err != nil {
		panic(fmt.Errorf("initializing database: %w", err))
	}

	options := store.ApplyOptions(opts...)

	return &sqliteStore{
		db:      db,
		options: options,
		tracer:  options.TracerProvider.Tracer(store.TracerName),
	}
}

type sqliteStore struct {
	db      *sql.DB
	options store.Options
	tracer  trace.Tracer
}

var _ store.Store = (*sqliteStore)(nil)

func (sb *sqliteStore) CreateSession(ctx context.Context, session *core.Session) error {
	res, err := sb.db.ExecContext(
		ctx,
		"INSERT OR IGNORE INTO `sessions` (id, created_at) VALUES (?, ?)",
		session.ID,
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return store.ErrSessionAlreadyExists
	}

	return nil
}

func (sb *sqliteStore) GetSession(ctx context.Context, sessionID string) (*core.Session, error) {
	row := sb.db.QueryRowContext(ctx, "SELECT id, created_at FROM `sessions` WHERE id = ?", sessionID)

	var session core.Session
	if err := row.Scan(&session.ID, &session.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrSessionNotFound
		}

		return nil, fmt.Errorf("scanning session: %w", err)
	}

	return &session, nil
}

func (sb *sqliteStore) ListSessions(ctx context.Context) ([]*core.Session, error) {
	rows, err := sb.db.QueryContext(ctx, "SELECT id, created_at FROM `sessions` ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		var session core.Session
		if err := rows.Scan(&session.ID, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}

		sessions = append(sessions, &session)
	}

	return sessions, rows.Err()
}

func (sb *sqliteStore) AppendArtifact(ctx context.Context, sessionID string, artifact *core.Artifact) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := sessionExists(ctx, tx, sessionID); err != nil {
		return err
	}

	// Compare-and-swap on the revision counter: the append only succeeds
	// when the revision is the next one and the stage is still open.
	var maxRevision sql.NullInt64
	var approved int
	row := tx.QueryRowContext(
		ctx,
		"SELECT MAX(revision), COUNT(CASE WHEN status = ? THEN 1 END) FROM `artifacts` WHERE session_id = ? AND stage = ?",
		core.ArtifactApproved, sessionID, artifact.Stage,
	)
	if err := row.Scan(&maxRevision, &approved); err != nil {
		return fmt.Errorf("reading stage revision: %w", err)
	}

	next := int64(0)
	if maxRevision.Valid {
		next = maxRevision.Int64 + 1
	}

	if artifact.Revision != next {
		return fmt.Errorf("stage %q expects revision %d, got %d: %w",
			artifact.Stage, next, artifact.Revision, store.ErrRevisionConflict)
	}

	if approved > 0 {
		return fmt.Errorf("stage %q already approved: %w", artifact.Stage, store.ErrRevisionConflict)
	}

	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO `artifacts` (session_id, stage, revision, content, status, comments, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		sessionID, artifact.Stage, artifact.Revision, artifact.Content, artifact.Status, artifact.Comments, artifact.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing artifact: %w", err)
	}

	return nil
}

func (sb *sqliteStore) LatestApproved(ctx context.Context, sessionID string, stage core.Stage) (*core.Artifact, error) {
	row := sb.db.QueryRowContext(
		ctx,
		"SELECT stage, revision, content, status, comments, created_at FROM `artifacts` WHERE session_id = ? AND stage = ? AND status = ? ORDER BY revision DESC LIMIT 1",
		sessionID, stage, core.ArtifactApproved,
	)

	artifact, err := scanArtifact(row)
	if err != nil {
		if err == sql.ErrNoRows {
			if serr := sb.checkSession(ctx, sessionID); serr != nil {
				return nil, serr
			}

			return nil, store.ErrNotFound
		}

		return nil, err
	}

	return artifact, nil
}

func (sb *sqliteStore) History(ctx context.Context, sessionID string, stage core.Stage) ([]*core.Artifact, error) {
	if err := sb.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := sb.db.QueryContext(
		ctx,
		"SELECT stage, revision, content, status, comments, created_at FROM `artifacts` WHERE session_id = ? AND stage = ? ORDER BY revision",
		sessionID, stage,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	artifacts := make([]*core.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}

		artifacts = append(artifacts, artifact)
	}

	return artifacts, rows.Err()
}

func (sb *sqliteStore) SetArtifactStatus(ctx context.Context, sessionID string, stage core.Stage, revision int64, status core.ArtifactStatus, comments string) error {
	if status != core.ArtifactApproved && status != core.ArtifactRejected {
		return fmt.Errorf("invalid status transition to %q: %w", status, store.ErrUnknownArtifact)
	}

	// The update is guarded twice: the target must still be pending, and an
	// approval must be the stage's first. Both checks ride on the UPDATE so a
	// concurrent decision cannot slip in between.
	query := "UPDATE `artifacts` SET status = ?, comments = ? WHERE session_id = ? AND stage = ? AND revision = ? AND status = ?"
	args := []interface{}{status, comments, sessionID, stage, revision, core.ArtifactPending}

	if status == core.ArtifactApproved {
		query += " AND NOT EXISTS (SELECT 1 FROM `artifacts` a WHERE a.session_id = ? AND a.stage = ? AND a.status = ?)"
		args = append(args, sessionID, stage, core.ArtifactApproved)
	}

	res, err := sb.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating artifact status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return fmt.Errorf("stage %q revision %d is not pending or already has an approval: %w", stage, revision, store.ErrUnknownArtifact)
	}

	return nil
}

func (sb *sqliteStore) RecordFeedback(ctx context.Context, sessionID string, event *core.FeedbackEvent) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	row := tx.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM `artifacts` WHERE session_id = ? AND stage = ? AND revision = ?",
		sessionID, event.Stage, event.Revision,
	)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("checking artifact: %w", err)
	}

	if exists == 0 {
		return fmt.Errorf("stage %q revision %d: %w", event.Stage, event.Revision, store.ErrUnknownArtifact)
	}

	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO `feedback_events` (session_id, stage, revision, verdict, comment, received_at) VALUES (?, ?, ?, ?, ?, ?)",
		sessionID, event.Stage, event.Revision, event.Verdict, event.Comment, event.ReceivedAt,
	); err != nil {
		return fmt.Errorf("inserting feedback event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing feedback event: %w", err)
	}

	return nil
}

func (sb *sqliteStore) Feedback(ctx context.Context, sessionID string, stage core.Stage) ([]*core.FeedbackEvent, error) {
	rows, err := sb.db.QueryContext(
		ctx,
		"SELECT stage, revision, verdict, comment, received_at FROM `feedback_events` WHERE session_id = ? AND stage = ? ORDER BY id",
		sessionID, stage,
	)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	events := make([]*core.FeedbackEvent, 0)
	for rows.Next() {
		var event core.FeedbackEvent
		if err := rows.Scan(&event.Stage, &event.Revision, &event.Verdict, &event.Comment, &event.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning feedback event: %w", err)
		}

		events = append(events, &event)
	}

	return events, rows.Err()
}

func (sb *sqliteStore) SaveState(ctx context.Context, state *core.WorkflowState) error {
	if err := sb.checkSession(ctx, state.SessionID); err != nil {
		return err
	}

	if _, err := sb.db.ExecContext(
		ctx,
		`INSERT INTO workflow_states (session_id, current_stage, phase, pending_revision, status, abort_reason, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE
			SET current_stage = excluded.current_stage, phase = excluded.phase, pending_revision = excluded.pending_revision,
				status = excluded.status, abort_reason = excluded.abort_reason, updated_at = excluded.updated_at`,
		state.SessionID, state.CurrentStage, state.Phase, state.PendingRevision, state.Status, state.AbortReason, state.UpdatedAt,
	); err != nil {
		return fmt.Errorf("saving workflow state: %w", err)
	}

	return nil
}

func (sb *sqliteStore) GetState(ctx context.Context, sessionID string) (*core.WorkflowState, error) {
	row := sb.db.QueryRowContext(
		ctx,
		"SELECT session_id, current_stage, phase, pending_revision, status, abort_reason, updated_at FROM `workflow_states` WHERE session_id = ?",
		sessionID,
	)

	var state core.WorkflowState
	if err := row.Scan(&state.SessionID, &state.CurrentStage, &state.Phase, &state.PendingRevision, &state.Status, &state.AbortReason, &state.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			if serr := sb.checkSession(ctx, sessionID); serr != nil {
				return nil, serr
			}

			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("scanning workflow state: %w", err)
	}

	return &state, nil
}

func (sb *sqliteStore) Logger() *slog.Logger {
	return sb.options.Logger
}

func (sb *sqliteStore) Metrics() metrics.Client {
	return sb.options.Metrics
}

func (sb *sqliteStore) Tracer() trace.Tracer {
	return sb.tracer
}

func (sb *sqliteStore) Options() *store.Options {
	return &sb.options
}

func (sb *sqliteStore) Close() error {
	return sb.db.Close()
}

func (sb *sqliteStore) checkSession(ctx context.Context, sessionID string) error {
	var exists int
	row := sb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM `sessions` WHERE id = ?", sessionID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("checking session: %w", err)
	}

	if exists == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}

func sessionExists(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var exists int
	row := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM `sessions` WHERE id = ?", sessionID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("checking session: %w", err)
	}

	if exists == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row scanner) (*core.Artifact, error) {
	var artifact core.Artifact

	if err := row.Scan(&artifact.Stage, &artifact.Revision, &artifact.Content, &artifact.Status, &artifact.Comments, &artifact.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}

		return nil, fmt.Errorf("scanning artifact: %w", err)
	}

	return &artifact, nil
}
