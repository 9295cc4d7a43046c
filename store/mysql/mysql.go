package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	mysqlmigrate "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/metrics"
	"github.com/devlift/sdlcflow/store"

	_ "github.com/go-sql-driver/mysql"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMysqlStore returns a store backed by the given mysql database. Schema
// migrations are applied on startup.
func NewMysqlStore(host string, port int, user, password, database string, opts ...store.Option) store.Store {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	if err := applyMigrations(db, database); err != nil {
		panic(fmt.Errorf("initializing database: %w", err))
	}

	options := store.ApplyOptions(opts...)

	return &mysqlStore{
		db:      db,
		options: options,
		tracer:  options.TracerProvider.Tracer(store.TracerName),
	}
}

func applyMigrations(db *sql.DB, database string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening migrations: %w", err)
	}

	driver, err := mysqlmigrate.WithInstance(db, &mysqlmigrate.Config{DatabaseName: database})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "mysql", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

type mysqlStore struct {
	db      *sql.DB
	options store.Options
	tracer  trace.Tracer
}

var _ store.Store = (*mysqlStore)(nil)

func (mb *mysqlStore) CreateSession(ctx context.Context, session *core.Session) error {
	res, err := mb.db.ExecContext(
		ctx,
		"INSERT IGNORE INTO `sessions` (id, created_at) VALUES (?, ?)",
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

func (mb *mysqlStore) GetSession(ctx context.Context, sessionID string) (*core.Session, error) {
	row := mb.db.QueryRowContext(ctx, "SELECT id, created_at FROM `sessions` WHERE id = ?", sessionID)

	var session core.Session
	if err := row.Scan(&session.ID, &session.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrSessionNotFound
		}

		return nil, fmt.Errorf("scanning session: %w", err)
	}

	return &session, nil
}

func (mb *mysqlStore) ListSessions(ctx context.Context) ([]*core.Session, error) {
	rows, err := mb.db.QueryContext(ctx, "SELECT id, created_at FROM `sessions` ORDER BY created_at, id")
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

func (mb *mysqlStore) AppendArtifact(ctx context.Context, sessionID string, artifact *core.Artifact) error {
	tx, err := mb.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := sessionExists(ctx, tx, sessionID); err != nil {
		return err
	}

	// Lock the stage's rows so concurrent appends serialize on the revision
	// counter.
	var maxRevision sql.NullInt64
	var approved int
	row := tx.QueryRowContext(
		ctx,
		"SELECT MAX(revision), COUNT(CASE WHEN status = ? THEN 1 END) FROM `artifacts` WHERE session_id = ? AND stage = ? FOR UPDATE",
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

func (mb *mysqlStore) LatestApproved(ctx context.Context, sessionID string, stage core.Stage) (*core.Artifact, error) {
	row := mb.db.QueryRowContext(
		ctx,
		"SELECT stage, revision, content, status, comments, created_at FROM `artifacts` WHERE session_id = ? AND stage = ? AND status = ? ORDER BY revision DESC LIMIT 1",
		sessionID, stage, core.ArtifactApproved,
	)

	artifact, err := scanArtifact(row)
	if err != nil {
		if err == sql.ErrNoRows {
			if serr := mb.checkSession(ctx, sessionID); serr != nil {
				return nil, serr
			}

			return nil, store.ErrNotFound
		}

		return nil, err
	}

	return artifact, nil
}

func (mb *mysqlStore) History(ctx context.Context, sessionID string, stage core.Stage) ([]*core.Artifact, error) {
	if err := mb.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := mb.db.QueryContext(
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

func (mb *mysqlStore) SetArtifactStatus(ctx context.Context, sessionID string, stage core.Stage, revision int64, status core.ArtifactStatus, comments string) error {
	if status != core.ArtifactApproved && status != core.ArtifactRejected {
		return fmt.Errorf("invalid status transition to %q: %w", status, store.ErrUnknownArtifact)
	}

	tx, err := mb.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// An approval must be the stage's first. The stage rows are locked so a
	// concurrent decision serializes behind this one.
	if status == core.ArtifactApproved {
		var approved int
		row := tx.QueryRowContext(
			ctx,
			"SELECT COUNT(*) FROM `artifacts` WHERE session_id = ? AND stage = ? AND status = ? FOR UPDATE",
			sessionID, stage, core.ArtifactApproved,
		)
		if err := row.Scan(&approved); err != nil {
			return fmt.Errorf("checking stage approvals: %w", err)
		}

		if approved > 0 {
			return fmt.Errorf("stage %q already approved: %w", stage, store.ErrUnknownArtifact)
		}
	}

	res, err := tx.ExecContext(
		ctx,
		"UPDATE `artifacts` SET status = ?, comments = ? WHERE session_id = ? AND stage = ? AND revision = ? AND status = ?",
		status, comments, sessionID, stage, revision, core.ArtifactPending,
	)
	if err != nil {
		return fmt.Errorf("updating artifact status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return fmt.Errorf("stage %q revision %d is not pending: %w", stage, revision, store.ErrUnknownArtifact)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing artifact status: %w", err)
	}

	return nil
}

func (mb *mysqlStore) RecordFeedback(ctx context.Context, sessionID string, event *core.FeedbackEvent) error {
	tx, err := mb.db.BeginTx(ctx, nil)
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

func (mb *mysqlStore) Feedback(ctx context.Context, sessionID string, stage core.Stage) ([]*core.FeedbackEvent, error) {
	rows, err := mb.db.QueryContext(
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

func (mb *mysqlStore) SaveState(ctx context.Context, state *core.WorkflowState) error {
	if err := mb.checkSession(ctx, state.SessionID); err != nil {
		return err
	}

	if _, err := mb.db.ExecContext(
		ctx,
		`INSERT INTO workflow_states (session_id, current_stage, phase, pending_revision, status, abort_reason, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				current_stage = VALUES(current_stage), phase = VALUES(phase), pending_revision = VALUES(pending_revision),
				status = VALUES(status), abort_reason = VALUES(abort_reason), updated_at = VALUES(updated_at)`,
		state.SessionID, state.CurrentStage, state.Phase, state.PendingRevision, state.Status, state.AbortReason, state.UpdatedAt,
	); err != nil {
		return fmt.Errorf("saving workflow state: %w", err)
	}

	return nil
}

func (mb *mysqlStore) GetState(ctx context.Context, sessionID string) (*core.WorkflowState, error) {
	row := mb.db.QueryRowContext(
		ctx,
		"SELECT session_id, current_stage, phase, pending_revision, status, abort_reason, updated_at FROM `workflow_states` WHERE session_id = ?",
		sessionID,
	)

	var state core.WorkflowState
	if err := row.Scan(&state.SessionID, &state.CurrentStage, &state.Phase, &state.PendingRevision, &state.Status, &state.AbortReason, &state.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			if serr := mb.checkSession(ctx, sessionID); serr != nil {
				return nil, serr
			}

			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("scanning workflow state: %w", err)
	}

	return &state, nil
}

func (mb *mysqlStore) Logger() *slog.Logger {
	return mb.options.Logger
}

func (mb *mysqlStore) Metrics() metrics.Client {
	return mb.options.Metrics
}

func (mb *mysqlStore) Tracer() trace.Tracer {
	return mb.tracer
}

func (mb *mysqlStore) Options() *store.Options {
	return &mb.options
}

func (mb *mysqlStore) Close() error {
	return mb.db.Close()
}

func (mb *mysqlStore) checkSession(ctx context.Context, sessionID string) error {
	var exists int
	row := mb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM `sessions` WHERE id = ?", sessionID)
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
