package store

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/metrics"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")

	// ErrNotFound indicates no approved artifact exists for the stage.
	ErrNotFound = errors.New("artifact not found")

	// ErrRevisionConflict indicates an append whose revision is not exactly
	// one greater than the stage's current maximum, or an append to a stage
	// that already has an approved artifact.
	ErrRevisionConflict = errors.New("artifact revision conflict")

	// ErrUnknownArtifact indicates the referenced (stage, revision) does not
	// exist or is not pending review.
	ErrUnknownArtifact = errors.New("unknown artifact")

	// ErrCorruptState indicates the store's invariants are violated, e.g. a
	// revision gap or two approved artifacts for one stage.
	ErrCorruptState = errors.New("corrupt workflow state")
)

const TracerName = "sdlcflow"

// Store is the versioned, append-only storage for per-stage artifacts,
// review feedback, and the engine checkpoint. Artifacts and feedback are
// never deleted; they form the audit trail of a session. All writes are
// durable before the call returns.
type Store interface {
	// CreateSession registers a new session
	CreateSession(ctx context.Context, session *core.Session) error

	// GetSession returns the session with the given id
	GetSession(ctx context.Context, sessionID string) (*core.Session, error)

	// ListSessions returns all known sessions, oldest first
	ListSessions(ctx context.Context) ([]*core.Session, error)

	// AppendArtifact stores a new pending artifact. It fails with
	// ErrRevisionConflict unless the artifact's revision is exactly one
	// greater than the stage's current maximum (0 for an empty stage) and
	// the stage has no approved artifact. Appends for one stage are
	// serialized, so a retried or duplicate request cannot skip or reuse a
	// revision.
	AppendArtifact(ctx context.Context, sessionID string, artifact *core.Artifact) error

	// LatestApproved returns the approved artifact for the stage, or
	// ErrNotFound if the stage has none
	LatestApproved(ctx context.Context, sessionID string, stage core.Stage) (*core.Artifact, error)

	// History returns all artifacts for the stage, oldest first
	History(ctx context.Context, sessionID string, stage core.Stage) ([]*core.Artifact, error)

	// SetArtifactStatus decides a pending artifact. Only the transitions
	// pending->approved and pending->rejected are accepted; anything else,
	// including a second decision for the same revision, fails with
	// ErrUnknownArtifact. Approval enforces at most one approved artifact
	// per stage.
	SetArtifactStatus(ctx context.Context, sessionID string, stage core.Stage, revision int64, status core.ArtifactStatus, comments string) error

	// RecordFeedback appends a feedback event. Fails with ErrUnknownArtifact
	// if the referenced (stage, revision) does not exist.
	RecordFeedback(ctx context.Context, sessionID string, event *core.FeedbackEvent) error

	// Feedback returns all feedback events for the stage, oldest first
	Feedback(ctx context.Context, sessionID string, stage core.Stage) ([]*core.FeedbackEvent, error)

	// SaveState writes the engine checkpoint for the session
	SaveState(ctx context.Context, state *core.WorkflowState) error

	// GetState returns the engine checkpoint for the session
	GetState(ctx context.Context, sessionID string) (*core.WorkflowState, error)

	// Logger returns the configured logger for the store
	Logger() *slog.Logger

	// Metrics returns the configured metrics client for the store
	Metrics() metrics.Client

	// Tracer returns the configured tracer for the store
	Tracer() trace.Tracer

	// Options returns the configured options for the store
	Options() *Options

	// Close closes any underlying resources
	Close() error
}
