package core

import "time"

// Session identifies one workflow run.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Phase is the engine's position in the stage state machine.
type Phase string

const (
	// PhaseAwaitingGeneration means the next step invokes the generator for
	// the current stage.
	PhaseAwaitingGeneration Phase = "awaiting_generation"

	// PhaseAwaitingReview means a pending artifact exists for the current
	// stage and the next step obtains a reviewer verdict. This is the
	// durable suspension point for human input.
	PhaseAwaitingReview Phase = "awaiting_review"

	// PhaseStageApproved means the current stage is final and the next step
	// advances the pipeline.
	PhaseStageApproved Phase = "stage_approved"

	PhaseCompleted Phase = "completed"
	PhaseAborted   Phase = "aborted"
)

// Terminal reports whether no further transitions are accepted.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAborted
}

// WorkflowStatus is the overall status of a session.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowAborted   WorkflowStatus = "aborted"
)

// AbortReason explains a terminal abort.
type AbortReason string

const (
	AbortGenerationFailed AbortReason = "generation_failed"
)

// WorkflowState is the engine checkpoint for one session. It is owned by a
// single engine instance, written after every transition, and rebuilt from
// the artifact history on resume rather than hand-edited.
type WorkflowState struct {
	SessionID    string         `json:"session_id"`
	CurrentStage Stage          `json:"current_stage"`
	Phase        Phase          `json:"phase"`

	// PendingRevision is the revision awaiting review when Phase is
	// PhaseAwaitingReview.
	PendingRevision int64 `json:"pending_revision"`

	Status      WorkflowStatus `json:"status"`
	AbortReason AbortReason    `json:"abort_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
