package core

import "time"

// ArtifactStatus is the review status of a single artifact.
type ArtifactStatus string

const (
	ArtifactPending  ArtifactStatus = "pending"
	ArtifactApproved ArtifactStatus = "approved"
	ArtifactRejected ArtifactStatus = "rejected"
)

// Artifact is the output of one generation attempt for a stage. Content and
// revision never change after creation; only the status may move from
// pending to approved or rejected, exactly once.
type Artifact struct {
	Stage    Stage          `json:"stage"`
	Revision int64          `json:"revision"`
	Content  string         `json:"content"`
	Status   ArtifactStatus `json:"status"`

	// Comments holds the reviewer's change requests. Set only when the
	// artifact was rejected.
	Comments string `json:"comments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func NewArtifact(stage Stage, revision int64, content string, createdAt time.Time) *Artifact {
	return &Artifact{
		Stage:     stage,
		Revision:  revision,
		Content:   content,
		Status:    ArtifactPending,
		CreatedAt: createdAt,
	}
}

// Verdict is a reviewer's decision on an artifact.
type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges Verdict = "request_changes"
)

// FeedbackEvent records one review cycle for a (stage, revision) pair.
// Events are append-only; they form the audit trail of the session.
type FeedbackEvent struct {
	Stage      Stage     `json:"stage"`
	Revision   int64     `json:"revision"`
	Verdict    Verdict   `json:"verdict"`
	Comment    string    `json:"comment,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
