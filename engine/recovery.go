package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/graph"
	"github.com/devlift/sdlcflow/internal/log"
	"github.com/devlift/sdlcflow/internal/metrickeys"
	"github.com/devlift/sdlcflow/metrics"
	"github.com/devlift/sdlcflow/store"
)

// Resume rebuilds an engine for an existing session from the store's
// artifact history. Completed stages are not replayed; the engine continues
// exactly where it stopped, either awaiting a verdict for a pending artifact
// or awaiting generation. Fails with store.ErrCorruptState when the history
// violates the store invariants.
func Resume(ctx context.Context, s store.Store, g *graph.Graph, gen Generator, rev Reviewer, pub Publisher, cfg Config, opts ...Option) (*Engine, error) {
	e, err := build(s, g, gen, rev, pub, cfg, opts...)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "ResumeWorkflowSession", trace.WithAttributes(
		attribute.String(log.SessionIDKey, e.cfg.SessionID),
	))
	defer span.End()

	if _, err := s.GetSession(ctx, cfg.SessionID); err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	saved, err := s.GetState(ctx, cfg.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("session %q has no checkpoint: %w", cfg.SessionID, store.ErrCorruptState)
		}

		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	state, err := reconstruct(ctx, s, g, cfg.SessionID, saved)
	if err != nil {
		return nil, err
	}

	state.UpdatedAt = e.clock.Now().UTC()
	if err := s.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("saving reconstructed state: %w", err)
	}

	e.state = state

	e.logger.Debug(
		"Resumed workflow session",
		log.StageKey, string(state.CurrentStage),
		log.PhaseKey, string(state.Phase),
	)

	e.metrics.Counter(metrickeys.SessionResumed, metrics.Tags{}, 1)

	return e, nil
}

// reconstruct derives the workflow state from the artifact history rather
// than trusting the checkpoint: the checkpoint only contributes the terminal
// abort marker, which the history alone cannot express.
func reconstruct(ctx context.Context, s store.Store, g *graph.Graph, sessionID string, saved *core.WorkflowState) (*core.WorkflowState, error) {
	histories := map[core.Stage][]*core.Artifact{}

	for _, stage := range g.Stages() {
		history, err := s.History(ctx, sessionID, stage)
		if err != nil {
			return nil, fmt.Errorf("reading history for %q: %w", stage, err)
		}

		if err := validateHistory(stage, history); err != nil {
			return nil, err
		}

		histories[stage] = history
	}

	if saved.Status == core.WorkflowAborted {
		return &core.WorkflowState{
			SessionID:    sessionID,
			CurrentStage: saved.CurrentStage,
			Phase:        core.PhaseAborted,
			Status:       core.WorkflowAborted,
			AbortReason:  saved.AbortReason,
		}, nil
	}

	// The current stage is the first one without an approved artifact. Any
	// approved artifact past that point means the pipeline skipped a stage.
	current := core.Stage("")
	completed := true
	for _, stage := range g.Stages() {
		if hasApproved(histories[stage]) {
			if !completed {
				return nil, fmt.Errorf("stage %q approved before %q: %w", stage, current, store.ErrCorruptState)
			}

			continue
		}

		if completed {
			completed = false
			current = stage
		}
	}

	if completed {
		return &core.WorkflowState{
			SessionID: sessionID,
			// The last stage stays current so the state names where the
			// pipeline ended.
			CurrentStage: g.Stages()[len(g.Stages())-1],
			Phase:        core.PhaseCompleted,
			Status:       core.WorkflowCompleted,
		}, nil
	}

	state := &core.WorkflowState{
		SessionID:    sessionID,
		CurrentStage: current,
		Phase:        core.PhaseAwaitingGeneration,
		Status:       core.WorkflowRunning,
	}

	history := histories[current]
	if len(history) > 0 {
		last := history[len(history)-1]
		if last.Status == core.ArtifactPending {
			state.Phase = core.PhaseAwaitingReview
			state.PendingRevision = last.Revision
		}
	}

	return state, nil
}

func validateHistory(stage core.Stage, history []*core.Artifact) error {
	approved := 0

	for i, artifact := range history {
		if artifact.Revision != int64(i) {
			return fmt.Errorf("stage %q revision gap at %d (got %d): %w",
				stage, i, artifact.Revision, store.ErrCorruptState)
		}

		switch artifact.Status {
		case core.ArtifactApproved:
			approved++
			if approved > 1 {
				return fmt.Errorf("stage %q has multiple approved artifacts: %w", stage, store.ErrCorruptState)
			}

			if i != len(history)-1 {
				return fmt.Errorf("stage %q has artifacts after approval: %w", stage, store.ErrCorruptState)
			}
		case core.ArtifactPending:
			if i != len(history)-1 {
				return fmt.Errorf("stage %q has artifacts after pending revision %d: %w",
					stage, artifact.Revision, store.ErrCorruptState)
			}
		case core.ArtifactRejected:
			// Any number of rejected attempts is fine.
		default:
			return fmt.Errorf("stage %q revision %d has status %q: %w",
				stage, artifact.Revision, artifact.Status, store.ErrCorruptState)
		}
	}

	return nil
}

func hasApproved(history []*core.Artifact) bool {
	for _, artifact := range history {
		if artifact.Status == core.ArtifactApproved {
			return true
		}
	}

	return false
}
