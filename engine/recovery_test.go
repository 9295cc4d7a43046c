package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/graph"
	"github.com/devlift/sdlcflow/store"
	"github.com/devlift/sdlcflow/store/memory"
)

func resumeEngine(t *testing.T, s store.Store, g *graph.Graph, sessionID string, rev Reviewer) *Engine {
	t.Helper()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return string(stage) + "-content", nil
	})

	e, err := Resume(context.Background(), s, g, gen, rev, &mockPublisher{}, Config{
		SessionID: sessionID,
	}, WithBackoffInitialInterval(time.Millisecond))
	require.NoError(t, err)

	return e
}

func Test_Resume_UnknownSessionErrors(t *testing.T) {
	s := memory.NewMemoryStore()
	defer s.Close()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "", nil
	})

	_, err := Resume(context.Background(), s, graph.Default(), gen, approveAll{}, &mockPublisher{}, Config{
		SessionID: uuid.NewString(),
	})
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func Test_Resume_AfterAppendAwaitsReview(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "v0", nil
	})

	e, s := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})
	require.NoError(t, e.Step(ctx)) // generate, crash before review

	resumed := resumeEngine(t, s, twoStageGraph(t), e.SessionID(), approveAll{})

	state := resumed.State()
	assert.Equal(t, core.StageRequirements, state.CurrentStage)
	assert.Equal(t, core.PhaseAwaitingReview, state.Phase)
	assert.Equal(t, int64(0), state.PendingRevision)

	// The pending artifact is reviewed, not regenerated.
	require.NoError(t, resumed.Step(ctx))

	history, err := s.History(ctx, e.SessionID(), core.StageRequirements)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.ArtifactApproved, history[0].Status)
}

func Test_Resume_AfterRejectionAwaitsGeneration(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "v0", nil
	})
	rev := &scriptedReviewer{
		verdicts: []core.Verdict{core.VerdictRequestChanges},
		comments: []string{"needs detail"},
	}

	e, s := newTestEngine(t, twoStageGraph(t), gen, rev, &mockPublisher{})
	require.NoError(t, e.Step(ctx)) // generate
	require.NoError(t, e.Step(ctx)) // reject, crash before regeneration

	resumed := resumeEngine(t, s, twoStageGraph(t), e.SessionID(), approveAll{})

	state := resumed.State()
	assert.Equal(t, core.StageRequirements, state.CurrentStage)
	assert.Equal(t, core.PhaseAwaitingGeneration, state.Phase)
}

func Test_Resume_AfterApprovalAwaitsNextStage(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "v0", nil
	})

	e, s := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})
	require.NoError(t, e.Step(ctx)) // generate
	require.NoError(t, e.Step(ctx)) // approve, crash before advancing

	resumed := resumeEngine(t, s, twoStageGraph(t), e.SessionID(), approveAll{})

	state := resumed.State()
	assert.Equal(t, core.StageUserStories, state.CurrentStage)
	assert.Equal(t, core.PhaseAwaitingGeneration, state.Phase)
}

func Test_Resume_CompletedStaysCompleted(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "v0", nil
	})

	e, s := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})
	require.NoError(t, e.Run(ctx))

	resumed := resumeEngine(t, s, twoStageGraph(t), e.SessionID(), approveAll{})

	state := resumed.State()
	assert.Equal(t, core.PhaseCompleted, state.Phase)
	assert.Equal(t, core.WorkflowCompleted, state.Status)

	require.ErrorIs(t, resumed.Step(ctx), ErrWorkflowFinished)
}

func Test_Resume_CompletedSessionCanPublish(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return string(stage) + "-content", nil
	})

	// The publish after completion fails, so the session ends up Completed
	// but unpublished, as after a crash between checkpoint and publish.
	failing := &mockPublisher{Err: errors.New("endpoint down")}

	e, s := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, failing)
	require.Error(t, e.Run(ctx))
	require.Equal(t, core.PhaseCompleted, e.State().Phase)

	pub := &mockPublisher{}
	resumed, err := Resume(ctx, s, twoStageGraph(t), gen, approveAll{}, pub, Config{
		SessionID: e.SessionID(),
	})
	require.NoError(t, err)
	require.Equal(t, core.PhaseCompleted, resumed.State().Phase)

	require.NoError(t, resumed.Publish(ctx))
	require.Equal(t, 1, pub.calls)
	require.Len(t, pub.artifacts[0], 2)
}

func Test_Resume_AbortedStaysAborted(t *testing.T) {
	ctx := context.Background()

	gen := &mockGenerator{FailFirst: 10}

	e, s := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})
	require.ErrorIs(t, e.Run(ctx), ErrGenerationFailed)

	resumed := resumeEngine(t, s, twoStageGraph(t), e.SessionID(), approveAll{})

	state := resumed.State()
	assert.Equal(t, core.PhaseAborted, state.Phase)
	assert.Equal(t, core.AbortGenerationFailed, state.AbortReason)

	require.ErrorIs(t, resumed.Step(ctx), ErrWorkflowFinished)
}

func Test_Resume_EquivalentAfterEveryTransition(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return string(stage) + "-content", nil
	})
	rev := &scriptedReviewer{
		verdicts: []core.Verdict{
			core.VerdictRequestChanges,
			core.VerdictApprove,
			core.VerdictApprove,
		},
		comments: []string{"more", "", ""},
	}

	e, s := newTestEngine(t, twoStageGraph(t), gen, rev, &mockPublisher{})

	for {
		if e.State().Phase.Terminal() {
			break
		}

		require.NoError(t, e.Step(ctx))

		// Simulate a crash after the transition: a resumed engine must
		// land on the same next expected action.
		resumed := resumeEngine(t, s, twoStageGraph(t), e.SessionID(), approveAll{})

		assert.Equal(t, e.State().CurrentStage, resumed.State().CurrentStage)

		expected := e.State().Phase
		if expected == core.PhaseStageApproved {
			// StageApproved's only successor is awaiting generation of the
			// next stage; reconstruction skips the intermediate hop.
			assert.Equal(t, core.PhaseAwaitingGeneration, resumed.State().Phase)
		} else {
			assert.Equal(t, expected, resumed.State().Phase)
		}
	}
}

func Test_Resume_CorruptHistoryErrors(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "v0", nil
	})

	e, s := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})
	require.NoError(t, e.Step(ctx))

	corrupt := &corruptStore{Store: s}

	_, err := Resume(ctx, corrupt, twoStageGraph(t), gen, approveAll{}, &mockPublisher{}, Config{
		SessionID: e.SessionID(),
	})
	require.ErrorIs(t, err, store.ErrCorruptState)
}

// corruptStore fakes a revision gap in the requirements history.
type corruptStore struct {
	store.Store
}

func (c *corruptStore) History(ctx context.Context, sessionID string, stage core.Stage) ([]*core.Artifact, error) {
	history, err := c.Store.History(ctx, sessionID, stage)
	if err != nil {
		return nil, err
	}

	if stage == core.StageRequirements {
		for _, artifact := range history {
			artifact.Revision += 7
		}
	}

	return history, nil
}
