package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/graph"
	"github.com/devlift/sdlcflow/store"
	"github.com/devlift/sdlcflow/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockGenerator returns "<stage>-v<revision>" and records every call.
type mockGenerator struct {
	mu sync.Mutex

	// FailFirst makes the first n calls fail before succeeding.
	FailFirst int

	calls    int
	perStage map[core.Stage]int
	comments []string
}

func (g *mockGenerator) Generate(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	g.comments = append(g.comments, revisionComment)

	if g.calls <= g.FailFirst {
		return "", fmt.Errorf("model unavailable")
	}

	if g.perStage == nil {
		g.perStage = map[core.Stage]int{}
	}
	revision := g.perStage[stage]
	g.perStage[stage]++

	return fmt.Sprintf("%s-v%d", stage, revision), nil
}

// scriptedReviewer replays a fixed list of verdicts.
type scriptedReviewer struct {
	mu sync.Mutex

	verdicts []core.Verdict
	comments []string

	calls []struct {
		Stage    core.Stage
		Revision int64
	}
}

func (r *scriptedReviewer) RequestReview(ctx context.Context, stage core.Stage, revision int64, content string) (core.Verdict, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, struct {
		Stage    core.Stage
		Revision int64
	}{stage, revision})

	i := len(r.calls) - 1
	if i >= len(r.verdicts) {
		return "", "", fmt.Errorf("unexpected review request for %s rev %d", stage, revision)
	}

	comment := ""
	if i < len(r.comments) {
		comment = r.comments[i]
	}

	return r.verdicts[i], comment, nil
}

// approveAll approves every artifact it sees.
type approveAll struct{}

func (approveAll) RequestReview(ctx context.Context, stage core.Stage, revision int64, content string) (core.Verdict, string, error) {
	return core.VerdictApprove, "", nil
}

type mockPublisher struct {
	mu sync.Mutex

	Err error

	calls     int
	artifacts [][]*core.Artifact
}

func (p *mockPublisher) Publish(ctx context.Context, artifacts []*core.Artifact) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	p.artifacts = append(p.artifacts, artifacts)

	return p.Err
}

func twoStageGraph(t *testing.T) *graph.Graph {
	t.Helper()

	g, err := graph.New([]graph.StageDef{
		{Stage: core.StageRequirements},
		{Stage: core.StageUserStories, Upstream: []core.Stage{core.StageRequirements}},
	})
	require.NoError(t, err)

	return g
}

func newTestEngine(t *testing.T, g *graph.Graph, gen Generator, rev Reviewer, pub Publisher) (*Engine, store.Store) {
	t.Helper()

	s := memory.NewMemoryStore()
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	e, err := New(context.Background(), s, g, gen, rev, pub, Config{
		SessionID: uuid.NewString(),
	}, WithBackoffInitialInterval(time.Millisecond))
	require.NoError(t, err)

	return e, s
}

func Test_New_RequiresSessionID(t *testing.T) {
	s := memory.NewMemoryStore()
	defer s.Close()

	_, err := New(context.Background(), s, graph.Default(), &mockGenerator{}, approveAll{}, &mockPublisher{}, Config{})
	require.Error(t, err)
}

func Test_New_DuplicateSessionErrors(t *testing.T) {
	s := memory.NewMemoryStore()
	defer s.Close()

	cfg := Config{SessionID: "dup"}

	_, err := New(context.Background(), s, graph.Default(), &mockGenerator{}, approveAll{}, &mockPublisher{}, cfg)
	require.NoError(t, err)

	_, err = New(context.Background(), s, graph.Default(), &mockGenerator{}, approveAll{}, &mockPublisher{}, cfg)
	require.ErrorIs(t, err, store.ErrSessionAlreadyExists)
}

func Test_ApproveAdvancesToNextStage(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "v0", nil
	})
	rev := &scriptedReviewer{verdicts: []core.Verdict{core.VerdictApprove}}

	e, s := newTestEngine(t, twoStageGraph(t), gen, rev, &mockPublisher{})

	require.NoError(t, e.Step(ctx)) // generate
	require.NoError(t, e.Step(ctx)) // review
	require.NoError(t, e.Step(ctx)) // advance

	state := e.State()
	assert.Equal(t, core.StageUserStories, state.CurrentStage)
	assert.Equal(t, core.PhaseAwaitingGeneration, state.Phase)

	history, err := s.History(ctx, e.SessionID(), core.StageRequirements)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(0), history[0].Revision)
	assert.Equal(t, core.ArtifactApproved, history[0].Status)
}

func Test_RequestChangesLoopsStageWithComment(t *testing.T) {
	ctx := context.Background()

	var comments []string
	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		comments = append(comments, revisionComment)
		return fmt.Sprintf("v%d", len(comments)-1), nil
	})
	rev := &scriptedReviewer{
		verdicts: []core.Verdict{core.VerdictRequestChanges, core.VerdictApprove},
		comments: []string{"add constraints", ""},
	}

	e, s := newTestEngine(t, twoStageGraph(t), gen, rev, &mockPublisher{})

	require.NoError(t, e.Step(ctx)) // generate v0
	require.NoError(t, e.Step(ctx)) // reject v0
	require.NoError(t, e.Step(ctx)) // regenerate as v1
	require.NoError(t, e.Step(ctx)) // approve v1

	require.Equal(t, []string{"", "add constraints"}, comments)

	history, err := s.History(ctx, e.SessionID(), core.StageRequirements)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, core.ArtifactRejected, history[0].Status)
	assert.Equal(t, "add constraints", history[0].Comments)
	assert.Equal(t, core.ArtifactApproved, history[1].Status)

	events, err := s.Feedback(ctx, e.SessionID(), core.StageRequirements)
	require.NoError(t, err)

	rev0Events := 0
	for _, event := range events {
		if event.Revision == 0 {
			rev0Events++
		}
	}
	assert.Equal(t, 1, rev0Events)
}

func Test_GeneratorFailureAbortsAfterRetries(t *testing.T) {
	ctx := context.Background()

	gen := &mockGenerator{FailFirst: 10}

	e, s := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})

	err := e.Run(ctx)
	require.ErrorIs(t, err, ErrGenerationFailed)

	state := e.State()
	assert.Equal(t, core.PhaseAborted, state.Phase)
	assert.Equal(t, core.WorkflowAborted, state.Status)
	assert.Equal(t, core.AbortGenerationFailed, state.AbortReason)

	// RetryLimit defaults to 2, so three attempts in total.
	assert.Equal(t, 3, gen.calls)

	// No pending artifact is left dangling.
	history, err := s.History(ctx, e.SessionID(), core.StageRequirements)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The session is terminal now.
	require.ErrorIs(t, e.Step(ctx), ErrWorkflowFinished)
}

func Test_FullPipelinePublishesOnce(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return string(stage) + "-content", nil
	})
	pub := &mockPublisher{}

	e, _ := newTestEngine(t, graph.Default(), gen, approveAll{}, pub)

	require.NoError(t, e.Run(ctx))

	state := e.State()
	assert.Equal(t, core.PhaseCompleted, state.Phase)
	assert.Equal(t, core.WorkflowCompleted, state.Status)

	require.Equal(t, 1, pub.calls)
	require.Len(t, pub.artifacts[0], len(graph.Default().Stages()))

	for i, stage := range graph.Default().Stages() {
		assert.Equal(t, stage, pub.artifacts[0][i].Stage)
		assert.Equal(t, core.ArtifactApproved, pub.artifacts[0][i].Status)
	}

	require.ErrorIs(t, e.Step(ctx), ErrWorkflowFinished)
}

func Test_PublishFailureKeepsWorkflowCompleted(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "v0", nil
	})
	pub := &mockPublisher{Err: errors.New("remote unavailable")}

	e, _ := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, pub)

	err := e.Run(ctx)
	require.ErrorContains(t, err, "publishing artifacts")

	state := e.State()
	assert.Equal(t, core.PhaseCompleted, state.Phase)
	assert.Equal(t, core.WorkflowCompleted, state.Status)

	// Publishing is retryable independently of the workflow.
	pub.Err = nil
	require.NoError(t, e.Publish(ctx))
	assert.Equal(t, 2, pub.calls)
}

func Test_Publish_BeforeCompletionErrors(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "v0", nil
	})

	e, _ := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})

	require.ErrorIs(t, e.Publish(context.Background()), ErrWorkflowFinished)
}

func Test_GeneratorPanicIsRetriedAsFailure(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		panic("prompt template exploded")
	})

	e, _ := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})

	err := e.Run(ctx)
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, core.PhaseAborted, e.State().Phase)
}

func Test_GenerationTimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	s := memory.NewMemoryStore()
	defer s.Close()

	e, err := New(ctx, s, twoStageGraph(t), gen, approveAll{}, &mockPublisher{}, Config{
		SessionID:         uuid.NewString(),
		GenerationTimeout: time.Millisecond,
	}, WithBackoffInitialInterval(time.Millisecond))
	require.NoError(t, err)

	err = e.Run(ctx)
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, core.AbortGenerationFailed, e.State().AbortReason)
}

func Test_UpstreamArtifactsFormGeneratorInput(t *testing.T) {
	ctx := context.Background()

	var stories []StageInput
	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		if stage == core.StageUserStories {
			stories = inputs
		}
		return string(stage) + "-content", nil
	})

	e, _ := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})

	require.NoError(t, e.Run(ctx))

	require.Len(t, stories, 1)
	assert.Equal(t, core.StageRequirements, stories[0].Stage)
	assert.Equal(t, "requirements-content", stories[0].Content)
}

// hiddenApprovalStore pretends the given stage never got an approval.
type hiddenApprovalStore struct {
	store.Store

	stage core.Stage
}

func (s *hiddenApprovalStore) LatestApproved(ctx context.Context, sessionID string, stage core.Stage) (*core.Artifact, error) {
	if stage == s.stage {
		return nil, store.ErrNotFound
	}

	return s.Store.LatestApproved(ctx, sessionID, stage)
}

func Test_MissingUpstreamApprovalFailsGeneration(t *testing.T) {
	ctx := context.Background()

	base := memory.NewMemoryStore()
	defer base.Close()

	s := &hiddenApprovalStore{Store: base, stage: core.StageRequirements}

	e, err := New(ctx, s, twoStageGraph(t), &mockGenerator{}, approveAll{}, &mockPublisher{}, Config{
		SessionID: uuid.NewString(),
	}, WithBackoffInitialInterval(time.Millisecond))
	require.NoError(t, err)

	// Requirements has no upstream contract and runs through normally.
	require.NoError(t, e.Step(ctx))
	require.NoError(t, e.Step(ctx))
	require.NoError(t, e.Step(ctx))
	require.Equal(t, core.StageUserStories, e.State().CurrentStage)

	err = e.Step(ctx)
	require.ErrorIs(t, err, ErrMissingDependency)

	// The workflow is stuck, not aborted, and nothing was appended.
	assert.Equal(t, core.PhaseAwaitingGeneration, e.State().Phase)
	assert.Equal(t, core.WorkflowRunning, e.State().Status)

	history, err := base.History(ctx, e.SessionID(), core.StageUserStories)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func Test_SecurityGate_ReceivesDesignAndCode(t *testing.T) {
	ctx := context.Background()

	var securityInputs []StageInput
	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		if stage == core.StageSecurityReview {
			securityInputs = inputs
		}
		return string(stage) + "-content", nil
	})

	s := memory.NewMemoryStore()
	defer s.Close()

	e, err := New(ctx, s, graph.WithSecurityGate(), gen, approveAll{}, &mockPublisher{}, Config{
		SessionID: uuid.NewString(),
	}, WithBackoffInitialInterval(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, e.Run(ctx))

	require.Len(t, securityInputs, 2)
	assert.Equal(t, core.StageDesignDoc, securityInputs[0].Stage)
	assert.Equal(t, core.StageCode, securityInputs[1].Stage)
}

func Test_DuplicateVerdictDoesNotDoubleAdvance(t *testing.T) {
	ctx := context.Background()

	gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
		return "v0", nil
	})

	e, s := newTestEngine(t, twoStageGraph(t), gen, approveAll{}, &mockPublisher{})

	require.NoError(t, e.Step(ctx)) // generate
	require.NoError(t, e.Step(ctx)) // approve rev 0

	// Re-delivering the verdict for the already-decided revision fails
	// instead of advancing the stage a second time.
	err := s.SetArtifactStatus(ctx, e.SessionID(), core.StageRequirements, 0, core.ArtifactApproved, "")
	require.ErrorIs(t, err, store.ErrUnknownArtifact)
}

func Test_RandomReviewSequencesKeepInvariants(t *testing.T) {
	ctx := context.Background()

	for seed := int64(0); seed < 10; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))

			gen := GeneratorFunc(func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
				return string(stage), nil
			})

			rev := reviewerFunc(func(ctx context.Context, stage core.Stage, revision int64, content string) (core.Verdict, string, error) {
				if rng.Intn(3) == 0 {
					return core.VerdictRequestChanges, "tighten it", nil
				}
				return core.VerdictApprove, "", nil
			})

			s := memory.NewMemoryStore()
			defer s.Close()

			e, err := New(ctx, s, graph.Default(), gen, rev, &mockPublisher{}, Config{
				SessionID: uuid.NewString(),
			}, WithBackoffInitialInterval(time.Millisecond))
			require.NoError(t, err)

			require.NoError(t, e.Run(ctx))

			for _, stage := range graph.Default().Stages() {
				history, err := s.History(ctx, e.SessionID(), stage)
				require.NoError(t, err)

				approved := 0
				for i, artifact := range history {
					assert.Equal(t, int64(i), artifact.Revision)
					if artifact.Status == core.ArtifactApproved {
						approved++
					}
				}
				assert.Equal(t, 1, approved, "stage %s", stage)
			}
		})
	}
}

type reviewerFunc func(ctx context.Context, stage core.Stage, revision int64, content string) (core.Verdict, string, error)

func (f reviewerFunc) RequestReview(ctx context.Context, stage core.Stage, revision int64, content string) (core.Verdict, string, error) {
	return f(ctx, stage, revision, content)
}
