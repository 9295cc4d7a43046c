package engine

import (
	"context"

	"github.com/devlift/sdlcflow/core"
)

// StageInput is one upstream artifact handed to the generator.
type StageInput struct {
	Stage   core.Stage
	Content string
}

// Generator produces the artifact content for a stage. In production this is
// an LLM call; the engine only assumes it is slow and may fail. Called only
// while the engine awaits generation, with the per-attempt timeout applied
// through ctx.
type Generator interface {
	// Generate returns the content for the stage given the latest approved
	// upstream artifacts. revisionComment carries the reviewer's change
	// requests when the stage is being regenerated; it is empty on the
	// first attempt.
	Generate(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
	return f(ctx, stage, inputs, revisionComment)
}

// Reviewer obtains a human verdict for a pending artifact. Called only while
// the engine awaits review; it may block indefinitely, the awaiting state is
// durable.
type Reviewer interface {
	RequestReview(ctx context.Context, stage core.Stage, revision int64, content string) (core.Verdict, string, error)
}

// Publisher receives the final artifact set once the pipeline completes,
// e.g. to push it to version control.
type Publisher interface {
	Publish(ctx context.Context, artifacts []*core.Artifact) error
}
