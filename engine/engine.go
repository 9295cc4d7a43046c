package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	goerrors "github.com/go-errors/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/graph"
	"github.com/devlift/sdlcflow/internal/log"
	"github.com/devlift/sdlcflow/internal/metrickeys"
	"github.com/devlift/sdlcflow/metrics"
	"github.com/devlift/sdlcflow/store"
)

var (
	// ErrWorkflowFinished indicates an operation against a session already
	// in a terminal state.
	ErrWorkflowFinished = errors.New("workflow finished")

	// ErrMissingDependency indicates a stage's input contract references an
	// upstream stage without an approved artifact.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrGenerationFailed indicates the generator exhausted its retries and
	// the workflow aborted.
	ErrGenerationFailed = errors.New("generation failed")
)

// Config carries the per-session engine configuration.
type Config struct {
	SessionID string

	// RetryLimit is the number of generator retries after the first failed
	// attempt.
	RetryLimit int

	// GenerationTimeout bounds a single generator attempt. A timed-out
	// attempt counts as a failure, subject to the retry policy. Zero means
	// no ceiling.
	GenerationTimeout time.Duration
}

const defaultRetryLimit = 2

// Engine walks the stage graph for one session: it invokes the generator,
// obtains reviewer verdicts, routes on them, and checkpoints every
// transition to the store. One engine instance owns its session's state;
// engines for different sessions are independent.
type Engine struct {
	store     store.Store
	graph     *graph.Graph
	generator Generator
	reviewer  Reviewer
	publisher Publisher

	cfg   Config
	state *core.WorkflowState

	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client
	tracer  trace.Tracer

	backoffInitialInterval time.Duration
}

type Option func(*Engine)

// WithBackoffInitialInterval sets the first retry delay for failed
// generation attempts. Tests shrink it.
func WithBackoffInitialInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.backoffInitialInterval = d
	}
}

// New creates the session in the store and returns an engine positioned at
// the first stage, awaiting generation.
func New(ctx context.Context, s store.Store, g *graph.Graph, gen Generator, rev Reviewer, pub Publisher, cfg Config, opts ...Option) (*Engine, error) {
	e, err := build(s, g, gen, rev, pub, cfg, opts...)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "CreateWorkflowSession", trace.WithAttributes(
		attribute.String(log.SessionIDKey, e.cfg.SessionID),
	))
	defer span.End()

	now := e.clock.Now().UTC()

	if err := s.CreateSession(ctx, &core.Session{ID: e.cfg.SessionID, CreatedAt: now}); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	e.state = &core.WorkflowState{
		SessionID:    e.cfg.SessionID,
		CurrentStage: g.First(),
		Phase:        core.PhaseAwaitingGeneration,
		Status:       core.WorkflowRunning,
		UpdatedAt:    now,
	}

	if err := s.SaveState(ctx, e.state); err != nil {
		return nil, fmt.Errorf("saving initial state: %w", err)
	}

	e.logger.Debug(
		"Created workflow session",
		log.SessionIDKey, e.cfg.SessionID,
		log.StageKey, string(e.state.CurrentStage),
	)

	e.metrics.Counter(metrickeys.SessionCreated, metrics.Tags{}, 1)

	return e, nil
}

func build(s store.Store, g *graph.Graph, gen Generator, rev Reviewer, pub Publisher, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	if cfg.RetryLimit < 0 {
		return nil, fmt.Errorf("retry limit must not be negative")
	}

	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = defaultRetryLimit
	}

	options := s.Options()

	e := &Engine{
		store:     s,
		graph:     g,
		generator: gen,
		reviewer:  rev,
		publisher: pub,
		cfg:       cfg,

		clock:   options.Clock,
		logger:  s.Logger().With(log.SessionIDKey, cfg.SessionID),
		metrics: s.Metrics(),
		tracer:  s.Tracer(),

		backoffInitialInterval: time.Second,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// State returns a copy of the current workflow state.
func (e *Engine) State() core.WorkflowState {
	return *e.state
}

// SessionID returns the session this engine owns.
func (e *Engine) SessionID() string {
	return e.cfg.SessionID
}

// Step executes exactly one state machine transition. It fails with
// ErrWorkflowFinished once the session is terminal.
func (e *Engine) Step(ctx context.Context) error {
	switch e.state.Phase {
	case core.PhaseAwaitingGeneration:
		return e.generate(ctx)
	case core.PhaseAwaitingReview:
		return e.review(ctx)
	case core.PhaseStageApproved:
		return e.advance(ctx)
	case core.PhaseCompleted, core.PhaseAborted:
		return fmt.Errorf("session %q is %s: %w", e.cfg.SessionID, e.state.Phase, ErrWorkflowFinished)
	default:
		return fmt.Errorf("phase %q: %w", e.state.Phase, store.ErrCorruptState)
	}
}

// Run steps the workflow until it reaches a terminal state. It returns the
// first error encountered; when the error moved the workflow to Aborted the
// session is finished, otherwise Run may be called again to continue (e.g.
// after a reviewer hung up).
func (e *Engine) Run(ctx context.Context) error {
	for !e.state.Phase.Terminal() {
		if err := e.Step(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) generate(ctx context.Context) error {
	stage := e.state.CurrentStage

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("GenerateArtifact: %s", stage), trace.WithAttributes(
		attribute.String(log.SessionIDKey, e.cfg.SessionID),
		attribute.String(log.StageKey, string(stage)),
	))
	defer span.End()

	inputs, err := e.assembleInputs(ctx, stage)
	if err != nil {
		return err
	}

	history, err := e.store.History(ctx, e.cfg.SessionID, stage)
	if err != nil {
		return fmt.Errorf("reading stage history: %w", err)
	}

	revision := int64(len(history))

	revisionComment := ""
	if len(history) > 0 {
		last := history[len(history)-1]
		if last.Status != core.ArtifactRejected {
			return fmt.Errorf("stage %q revision %d is %s, expected rejected: %w",
				stage, last.Revision, last.Status, store.ErrCorruptState)
		}

		revisionComment = last.Comments
	}

	timer := metrics.Timer(e.metrics, metrickeys.GenerationTime, metrics.Tags{metrickeys.Stage: string(stage)})
	content, err := e.generateWithRetries(ctx, stage, inputs, revisionComment)
	timer.Stop()

	if err != nil {
		e.metrics.Counter(metrickeys.GenerationFailed, metrics.Tags{metrickeys.Stage: string(stage)}, 1)

		return e.abort(ctx, core.AbortGenerationFailed, fmt.Errorf("stage %q: %w: %v", stage, ErrGenerationFailed, err))
	}

	artifact := core.NewArtifact(stage, revision, content, e.clock.Now().UTC())
	if err := e.store.AppendArtifact(ctx, e.cfg.SessionID, artifact); err != nil {
		return fmt.Errorf("appending artifact: %w", err)
	}

	e.metrics.Counter(metrickeys.ArtifactGenerated, metrics.Tags{metrickeys.Stage: string(stage)}, 1)

	e.logger.Debug(
		"Generated artifact",
		log.StageKey, string(stage),
		log.RevisionKey, revision,
	)

	return e.transition(ctx, func(s *core.WorkflowState) {
		s.Phase = core.PhaseAwaitingReview
		s.PendingRevision = revision
	})
}

func (e *Engine) assembleInputs(ctx context.Context, stage core.Stage) ([]StageInput, error) {
	contract := e.graph.InputContract(stage)

	inputs := make([]StageInput, 0, len(contract))
	for _, upstream := range contract {
		artifact, err := e.store.LatestApproved(ctx, e.cfg.SessionID, upstream)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("stage %q requires approved artifact for %q: %w", stage, upstream, ErrMissingDependency)
			}

			return nil, fmt.Errorf("reading upstream artifact: %w", err)
		}

		inputs = append(inputs, StageInput{Stage: upstream, Content: artifact.Content})
	}

	return inputs, nil
}

func (e *Engine) generateWithRetries(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (string, error) {
	b := backoff.ExponentialBackOff{
		InitialInterval:     e.backoffInitialInterval,
		MaxInterval:         time.Second * 30,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               e.clock,
	}
	b.Reset()

	var content string
	attempt := 0

	operation := func() error {
		attempt++

		gctx := ctx
		if e.cfg.GenerationTimeout > 0 {
			var cancel context.CancelFunc
			gctx, cancel = context.WithTimeout(ctx, e.cfg.GenerationTimeout)
			defer cancel()
		}

		c, err := e.callGenerator(gctx, stage, inputs, revisionComment)
		if err != nil {
			e.metrics.Counter(metrickeys.GenerationRetried, metrics.Tags{metrickeys.Stage: string(stage)}, 1)

			e.logger.Warn(
				"Generation attempt failed",
				log.StageKey, string(stage),
				log.AttemptKey, attempt,
				"error", err,
			)

			return err
		}

		content = c
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(&b, uint64(e.cfg.RetryLimit)), ctx))
	if err != nil {
		return "", err
	}

	return content, nil
}

// callGenerator shields the engine from a panicking generator; the panic is
// logged with its stack and converted into a regular generation failure.
func (e *Engine) callGenerator(ctx context.Context, stage core.Stage, inputs []StageInput, revisionComment string) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			goerr := goerrors.Wrap(r, 2)

			e.logger.Error(
				"Generator panicked",
				log.StageKey, string(stage),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(goerr.Stack()),
			)

			err = fmt.Errorf("generator panic: %v", r)
		}
	}()

	return e.generator.Generate(ctx, stage, inputs, revisionComment)
}

func (e *Engine) review(ctx context.Context) error {
	stage := e.state.CurrentStage
	revision := e.state.PendingRevision

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("ReviewArtifact: %s", stage), trace.WithAttributes(
		attribute.String(log.SessionIDKey, e.cfg.SessionID),
		attribute.String(log.StageKey, string(stage)),
		attribute.Int64(log.RevisionKey, revision),
	))
	defer span.End()

	history, err := e.store.History(ctx, e.cfg.SessionID, stage)
	if err != nil {
		return fmt.Errorf("reading stage history: %w", err)
	}

	if int64(len(history)) <= revision {
		return fmt.Errorf("stage %q has no revision %d: %w", stage, revision, store.ErrCorruptState)
	}

	pending := history[revision]
	if pending.Status != core.ArtifactPending {
		return fmt.Errorf("stage %q revision %d is %s, expected pending: %w",
			stage, revision, pending.Status, store.ErrCorruptState)
	}

	// This may block for as long as the human takes; the awaiting-review
	// state is durable, so the caller can also bail out and resume later.
	verdict, comment, err := e.reviewer.RequestReview(ctx, stage, revision, pending.Content)
	if err != nil {
		return fmt.Errorf("requesting review: %w", err)
	}

	transition, err := Route(verdict, comment)
	if err != nil {
		return err
	}

	if err := e.store.RecordFeedback(ctx, e.cfg.SessionID, &core.FeedbackEvent{
		Stage:      stage,
		Revision:   revision,
		Verdict:    verdict,
		Comment:    comment,
		ReceivedAt: e.clock.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("recording feedback: %w", err)
	}

	e.metrics.Counter(metrickeys.VerdictReceived, metrics.Tags{
		metrickeys.Stage:   string(stage),
		metrickeys.Verdict: string(verdict),
	}, 1)

	switch transition {
	case TransitionAdvance:
		if err := e.store.SetArtifactStatus(ctx, e.cfg.SessionID, stage, revision, core.ArtifactApproved, ""); err != nil {
			return fmt.Errorf("approving artifact: %w", err)
		}

		e.metrics.Counter(metrickeys.StageApproved, metrics.Tags{metrickeys.Stage: string(stage)}, 1)

		e.logger.Debug(
			"Stage approved",
			log.StageKey, string(stage),
			log.RevisionKey, revision,
		)

		return e.transition(ctx, func(s *core.WorkflowState) {
			s.Phase = core.PhaseStageApproved
		})

	case TransitionRevise:
		if err := e.store.SetArtifactStatus(ctx, e.cfg.SessionID, stage, revision, core.ArtifactRejected, comment); err != nil {
			return fmt.Errorf("rejecting artifact: %w", err)
		}

		e.metrics.Counter(metrickeys.StageRejected, metrics.Tags{metrickeys.Stage: string(stage)}, 1)

		e.logger.Debug(
			"Stage revision requested",
			log.StageKey, string(stage),
			log.RevisionKey, revision,
			log.VerdictKey, string(verdict),
		)

		return e.transition(ctx, func(s *core.WorkflowState) {
			s.Phase = core.PhaseAwaitingGeneration
		})

	default:
		return fmt.Errorf("transition %v: %w", transition, ErrInvalidVerdict)
	}
}

func (e *Engine) advance(ctx context.Context) error {
	next, ok := e.graph.NextStage(e.state.CurrentStage)
	if ok {
		e.logger.Debug(
			"Advancing to next stage",
			log.StageKey, string(next),
		)

		return e.transition(ctx, func(s *core.WorkflowState) {
			s.CurrentStage = next
			s.Phase = core.PhaseAwaitingGeneration
			s.PendingRevision = 0
		})
	}

	if err := e.transition(ctx, func(s *core.WorkflowState) {
		s.Phase = core.PhaseCompleted
		s.Status = core.WorkflowCompleted
	}); err != nil {
		return err
	}

	e.metrics.Counter(metrickeys.WorkflowCompleted, metrics.Tags{}, 1)

	e.logger.Debug("Workflow completed")

	// Completion is already durable; a failed publish is reported but can
	// be retried without touching the workflow.
	return e.Publish(ctx)
}

// Publish hands the approved artifact set, in stage order, to the publisher.
// Only valid once the workflow is completed; callable again after a publish
// failure.
func (e *Engine) Publish(ctx context.Context) error {
	if e.state.Phase != core.PhaseCompleted {
		return fmt.Errorf("workflow is not completed: %w", ErrWorkflowFinished)
	}

	ctx, span := e.tracer.Start(ctx, "PublishArtifacts", trace.WithAttributes(
		attribute.String(log.SessionIDKey, e.cfg.SessionID),
	))
	defer span.End()

	artifacts := make([]*core.Artifact, 0, len(e.graph.Stages()))
	for _, stage := range e.graph.Stages() {
		artifact, err := e.store.LatestApproved(ctx, e.cfg.SessionID, stage)
		if err != nil {
			return fmt.Errorf("collecting artifact for %q: %w", stage, err)
		}

		artifacts = append(artifacts, artifact)
	}

	if err := e.publisher.Publish(ctx, artifacts); err != nil {
		e.metrics.Counter(metrickeys.PublishFailed, metrics.Tags{}, 1)

		e.logger.Error(
			"Publishing artifacts failed",
			log.ArtifactsKey, len(artifacts),
			"error", err,
		)

		return fmt.Errorf("publishing artifacts: %w", err)
	}

	e.metrics.Counter(metrickeys.PublishSucceeded, metrics.Tags{}, 1)

	return nil
}

func (e *Engine) abort(ctx context.Context, reason core.AbortReason, cause error) error {
	if err := e.transition(ctx, func(s *core.WorkflowState) {
		s.Phase = core.PhaseAborted
		s.Status = core.WorkflowAborted
		s.AbortReason = reason
	}); err != nil {
		return err
	}

	e.metrics.Counter(metrickeys.WorkflowAborted, metrics.Tags{}, 1)

	e.logger.Error(
		"Workflow aborted",
		log.StageKey, string(e.state.CurrentStage),
		log.AbortReasonKey, string(reason),
		"error", cause,
	)

	return cause
}

// transition applies the mutation and checkpoints the state; every state
// change goes through here so a crash at any point recovers cleanly.
func (e *Engine) transition(ctx context.Context, mutate func(*core.WorkflowState)) error {
	next := *e.state
	mutate(&next)
	next.UpdatedAt = e.clock.Now().UTC()

	if err := e.store.SaveState(ctx, &next); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}

	e.state = &next

	return nil
}
