package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/metrics"
	"github.com/devlift/sdlcflow/store"
)

// NewMemoryStore returns a non-durable Store implementation backed by
// in-process maps. Intended for tests and dry runs.
func NewMemoryStore(opts ...store.Option) store.Store {
	options := store.ApplyOptions(opts...)

	return &memoryStore{
		sessions: map[string]*session{},
		options:  options,
		tracer:   options.TracerProvider.Tracer(store.TracerName),
	}
}

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session

	options store.Options
	tracer  trace.Tracer
}

// session is one session's partition. Its lock serializes appends and status
// changes so revision checks stay atomic.
type session struct {
	mu sync.Mutex

	info      core.Session
	artifacts map[core.Stage][]*core.Artifact
	feedback  map[core.Stage][]*core.FeedbackEvent
	state     *core.WorkflowState
}

var _ store.Store = (*memoryStore)(nil)

func (ms *memoryStore) CreateSession(ctx context.Context, s *core.Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.sessions[s.ID]; ok {
		return store.ErrSessionAlreadyExists
	}

	ms.sessions[s.ID] = &session{
		info:      *s,
		artifacts: map[core.Stage][]*core.Artifact{},
		feedback:  map[core.Stage][]*core.FeedbackEvent{},
	}

	return nil
}

func (ms *memoryStore) GetSession(ctx context.Context, sessionID string) (*core.Session, error) {
	s, err := ms.session(sessionID)
	if err != nil {
		return nil, err
	}

	info := s.info
	return &info, nil
}

func (ms *memoryStore) ListSessions(ctx context.Context) ([]*core.Session, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	sessions := make([]*core.Session, 0, len(ms.sessions))
	for _, s := range ms.sessions {
		info := s.info
		sessions = append(sessions, &info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	return sessions, nil
}

func (ms *memoryStore) AppendArtifact(ctx context.Context, sessionID string, artifact *core.Artifact) error {
	s, err := ms.session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.artifacts[artifact.Stage]

	if artifact.Revision != int64(len(history)) {
		return fmt.Errorf("stage %q expects revision %d, got %d: %w",
			artifact.Stage, len(history), artifact.Revision, store.ErrRevisionConflict)
	}

	for _, a := range history {
		if a.Status == core.ArtifactApproved {
			return fmt.Errorf("stage %q already approved: %w", artifact.Stage, store.ErrRevisionConflict)
		}
	}

	a := *artifact
	s.artifacts[artifact.Stage] = append(history, &a)

	return nil
}

func (ms *memoryStore) LatestApproved(ctx context.Context, sessionID string, stage core.Stage) (*core.Artifact, error) {
	s, err := ms.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.artifacts[stage] {
		if a.Status == core.ArtifactApproved {
			approved := *a
			return &approved, nil
		}
	}

	return nil, store.ErrNotFound
}

func (ms *memoryStore) History(ctx context.Context, sessionID string, stage core.Stage) ([]*core.Artifact, error) {
	s, err := ms.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]*core.Artifact, 0, len(s.artifacts[stage]))
	for _, a := range s.artifacts[stage] {
		artifact := *a
		history = append(history, &artifact)
	}

	return history, nil
}

func (ms *memoryStore) SetArtifactStatus(ctx context.Context, sessionID string, stage core.Stage, revision int64, status core.ArtifactStatus, comments string) error {
	s, err := ms.session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.artifacts[stage]
	if revision < 0 || revision >= int64(len(history)) {
		return fmt.Errorf("stage %q revision %d: %w", stage, revision, store.ErrUnknownArtifact)
	}

	a := history[revision]
	if a.Status != core.ArtifactPending {
		return fmt.Errorf("stage %q revision %d already %s: %w", stage, revision, a.Status, store.ErrUnknownArtifact)
	}

	if status != core.ArtifactApproved && status != core.ArtifactRejected {
		return fmt.Errorf("invalid status transition to %q: %w", status, store.ErrUnknownArtifact)
	}

	if status == core.ArtifactApproved {
		for _, other := range history {
			if other.Status == core.ArtifactApproved {
				return fmt.Errorf("stage %q already approved at revision %d: %w",
					stage, other.Revision, store.ErrUnknownArtifact)
			}
		}
	}

	a.Status = status
	a.Comments = comments

	return nil
}

func (ms *memoryStore) RecordFeedback(ctx context.Context, sessionID string, event *core.FeedbackEvent) error {
	s, err := ms.session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.artifacts[event.Stage]
	if event.Revision < 0 || event.Revision >= int64(len(history)) {
		return fmt.Errorf("stage %q revision %d: %w", event.Stage, event.Revision, store.ErrUnknownArtifact)
	}

	e := *event
	s.feedback[event.Stage] = append(s.feedback[event.Stage], &e)

	return nil
}

func (ms *memoryStore) Feedback(ctx context.Context, sessionID string, stage core.Stage) ([]*core.FeedbackEvent, error) {
	s, err := ms.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]*core.FeedbackEvent, 0, len(s.feedback[stage]))
	for _, e := range s.feedback[stage] {
		event := *e
		events = append(events, &event)
	}

	return events, nil
}

func (ms *memoryStore) SaveState(ctx context.Context, state *core.WorkflowState) error {
	s, err := ms.session(state.SessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := *state
	s.state = &st

	return nil
}

func (ms *memoryStore) GetState(ctx context.Context, sessionID string) (*core.WorkflowState, error) {
	s, err := ms.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return nil, store.ErrNotFound
	}

	state := *s.state
	return &state, nil
}

func (ms *memoryStore) Logger() *slog.Logger {
	return ms.options.Logger
}

func (ms *memoryStore) Metrics() metrics.Client {
	return ms.options.Metrics
}

func (ms *memoryStore) Tracer() trace.Tracer {
	return ms.tracer
}

func (ms *memoryStore) Options() *store.Options {
	return &ms.options
}

func (ms *memoryStore) Close() error {
	return nil
}

func (ms *memoryStore) session(sessionID string) (*session, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	s, ok := ms.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}

	return s, nil
}
