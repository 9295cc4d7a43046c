package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/store"
)

// StoreTest runs the conformance suite shared by all Store implementations.
func StoreTest(t *testing.T, setup func() store.Store, teardown func(s store.Store)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, s store.Store)
	}{
		{
			name: "CreateSession_DoesNotError",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				err := s.CreateSession(ctx, &core.Session{ID: uuid.NewString(), CreatedAt: time.Now().UTC()})
				require.NoError(t, err)
			},
		},
		{
			name: "CreateSession_SameIDErrors",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := uuid.NewString()

				require.NoError(t, s.CreateSession(ctx, &core.Session{ID: sessionID, CreatedAt: time.Now().UTC()}))

				err := s.CreateSession(ctx, &core.Session{ID: sessionID, CreatedAt: time.Now().UTC()})
				require.ErrorIs(t, err, store.ErrSessionAlreadyExists)
			},
		},
		{
			name: "GetSession_UnknownIDErrors",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				_, err := s.GetSession(ctx, uuid.NewString())
				require.ErrorIs(t, err, store.ErrSessionNotFound)
			},
		},
		{
			name: "ListSessions_ReturnsCreatedSessions",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				first := uuid.NewString()
				second := uuid.NewString()

				require.NoError(t, s.CreateSession(ctx, &core.Session{ID: first, CreatedAt: time.Now().UTC().Add(-time.Minute)}))
				require.NoError(t, s.CreateSession(ctx, &core.Session{ID: second, CreatedAt: time.Now().UTC()}))

				sessions, err := s.ListSessions(ctx)
				require.NoError(t, err)
				require.Len(t, sessions, 2)
				assert.Equal(t, first, sessions[0].ID)
				assert.Equal(t, second, sessions[1].ID)
			},
		},
		{
			name: "AppendArtifact_StartsAtRevisionZero",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				err := s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC()))
				require.NoError(t, err)

				history, err := s.History(ctx, sessionID, core.StageRequirements)
				require.NoError(t, err)
				require.Len(t, history, 1)
				assert.Equal(t, int64(0), history[0].Revision)
				assert.Equal(t, "v0", history[0].Content)
				assert.Equal(t, core.ArtifactPending, history[0].Status)
			},
		},
		{
			name: "AppendArtifact_UnknownSessionErrors",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				err := s.AppendArtifact(ctx, uuid.NewString(), core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC()))
				require.ErrorIs(t, err, store.ErrSessionNotFound)
			},
		},
		{
			name: "AppendArtifact_RevisionGapConflicts",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				err := s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 1, "v1", time.Now().UTC()))
				require.ErrorIs(t, err, store.ErrRevisionConflict)
			},
		},
		{
			name: "AppendArtifact_DuplicateRevisionConflicts",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC())))

				err := s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC()))
				require.ErrorIs(t, err, store.ErrRevisionConflict)
			},
		},
		{
			name: "AppendArtifact_ApprovedStageConflicts",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC())))
				require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 0, core.ArtifactApproved, ""))

				err := s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 1, "v1", time.Now().UTC()))
				require.ErrorIs(t, err, store.ErrRevisionConflict)
			},
		},
		{
			name: "AppendArtifact_RevisionsAreStrictlySequential",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				for rev := int64(0); rev < 4; rev++ {
					require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageCode, rev, "attempt", time.Now().UTC())))
					if rev < 3 {
						require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageCode, rev, core.ArtifactRejected, "again"))
					}
				}

				history, err := s.History(ctx, sessionID, core.StageCode)
				require.NoError(t, err)
				require.Len(t, history, 4)
				for i, a := range history {
					assert.Equal(t, int64(i), a.Revision)
				}
			},
		},
		{
			name: "LatestApproved_EmptyStageErrors",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				_, err := s.LatestApproved(ctx, sessionID, core.StageRequirements)
				require.ErrorIs(t, err, store.ErrNotFound)
			},
		},
		{
			name: "LatestApproved_ReturnsApprovedArtifact",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC())))
				require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 0, core.ArtifactRejected, "more detail"))
				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 1, "v1", time.Now().UTC())))
				require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 1, core.ArtifactApproved, ""))

				approved, err := s.LatestApproved(ctx, sessionID, core.StageRequirements)
				require.NoError(t, err)
				assert.Equal(t, int64(1), approved.Revision)
				assert.Equal(t, "v1", approved.Content)
			},
		},
		{
			name: "SetArtifactStatus_UnknownRevisionErrors",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				err := s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 0, core.ArtifactApproved, "")
				require.ErrorIs(t, err, store.ErrUnknownArtifact)
			},
		},
		{
			name: "SetArtifactStatus_SecondDecisionErrors",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC())))
				require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 0, core.ArtifactApproved, ""))

				err := s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 0, core.ArtifactApproved, "")
				require.ErrorIs(t, err, store.ErrUnknownArtifact)
			},
		},
		{
			name: "SetArtifactStatus_RejectionStoresComments",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC())))
				require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 0, core.ArtifactRejected, "add constraints"))

				history, err := s.History(ctx, sessionID, core.StageRequirements)
				require.NoError(t, err)
				require.Len(t, history, 1)
				assert.Equal(t, core.ArtifactRejected, history[0].Status)
				assert.Equal(t, "add constraints", history[0].Comments)
			},
		},
		{
			name: "AtMostOneApprovedPerStage",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC())))
				require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 0, core.ArtifactApproved, ""))

				// An approved stage is closed for appends and decisions.
				require.Error(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 1, "v1", time.Now().UTC())))
				require.Error(t, s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 0, core.ArtifactApproved, ""))

				requireSingleApproval(t, ctx, s, sessionID, core.StageRequirements)
			},
		},
		{
			name: "AtMostOneApprovedPerStage_TwoPendingRevisions",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				// Two pending artifacts are legal: rev1 follows rev0 before
				// rev0 has been decided.
				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageCode, 0, "v0", time.Now().UTC())))
				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageCode, 1, "v1", time.Now().UTC())))

				require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageCode, 0, core.ArtifactApproved, ""))

				// The remaining pending revision must not yield a second
				// approval; rejecting it is still allowed.
				err := s.SetArtifactStatus(ctx, sessionID, core.StageCode, 1, core.ArtifactApproved, "")
				require.ErrorIs(t, err, store.ErrUnknownArtifact)

				requireSingleApproval(t, ctx, s, sessionID, core.StageCode)

				require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageCode, 1, core.ArtifactRejected, "superseded"))

				requireSingleApproval(t, ctx, s, sessionID, core.StageCode)
			},
		},
		{
			name: "RecordFeedback_UnknownArtifactErrors",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				err := s.RecordFeedback(ctx, sessionID, &core.FeedbackEvent{
					Stage:      core.StageRequirements,
					Revision:   0,
					Verdict:    core.VerdictApprove,
					ReceivedAt: time.Now().UTC(),
				})
				require.ErrorIs(t, err, store.ErrUnknownArtifact)
			},
		},
		{
			name: "RecordFeedback_AppendsInOrder",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC())))
				require.NoError(t, s.RecordFeedback(ctx, sessionID, &core.FeedbackEvent{
					Stage: core.StageRequirements, Revision: 0, Verdict: core.VerdictRequestChanges, Comment: "first", ReceivedAt: time.Now().UTC(),
				}))
				require.NoError(t, s.SetArtifactStatus(ctx, sessionID, core.StageRequirements, 0, core.ArtifactRejected, "first"))
				require.NoError(t, s.AppendArtifact(ctx, sessionID, core.NewArtifact(core.StageRequirements, 1, "v1", time.Now().UTC())))
				require.NoError(t, s.RecordFeedback(ctx, sessionID, &core.FeedbackEvent{
					Stage: core.StageRequirements, Revision: 1, Verdict: core.VerdictApprove, ReceivedAt: time.Now().UTC(),
				}))

				events, err := s.Feedback(ctx, sessionID, core.StageRequirements)
				require.NoError(t, err)
				require.Len(t, events, 2)
				assert.Equal(t, int64(0), events[0].Revision)
				assert.Equal(t, core.VerdictRequestChanges, events[0].Verdict)
				assert.Equal(t, int64(1), events[1].Revision)
				assert.Equal(t, core.VerdictApprove, events[1].Verdict)
			},
		},
		{
			name: "State_RoundTrips",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				sessionID := createSession(t, ctx, s)

				_, err := s.GetState(ctx, sessionID)
				require.ErrorIs(t, err, store.ErrNotFound)

				state := &core.WorkflowState{
					SessionID:       sessionID,
					CurrentStage:    core.StageDesignDoc,
					Phase:           core.PhaseAwaitingReview,
					PendingRevision: 2,
					Status:          core.WorkflowRunning,
					UpdatedAt:       time.Now().UTC(),
				}
				require.NoError(t, s.SaveState(ctx, state))

				got, err := s.GetState(ctx, sessionID)
				require.NoError(t, err)
				assert.Equal(t, core.StageDesignDoc, got.CurrentStage)
				assert.Equal(t, core.PhaseAwaitingReview, got.Phase)
				assert.Equal(t, int64(2), got.PendingRevision)
				assert.Equal(t, core.WorkflowRunning, got.Status)

				state.Phase = core.PhaseStageApproved
				require.NoError(t, s.SaveState(ctx, state))

				got, err = s.GetState(ctx, sessionID)
				require.NoError(t, err)
				assert.Equal(t, core.PhaseStageApproved, got.Phase)
			},
		},
		{
			name: "Sessions_AreIsolated",
			f: func(t *testing.T, ctx context.Context, s store.Store) {
				first := createSession(t, ctx, s)
				second := createSession(t, ctx, s)

				require.NoError(t, s.AppendArtifact(ctx, first, core.NewArtifact(core.StageRequirements, 0, "v0", time.Now().UTC())))

				history, err := s.History(ctx, second, core.StageRequirements)
				require.NoError(t, err)
				assert.Empty(t, history)

				// Revisions count per session, so the second session starts at 0.
				require.NoError(t, s.AppendArtifact(ctx, second, core.NewArtifact(core.StageRequirements, 0, "other", time.Now().UTC())))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup()
			ctx := context.Background()

			t.Cleanup(func() {
				if teardown != nil {
					teardown(s)
				} else {
					require.NoError(t, s.Close())
				}
			})

			tt.f(t, ctx, s)
		})
	}
}

func requireSingleApproval(t *testing.T, ctx context.Context, s store.Store, sessionID string, stage core.Stage) {
	t.Helper()

	history, err := s.History(ctx, sessionID, stage)
	require.NoError(t, err)

	approved := 0
	for _, a := range history {
		if a.Status == core.ArtifactApproved {
			approved++
		}
	}
	assert.Equal(t, 1, approved)
}

func createSession(t *testing.T, ctx context.Context, s store.Store) string {
	t.Helper()

	sessionID := uuid.NewString()
	require.NoError(t, s.CreateSession(ctx, &core.Session{ID: sessionID, CreatedAt: time.Now().UTC()}))

	return sessionID
}
