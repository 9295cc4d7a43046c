package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/metrics"
	"github.com/devlift/sdlcflow/store"
)

// appendArtifactCmd performs the compare-and-swap append: the artifact goes
// in only when its revision equals the list length and the stage is not
// closed by an approval.
var appendArtifactCmd = redis.NewScript(`
	local len = redis.call("LLEN", KEYS[1])
	if tonumber(ARGV[1]) ~= len then
		return redis.error_reply("revision_conflict expected " .. len)
	end
	if redis.call("EXISTS", KEYS[2]) == 1 then
		return redis.error_reply("revision_conflict stage approved")
	end
	redis.call("RPUSH", KEYS[1], ARGV[2])
	return len
`)

// decideArtifactCmd moves a pending artifact to approved or rejected in place.
var decideArtifactCmd = redis.NewScript(`
	local raw = redis.call("LINDEX", KEYS[1], ARGV[1])
	if not raw then
		return redis.error_reply("unknown_artifact no such revision")
	end
	local artifact = cjson.decode(raw)
	if artifact["status"] ~= "pending" then
		return redis.error_reply("unknown_artifact not pending")
	end
	if ARGV[2] == "approved" and redis.call("EXISTS", KEYS[2]) == 1 then
		return redis.error_reply("unknown_artifact stage approved")
	end
	artifact["status"] = ARGV[2]
	if ARGV[3] ~= "" then
		artifact["comments"] = ARGV[3]
	end
	redis.call("LSET", KEYS[1], ARGV[1], cjson.encode(artifact))
	if ARGV[2] == "approved" then
		redis.call("SET", KEYS[2], ARGV[1])
	end
	return redis.status_reply("OK")
`)

// recordFeedbackCmd appends a feedback event after checking the referenced
// artifact exists.
var recordFeedbackCmd = redis.NewScript(`
	local len = redis.call("LLEN", KEYS[1])
	if tonumber(ARGV[1]) >= len or tonumber(ARGV[1]) < 0 then
		return redis.error_reply("unknown_artifact no such revision")
	end
	redis.call("RPUSH", KEYS[2], ARGV[2])
	return redis.status_reply("OK")
`)

// NewRedisStore returns a store backed by the given redis client. Durability
// is as good as the server's persistence configuration; run with AOF
// appendfsync always to match the durable-write contract.
func NewRedisStore(client redis.UniversalClient, opts ...store.Option) (store.Store, error) {
	options := store.ApplyOptions(opts...)

	rs := &redisStore{
		rdb:     client,
		options: options,
		tracer:  options.TracerProvider.Tracer(store.TracerName),
	}

	// Eagerly load scripts so later (pipelined) calls don't have to.
	ctx := context.Background()
	cmds := map[string]*redis.StringCmd{
		"appendArtifactCmd": appendArtifactCmd.Load(ctx, client),
		"decideArtifactCmd": decideArtifactCmd.Load(ctx, client),
		"recordFeedbackCmd": recordFeedbackCmd.Load(ctx, client),
	}
	for name, cmd := range cmds {
		if cmd.Err() != nil {
			return nil, fmt.Errorf("loading script %s: %w", name, cmd.Err())
		}
	}

	return rs, nil
}

type redisStore struct {
	rdb     redis.UniversalClient
	options store.Options
	tracer  trace.Tracer
}

var _ store.Store = (*redisStore)(nil)

func (rs *redisStore) CreateSession(ctx context.Context, session *core.Session) error {
	b, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	ok, err := rs.rdb.SetNX(ctx, sessionKey(session.ID), string(b), 0).Result()
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	if !ok {
		return store.ErrSessionAlreadyExists
	}

	if err := rs.rdb.ZAdd(ctx, sessionsKey(), redis.Z{
		Score:  float64(session.CreatedAt.UnixNano()),
		Member: session.ID,
	}).Err(); err != nil {
		return fmt.Errorf("indexing session: %w", err)
	}

	return nil
}

func (rs *redisStore) GetSession(ctx context.Context, sessionID string) (*core.Session, error) {
	raw, err := rs.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, store.ErrSessionNotFound
		}

		return nil, fmt.Errorf("getting session: %w", err)
	}

	var session core.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}

	return &session, nil
}

func (rs *redisStore) ListSessions(ctx context.Context) ([]*core.Session, error) {
	ids, err := rs.rdb.ZRange(ctx, sessionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	sessions := make([]*core.Session, 0, len(ids))
	for _, id := range ids {
		session, err := rs.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}

		sessions = append(sessions, session)
	}

	return sessions, nil
}

func (rs *redisStore) AppendArtifact(ctx context.Context, sessionID string, artifact *core.Artifact) error {
	if err := rs.checkSession(ctx, sessionID); err != nil {
		return err
	}

	b, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshaling artifact: %w", err)
	}

	err = appendArtifactCmd.Run(
		ctx, rs.rdb,
		[]string{artifactsKey(sessionID, artifact.Stage), approvedKey(sessionID, artifact.Stage)},
		artifact.Revision, string(b),
	).Err()
	if err != nil {
		if strings.Contains(err.Error(), "revision_conflict") {
			return fmt.Errorf("stage %q revision %d: %w", artifact.Stage, artifact.Revision, store.ErrRevisionConflict)
		}

		return fmt.Errorf("appending artifact: %w", err)
	}

	return nil
}

func (rs *redisStore) LatestApproved(ctx context.Context, sessionID string, stage core.Stage) (*core.Artifact, error) {
	if err := rs.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rev, err := rs.rdb.Get(ctx, approvedKey(sessionID, stage)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("getting approved revision: %w", err)
	}

	revision, err := strconv.ParseInt(rev, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing approved revision: %w", err)
	}

	raw, err := rs.rdb.LIndex(ctx, artifactsKey(sessionID, stage), revision).Result()
	if err != nil {
		return nil, fmt.Errorf("getting approved artifact: %w", err)
	}

	var artifact core.Artifact
	if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
		return nil, fmt.Errorf("unmarshaling artifact: %w", err)
	}

	return &artifact, nil
}

func (rs *redisStore) History(ctx context.Context, sessionID string, stage core.Stage) ([]*core.Artifact, error) {
	if err := rs.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}

	raws, err := rs.rdb.LRange(ctx, artifactsKey(sessionID, stage), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("getting history: %w", err)
	}

	artifacts := make([]*core.Artifact, 0, len(raws))
	for _, raw := range raws {
		var artifact core.Artifact
		if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
			return nil, fmt.Errorf("unmarshaling artifact: %w", err)
		}

		artifacts = append(artifacts, &artifact)
	}

	return artifacts, nil
}

func (rs *redisStore) SetArtifactStatus(ctx context.Context, sessionID string, stage core.Stage, revision int64, status core.ArtifactStatus, comments string) error {
	if status != core.ArtifactApproved && status != core.ArtifactRejected {
		return fmt.Errorf("invalid status transition to %q: %w", status, store.ErrUnknownArtifact)
	}

	err := decideArtifactCmd.Run(
		ctx, rs.rdb,
		[]string{artifactsKey(sessionID, stage), approvedKey(sessionID, stage)},
		revision, string(status), comments,
	).Err()
	if err != nil {
		if strings.Contains(err.Error(), "unknown_artifact") {
			return fmt.Errorf("stage %q revision %d: %w", stage, revision, store.ErrUnknownArtifact)
		}

		return fmt.Errorf("deciding artifact: %w", err)
	}

	return nil
}

func (rs *redisStore) RecordFeedback(ctx context.Context, sessionID string, event *core.FeedbackEvent) error {
	if err := rs.checkSession(ctx, sessionID); err != nil {
		return err
	}

	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling feedback event: %w", err)
	}

	err = recordFeedbackCmd.Run(
		ctx, rs.rdb,
		[]string{artifactsKey(sessionID, event.Stage), feedbackKey(sessionID, event.Stage)},
		event.Revision, string(b),
	).Err()
	if err != nil {
		if strings.Contains(err.Error(), "unknown_artifact") {
			return fmt.Errorf("stage %q revision %d: %w", event.Stage, event.Revision, store.ErrUnknownArtifact)
		}

		return fmt.Errorf("recording feedback: %w", err)
	}

	return nil
}

func (rs *redisStore) Feedback(ctx context.Context, sessionID string, stage core.Stage) ([]*core.FeedbackEvent, error) {
	if err := rs.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}

	raws, err := rs.rdb.LRange(ctx, feedbackKey(sessionID, stage), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("getting feedback: %w", err)
	}

	events := make([]*core.FeedbackEvent, 0, len(raws))
	for _, raw := range raws {
		var event core.FeedbackEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("unmarshaling feedback event: %w", err)
		}

		events = append(events, &event)
	}

	return events, nil
}

func (rs *redisStore) SaveState(ctx context.Context, state *core.WorkflowState) error {
	if err := rs.checkSession(ctx, state.SessionID); err != nil {
		return err
	}

	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling workflow state: %w", err)
	}

	if err := rs.rdb.Set(ctx, stateKey(state.SessionID), string(b), 0).Err(); err != nil {
		return fmt.Errorf("saving workflow state: %w", err)
	}

	return nil
}

func (rs *redisStore) GetState(ctx context.Context, sessionID string) (*core.WorkflowState, error) {
	if err := rs.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}

	raw, err := rs.rdb.Get(ctx, stateKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("getting workflow state: %w", err)
	}

	var state core.WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshaling workflow state: %w", err)
	}

	return &state, nil
}

func (rs *redisStore) Logger() *slog.Logger {
	return rs.options.Logger
}

func (rs *redisStore) Metrics() metrics.Client {
	return rs.options.Metrics
}

func (rs *redisStore) Tracer() trace.Tracer {
	return rs.tracer
}

func (rs *redisStore) Options() *store.Options {
	return &rs.options
}

func (rs *redisStore) Close() error {
	return rs.rdb.Close()
}

func (rs *redisStore) checkSession(ctx context.Context, sessionID string) error {
	exists, err := rs.rdb.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}

	if exists == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}
