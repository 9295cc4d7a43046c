package redis

import (
	"fmt"

	"github.com/devlift/sdlcflow/core"
)

const keyPrefix = "sdlcflow"

// sessionsKey returns the sorted set of all session ids, scored by creation time.
func sessionsKey() string {
	return fmt.Sprintf("%s:sessions", keyPrefix)
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", keyPrefix, sessionID)
}

// artifactsKey returns the list holding a stage's artifacts; the list index
// is the revision number.
func artifactsKey(sessionID string, stage core.Stage) string {
	return fmt.Sprintf("%s:artifacts:%s:%s", keyPrefix, sessionID, stage)
}

// approvedKey marks a stage as closed; it holds the approved revision.
func approvedKey(sessionID string, stage core.Stage) string {
	return fmt.Sprintf("%s:approved:%s:%s", keyPrefix, sessionID, stage)
}

func feedbackKey(sessionID string, stage core.Stage) string {
	return fmt.Sprintf("%s:feedback:%s:%s", keyPrefix, sessionID, stage)
}

func stateKey(sessionID string) string {
	return fmt.Sprintf("%s:state:%s", keyPrefix, sessionID)
}
