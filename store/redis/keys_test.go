package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devlift/sdlcflow/core"
)

func Test_Keys(t *testing.T) {
	assert.Equal(t, "sdlcflow:sessions", sessionsKey())
	assert.Equal(t, "sdlcflow:session:s1", sessionKey("s1"))
	assert.Equal(t, "sdlcflow:artifacts:s1:code", artifactsKey("s1", core.StageCode))
	assert.Equal(t, "sdlcflow:approved:s1:code", approvedKey("s1", core.StageCode))
	assert.Equal(t, "sdlcflow:feedback:s1:code", feedbackKey("s1", core.StageCode))
	assert.Equal(t, "sdlcflow:state:s1", stateKey("s1"))
}
