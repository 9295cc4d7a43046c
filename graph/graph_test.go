package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlift/sdlcflow/core"
)

func Test_Default_Order(t *testing.T) {
	g := Default()

	require.Equal(t, core.Stages(), g.Stages())
	require.Equal(t, core.StageRequirements, g.First())

	next, ok := g.NextStage(core.StageRequirements)
	require.True(t, ok)
	assert.Equal(t, core.StageUserStories, next)

	_, ok = g.NextStage(core.StageTests)
	assert.False(t, ok)
}

func Test_Default_InputContracts(t *testing.T) {
	g := Default()

	assert.Empty(t, g.InputContract(core.StageRequirements))
	assert.Equal(t, []core.Stage{core.StageRequirements}, g.InputContract(core.StageUserStories))
	assert.Equal(t, []core.Stage{core.StageCode}, g.InputContract(core.StageSecurityReview))
}

func Test_WithSecurityGate_ReviewsDesignAndCode(t *testing.T) {
	g := WithSecurityGate()

	assert.Equal(t,
		[]core.Stage{core.StageDesignDoc, core.StageCode},
		g.InputContract(core.StageSecurityReview))
}

func Test_New_RejectsDuplicateStage(t *testing.T) {
	_, err := New([]StageDef{
		{Stage: core.StageRequirements},
		{Stage: core.StageRequirements},
	})

	require.ErrorContains(t, err, "duplicate stage")
}

func Test_New_RejectsUnknownUpstream(t *testing.T) {
	_, err := New([]StageDef{
		{Stage: core.StageRequirements, Upstream: []core.Stage{core.StageCode}},
	})

	require.ErrorContains(t, err, "unknown or later upstream")
}

func Test_New_RejectsForwardReference(t *testing.T) {
	_, err := New([]StageDef{
		{Stage: core.StageRequirements},
		{Stage: core.StageUserStories, Upstream: []core.Stage{core.StageDesignDoc}},
		{Stage: core.StageDesignDoc, Upstream: []core.Stage{core.StageUserStories}},
	})

	require.Error(t, err)
}

func Test_Trim_RemovesSecurityReview(t *testing.T) {
	g, err := Default().Trim(core.StageSecurityReview)
	require.NoError(t, err)

	assert.Equal(t, []core.Stage{
		core.StageRequirements,
		core.StageUserStories,
		core.StageDesignDoc,
		core.StageCode,
		core.StageTests,
	}, g.Stages())

	// Tests now consume the code artifact directly.
	assert.Equal(t, []core.Stage{core.StageCode}, g.InputContract(core.StageTests))
}

func Test_Trim_SecurityGateFallsThroughToBothUpstreams(t *testing.T) {
	g, err := WithSecurityGate().Trim(core.StageSecurityReview)
	require.NoError(t, err)

	assert.Equal(t,
		[]core.Stage{core.StageDesignDoc, core.StageCode},
		g.InputContract(core.StageTests))
}

func Test_Trim_RejectsMandatoryStage(t *testing.T) {
	_, err := Default().Trim(core.StageCode)
	require.ErrorContains(t, err, "not skippable")

	_, err = Default().Trim(core.Stage("nope"))
	require.ErrorContains(t, err, "unknown stage")
}

func Test_Ordinal(t *testing.T) {
	g := Default()

	pos, ok := g.Ordinal(core.StageCode)
	require.True(t, ok)
	assert.Equal(t, 3, pos)

	_, ok = g.Ordinal(core.Stage("unknown"))
	assert.False(t, ok)
}
