package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/engine"
)

func Test_ConsoleReviewer_Approve(t *testing.T) {
	var out bytes.Buffer
	r := newConsoleReviewer(strings.NewReader("a\n"), &out)

	verdict, comment, err := r.RequestReview(context.Background(), core.StageCode, 0, "draft")
	require.NoError(t, err)
	require.Equal(t, core.VerdictApprove, verdict)
	require.Empty(t, comment)
	require.Contains(t, out.String(), "draft")
}

func Test_ConsoleReviewer_RequestChangesReadsComment(t *testing.T) {
	var out bytes.Buffer
	r := newConsoleReviewer(strings.NewReader("r\nneeds error handling\n"), &out)

	verdict, comment, err := r.RequestReview(context.Background(), core.StageCode, 1, "draft")
	require.NoError(t, err)
	require.Equal(t, core.VerdictRequestChanges, verdict)
	require.Equal(t, "needs error handling", comment)
}

func Test_ConsoleReviewer_SkipsUnrecognizedInput(t *testing.T) {
	var out bytes.Buffer
	r := newConsoleReviewer(strings.NewReader("what\napprove\n"), &out)

	verdict, _, err := r.RequestReview(context.Background(), core.StageRequirements, 0, "draft")
	require.NoError(t, err)
	require.Equal(t, core.VerdictApprove, verdict)
}

func Test_DraftGenerator_IncludesInputsAndFeedback(t *testing.T) {
	content, err := draftGenerator{}.Generate(context.Background(), core.StageDesignDoc, []engine.StageInput{
		{Stage: core.StageUserStories, Content: "stories"},
	}, "tighten the API")
	require.NoError(t, err)

	require.Contains(t, content, string(core.StageDesignDoc))
	require.Contains(t, content, "stories")
	require.Contains(t, content, "tighten the API")
}
