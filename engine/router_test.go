package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlift/sdlcflow/core"
)

func Test_Route(t *testing.T) {
	tests := []struct {
		name    string
		verdict core.Verdict
		comment string

		want    Transition
		wantErr error
	}{
		{
			name:    "approve",
			verdict: core.VerdictApprove,
			want:    TransitionAdvance,
		},
		{
			name:    "request changes with comment",
			verdict: core.VerdictRequestChanges,
			comment: "add constraints",
			want:    TransitionRevise,
		},
		{
			name:    "request changes without comment",
			verdict: core.VerdictRequestChanges,
			want:    TransitionRevise,
		},
		{
			name:    "unknown verdict",
			verdict: core.Verdict("maybe"),
			wantErr: ErrInvalidVerdict,
		},
		{
			name:    "empty verdict",
			verdict: core.Verdict(""),
			wantErr: ErrInvalidVerdict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Route(tt.verdict, tt.comment)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
