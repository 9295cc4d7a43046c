package engine

import (
	"errors"
	"fmt"

	"github.com/devlift/sdlcflow/core"
)

var ErrInvalidVerdict = errors.New("invalid verdict")

// Transition is the routing decision derived from a reviewer verdict.
type Transition int

const (
	// TransitionAdvance approves the pending artifact and moves the
	// pipeline forward.
	TransitionAdvance Transition = iota

	// TransitionRevise rejects the pending artifact and loops the stage
	// with the reviewer's comments as revision context.
	TransitionRevise
)

func (t Transition) String() string {
	switch t {
	case TransitionAdvance:
		return "advance"
	case TransitionRevise:
		return "revise"
	default:
		return fmt.Sprintf("transition(%d)", int(t))
	}
}

// Route maps a reviewer verdict to the next transition. Pure; no state is
// touched. An empty comment on a change request is allowed, an unrecognized
// verdict fails with ErrInvalidVerdict.
func Route(verdict core.Verdict, comment string) (Transition, error) {
	switch verdict {
	case core.VerdictApprove:
		return TransitionAdvance, nil
	case core.VerdictRequestChanges:
		return TransitionRevise, nil
	default:
		return 0, fmt.Errorf("verdict %q: %w", verdict, ErrInvalidVerdict)
	}
}
