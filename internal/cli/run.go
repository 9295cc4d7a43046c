package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/engine"
	"github.com/devlift/sdlcflow/graph"
	"github.com/devlift/sdlcflow/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new session and drive it to completion",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := viper.GetString("session")
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		g, err := stageGraph()
		if err != nil {
			return err
		}

		return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
			e, err := engine.New(ctx, s, g, draftGenerator{},
				newConsoleReviewer(cmd.InOrStdin(), cmd.OutOrStdout()),
				&consolePublisher{out: cmd.OutOrStdout()},
				engineConfig(sessionID))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "session %s\n", sessionID)

			return drive(ctx, e)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume an interrupted session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]

		g, err := stageGraph()
		if err != nil {
			return err
		}

		return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
			e, err := engine.Resume(ctx, s, g, draftGenerator{},
				newConsoleReviewer(cmd.InOrStdin(), cmd.OutOrStdout()),
				&consolePublisher{out: cmd.OutOrStdout()},
				engineConfig(sessionID))
			if err != nil {
				return err
			}

			state := e.State()
			fmt.Fprintf(cmd.OutOrStdout(), "resumed session %s at %s (%s)\n",
				sessionID, state.CurrentStage, state.Phase)

			// A crash between the completion checkpoint and the publish
			// leaves a completed, unpublished session; retry the publish.
			if state.Phase == core.PhaseCompleted {
				return e.Publish(ctx)
			}

			return drive(ctx, e)
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
			sessions, err := s.ListSessions(ctx)
			if err != nil {
				return err
			}

			for _, session := range sessions {
				state, err := s.GetState(ctx, session.ID)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					session.ID, session.CreatedAt.Format(time.RFC3339), state.CurrentStage, state.Phase)
			}

			return nil
		})
	},
}

func init() {
	runCmd.Flags().String("session", "", "session id (generated when empty)")

	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().Bool("security-gate", false, "review design and code together in the security stage")
		cmd.Flags().Bool("skip-security", false, "run the pipeline without the security review stage")
		cmd.Flags().Int("retry-limit", 0, "generation retries before aborting (0 for the default)")
		cmd.Flags().Duration("generation-timeout", 0, "per-attempt generation timeout (0 for none)")
	}

	rootCmd.AddCommand(runCmd, resumeCmd, sessionsCmd)
}

func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	var tp *sdktrace.TracerProvider
	if viper.GetBool("trace") {
		var err error
		if tp, err = setupTracing(); err != nil {
			return err
		}
		defer tp.Shutdown(context.Background())
	}

	s, err := openStore(tracerProvider(tp))
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(ctx, s)
}

func stageGraph() (*graph.Graph, error) {
	g := graph.Default()
	if viper.GetBool("security-gate") {
		g = graph.WithSecurityGate()
	}

	if viper.GetBool("skip-security") {
		return g.Trim(core.StageSecurityReview)
	}

	return g, nil
}

func engineConfig(sessionID string) engine.Config {
	return engine.Config{
		SessionID:         sessionID,
		RetryLimit:        viper.GetInt("retry-limit"),
		GenerationTimeout: viper.GetDuration("generation-timeout"),
	}
}

func drive(ctx context.Context, e *engine.Engine) error {
	err := e.Run(ctx)

	switch {
	case err == nil:
		return nil

	case errors.Is(err, engine.ErrGenerationFailed):
		fmt.Fprintf(os.Stderr, "session aborted: %v\n", err)
		return err

	default:
		if state := e.State(); state.Status == core.WorkflowAborted {
			fmt.Fprintf(os.Stderr, "session aborted (%s)\n", state.AbortReason)
		}
		return err
	}
}
