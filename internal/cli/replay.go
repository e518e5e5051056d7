package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/roach88/tripstudy/internal/engine"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Participant string // optional - single participant only
}

// ReplayParticipantResult holds the replay result for one participant.
type ReplayParticipantResult struct {
	ParticipantID  string `json:"participant_id"`
	RecordedTrials int    `json:"recorded_trials"`
	NextTrial      int    `json:"next_trial"`
	Reflections    int    `json:"reflections"`
	Events         int    `json:"events"`
	Next           string `json:"next"`
	Deterministic  bool   `json:"deterministic"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Participants      []ReplayParticipantResult `json:"participants"`
	TotalParticipants int                       `json:"total_participants"`
	AllDeterministic  bool                      `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild every participant's progress from the logs",
		Long: `Fold every participant's trial log, reflections and event log, twice,
and report where each participant stands.

The two folds must agree; a difference means the logs changed underneath
the replay or a row is read inconsistently.

Exit codes:
  0 - All participants reconstruct deterministically
  1 - Reconstruction differed between passes
  2 - Command error (store not found, etc.)

Examples:
  tripstudy replay
  tripstudy replay --participant P1
  tripstudy replay --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(rootOpts, cmd.ErrOrStderr(), func(ctrl *engine.Controller, st engine.Store) error {
				return runReplay(cmd.Context(), opts, ctrl, st, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&opts.Participant, "participant", "", "replay a single participant only")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, ctrl *engine.Controller, st engine.Store, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var pids []string
	if opts.Participant != "" {
		pids = []string{opts.Participant}
	} else {
		assignments, err := st.ListAssignments(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list participants", err)
		}
		for _, a := range assignments {
			pids = append(pids, a.ParticipantID)
		}
	}

	result := ReplayResult{
		Participants:      make([]ReplayParticipantResult, 0, len(pids)),
		TotalParticipants: len(pids),
		AllDeterministic:  true,
	}
	for _, pid := range pids {
		pr, err := replayParticipant(ctx, ctrl, st, pid)
		if err != nil {
			return studyExitError(fmt.Sprintf("failed to replay %s", pid), err)
		}
		result.Participants = append(result.Participants, pr)
		if !pr.Deterministic {
			result.AllDeterministic = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(w, result)
	}
	return outputReplayText(w, result, opts.Verbose)
}

// replayParticipant reconstructs a participant twice and compares the folds.
func replayParticipant(ctx context.Context, ctrl *engine.Controller, st engine.Store, pid string) (ReplayParticipantResult, error) {
	first, next1, err := ctrl.Progress(ctx, pid)
	if err != nil {
		return ReplayParticipantResult{}, err
	}
	second, next2, err := ctrl.Progress(ctx, pid)
	if err != nil {
		return ReplayParticipantResult{}, err
	}
	events, err := st.ReadEvents(ctx, first.ParticipantID)
	if err != nil {
		return ReplayParticipantResult{}, err
	}

	reflections := 0
	for _, done := range first.Reflections {
		if done {
			reflections++
		}
	}
	return ReplayParticipantResult{
		ParticipantID:  first.ParticipantID,
		RecordedTrials: first.RecordedTrials,
		NextTrial:      first.NextTrial,
		Reflections:    reflections,
		Events:         len(events),
		Next:           next1.String(),
		Deterministic:  reflect.DeepEqual(first, second) && next1 == next2,
	}, nil
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(w io.Writer, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if !result.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DETERMINISM",
			Message: "reconstruction differed between passes",
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}
	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "reconstruction differed between passes")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(w io.Writer, result ReplayResult, verbose bool) error {
	if result.TotalParticipants == 0 {
		fmt.Fprintln(w, "No participants found.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d participant(s)\n", result.TotalParticipants)
	fmt.Fprintln(w)

	for _, p := range result.Participants {
		status := "✓"
		if !p.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s: %d trials, %d reflections, next %s\n",
			status, p.ParticipantID, p.RecordedTrials, p.Reflections, p.Next)
		if verbose {
			fmt.Fprintf(w, "  Next trial: %d\n", p.NextTrial)
			fmt.Fprintf(w, "  Events: %d\n", p.Events)
		}
		if !p.Deterministic {
			fmt.Fprintln(w, "  Warning: reconstruction differed between passes!")
		}
	}
	fmt.Fprintln(w)

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All participants reconstructed deterministically")
		return nil
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
	return NewExitError(ExitFailure, "reconstruction differed between passes")
}
