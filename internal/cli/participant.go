package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tripstudy/internal/engine"
	"github.com/roach88/tripstudy/internal/study"
)

// AssignResult is the output of the assign command.
type AssignResult struct {
	Assignment study.Assignment `json:"assignment"`
	Created    bool             `json:"created"`
	Conditions []int            `json:"conditions"`
	Next       engine.Step      `json:"next"`
}

// ProgressResult is the output of the progress command.
type ProgressResult struct {
	Progress engine.Progress `json:"progress"`
	Next     engine.Step     `json:"next"`
}

// NewAssignCommand creates the assign command.
func NewAssignCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <participant-id>",
		Short: "Assign a participant (or show the existing assignment)",
		Long: `Allocate the next counterbalancing slot to a participant.

Assigning an already known participant returns the stored assignment.

Examples:
  tripstudy assign P1
  tripstudy assign P1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(rootOpts, cmd.ErrOrStderr(), func(ctrl *engine.Controller, _ engine.Store) error {
				return runAssign(cmd.Context(), rootOpts, ctrl, args[0], cmd.OutOrStdout())
			})
		},
	}
	return cmd
}

func runAssign(ctx context.Context, opts *RootOptions, ctrl *engine.Controller, pid string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, created, err := ctrl.Assign(ctx, pid)
	if err != nil {
		return studyExitError("assign failed", err)
	}
	next, err := ctrl.CheckProgress(ctx, a.ParticipantID)
	if err != nil {
		return studyExitError("progress check failed", err)
	}
	seq := a.ConditionSequence()
	result := AssignResult{Assignment: a, Created: created, Conditions: seq[:], Next: next}

	if opts.Format == "json" {
		return NewOutputFormatter(opts, w).Success(result)
	}
	verb := "Existing"
	if created {
		verb = "New"
	}
	fmt.Fprintf(w, "%s assignment for %s\n", verb, a.ParticipantID)
	fmt.Fprintf(w, "  Condition order: %d %v\n", a.ConditionOrderIndex, seq)
	fmt.Fprintf(w, "  Trial order row: %d\n", a.TrialOrderIndex)
	fmt.Fprintf(w, "  Next: %s\n", next)
	return nil
}

// NewProgressCommand creates the progress command.
func NewProgressCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <participant-id>",
		Short: "Show where a participant is in the study",
		Long: `Reconstruct a participant's progress from the logs.

Examples:
  tripstudy progress P1
  tripstudy progress P1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(rootOpts, cmd.ErrOrStderr(), func(ctrl *engine.Controller, _ engine.Store) error {
				return runProgress(cmd.Context(), rootOpts, ctrl, args[0], cmd.OutOrStdout())
			})
		},
	}
	return cmd
}

func runProgress(ctx context.Context, opts *RootOptions, ctrl *engine.Controller, pid string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p, next, err := ctrl.Progress(ctx, pid)
	if err != nil {
		return studyExitError("progress failed", err)
	}

	if opts.Format == "json" {
		return NewOutputFormatter(opts, w).Success(ProgressResult{Progress: p, Next: next})
	}
	writeProgressText(w, p, next)
	return nil
}

func writeProgressText(w io.Writer, p engine.Progress, next engine.Step) {
	fmt.Fprintf(w, "Participant %s\n", p.ParticipantID)
	fmt.Fprintf(w, "  Recorded trials: %d/%d\n", p.RecordedTrials, study.TotalTrials)
	seq := p.Assignment.ConditionSequence()
	for block, cond := range seq {
		reflection := "pending"
		if p.Reflections[cond] {
			reflection = "done"
		}
		switched := ""
		if p.Switches[cond] {
			switched = ", switched"
		}
		fmt.Fprintf(w, "  Block %d (condition %d): %d/%d trials, reflection %s%s\n",
			block+1, cond, p.TrialsByCondition[cond], study.TrialsPerCondition, reflection, switched)
	}
	fmt.Fprintf(w, "  Next: %s\n", next)
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show counterbalancing statistics",
		Long: `Count participants per condition order and trial order row.

Examples:
  tripstudy stats
  tripstudy stats --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(rootOpts, cmd.ErrOrStderr(), func(ctrl *engine.Controller, _ engine.Store) error {
				return runStats(cmd.Context(), rootOpts, ctrl, cmd.OutOrStdout())
			})
		},
	}
	return cmd
}

func runStats(ctx context.Context, opts *RootOptions, ctrl *engine.Controller, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stats, err := ctrl.Stats(ctx)
	if err != nil {
		return studyExitError("stats failed", err)
	}

	if opts.Format == "json" {
		return NewOutputFormatter(opts, w).Success(stats)
	}
	fmt.Fprintf(w, "Participants: %d\n", stats.TotalParticipants)
	fmt.Fprintf(w, "Condition orders: %v\n", stats.ConditionOrderCounts)
	fmt.Fprintf(w, "Trial orders:     %v\n", stats.TrialOrderCounts)
	return nil
}

// studyExitError maps study errors to exit codes: unknown participants and
// bad input are command errors, anything else is a failure.
func studyExitError(message string, err error) error {
	switch study.CodeOf(err) {
	case study.ErrCodeNotFound, study.ErrCodeInvalidRange, study.ErrCodeValidation:
		return WrapExitError(ExitCommandError, message, err)
	default:
		return WrapExitError(ExitFailure, message, err)
	}
}
