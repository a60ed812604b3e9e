package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"hike-coordinator/internal/app"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/phase"
)

// ScheduleCmd returns the schedule command
func ScheduleCmd() *cobra.Command {
	var (
		trailID                              int64
		candidates                           []int64
		votingAt, signupAt, waiverAt, hikeAt string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule the next hike",
		Long: `Create the next active hike. Give --trail to skip voting, or --candidates
and --voting-at to let members vote on the trail first. Times are RFC3339.`,
		Example: `  hikectl schedule --trail 4 --signup-at 2026-06-09T18:00:00Z \
    --waiver-at 2026-06-12T18:00:00Z --hike-at 2026-06-13T08:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := phase.ScheduleInput{Candidates: candidates}
			if cmd.Flags().Changed("trail") {
				in.TrailID = &trailID
			}
			var err error
			if in.VotingAt, err = parseTime("voting-at", votingAt); err != nil {
				return err
			}
			if in.SignupAt, err = parseTime("signup-at", signupAt); err != nil {
				return err
			}
			if in.WaiverAt, err = parseTime("waiver-at", waiverAt); err != nil {
				return err
			}
			if in.HikeAt, err = parseTime("hike-at", hikeAt); err != nil {
				return err
			}

			return withApp(func(ctx context.Context, a *app.App) error {
				h, err := a.Machine.Schedule(ctx, in)
				if err != nil {
					return err
				}
				fmt.Printf("%s hike %d on %s\n", ok("Scheduled"), h.ID, h.HikeAt.Format("Mon Jan 2 15:04 MST"))
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&trailID, "trail", 0, "trail ID; skips voting")
	cmd.Flags().Int64SliceVar(&candidates, "candidates", nil, "vote candidate trail IDs")
	cmd.Flags().StringVar(&votingAt, "voting-at", "", "when voting opens")
	cmd.Flags().StringVar(&signupAt, "signup-at", "", "when signup opens")
	cmd.Flags().StringVar(&waiverAt, "waiver-at", "", "when signup closes and seats are allocated")
	cmd.Flags().StringVar(&hikeAt, "hike-at", "", "hike start")
	_ = cmd.MarkFlagRequired("signup-at")
	_ = cmd.MarkFlagRequired("waiver-at")
	_ = cmd.MarkFlagRequired("hike-at")
	return cmd
}

// AdvanceCmd returns the advance command
func AdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance [voting|signup|waiver|completed]",
		Short: "Move the active hike to its next phase",
		Long: `Without an argument the hike moves to the phase that naturally follows the
current one. Naming a phase requests that transition explicitly; illegal
transitions are refused.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				h, err := activeHike(ctx, a)
				if err != nil {
					return err
				}

				target, found := phase.Next(h)
				if len(args) == 1 {
					target, found = models.ParsePhase(args[0])
					if !found || target == models.PhaseNone {
						return fmt.Errorf("unknown phase %q", args[0])
					}
				}
				if !found {
					return fmt.Errorf("hike %d has no next phase", h.ID)
				}

				updated, err := a.Machine.Transition(ctx, h.ID, target)
				if err != nil {
					return err
				}
				fmt.Printf("Hike %d: %s -> %s\n", updated.ID, h.Phase, phaseLabel(target))
				return nil
			})
		},
	}
	return cmd
}
