package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"hike-coordinator/internal/app"
	"hike-coordinator/internal/waitlist"
)

// RebalanceCmd returns the rebalance command
func RebalanceCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Promote waitlisted passengers into free seats",
		Long: `Fill free seats on confirmed drivers' vehicles from the front of the
waitlist and renumber the rest. With --count, promote exactly that many
regardless of capacity. Only valid during the waiver phase.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				h, err := activeHike(ctx, a)
				if err != nil {
					return err
				}

				var out waitlist.Outcome
				if cmd.Flags().Changed("count") {
					out, err = a.Rebalancer.Promote(ctx, h.ID, count)
				} else {
					out, err = a.Rebalancer.Reconcile(ctx, h.ID)
				}
				if err != nil {
					return err
				}
				printOutcome(out)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "promote this many passengers regardless of free seats")
	return cmd
}

// ConfirmCmd returns the confirm command
func ConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <request-id>",
		Short: "Confirm one transport request regardless of capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("request id must be an integer: %w", err)
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				out, err := a.Rebalancer.ManualConfirm(ctx, id)
				if err != nil {
					return err
				}
				printOutcome(out)
				return nil
			})
		},
	}
}

func printOutcome(out waitlist.Outcome) {
	if len(out.Promoted) == 0 {
		fmt.Println("No requests promoted")
	}
	for _, r := range out.Promoted {
		fmt.Printf("  %s request %d (member %d)\n", ok("confirmed"), r.ID, r.MemberID)
	}
	fmt.Printf("Waitlist: %d remaining\n", out.Remaining)
	if out.Overbooked > 0 {
		fmt.Println(bad(fmt.Sprintf("Overbooked by %d seats; no passenger was demoted", out.Overbooked)))
	}
}
