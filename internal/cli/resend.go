package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"hike-coordinator/internal/app"
)

// ResendCmd returns the resend command
func ResendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resend <member-id>",
		Short: "Send a member a fresh link for the current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("member id must be an integer: %w", err)
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				h, err := activeHike(ctx, a)
				if err != nil {
					return err
				}
				id, err := a.Campaigns.Resend(ctx, h.ID, memberID)
				if err != nil {
					return err
				}
				fmt.Printf("%s resend campaign %s for member %d\n", ok("Queued"), id, memberID)
				return nil
			})
		},
	}
}
