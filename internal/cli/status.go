package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hike-coordinator/internal/app"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/dispatch"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/phase"
	"hike-coordinator/internal/repository"
)

func ok(s string) string   { return color.New(color.FgGreen).Sprint(s) }
func warn(s string) string { return color.New(color.FgYellow).Sprint(s) }
func bad(s string) string  { return color.New(color.FgRed).Sprint(s) }

func phaseLabel(p models.Phase) string {
	switch p {
	case models.PhaseVoting:
		return color.New(color.FgCyan).Sprint(p.String())
	case models.PhaseSignup:
		return color.New(color.FgBlue).Sprint(p.String())
	case models.PhaseWaiver:
		return color.New(color.FgHiMagenta).Sprint(p.String())
	}
	return p.String()
}

type statusView struct {
	Hike     models.Hike
	Next     models.Phase
	NextDue  time.Time
	Now      time.Time
	Requests map[models.RequestState]int
	Votes    map[int64]int

	Campaign *models.Campaign
	Jobs     models.JobCounts
	Queued   int64
	Failures []dispatch.AuditRecord
}

// StatusCmd returns the status command
func StatusCmd() *cobra.Command {
	var failures int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active hike, its signups and the latest campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				v, err := loadStatus(ctx, a, failures)
				if apperrors.Is(err, apperrors.ErrCodeNoActiveHike) {
					fmt.Println("No active hike. Run `hikectl schedule` to create one.")
					return nil
				}
				if err != nil {
					return err
				}
				printStatus(os.Stdout, v)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&failures, "failures", 10, "recent delivery failures to show when auditing is enabled")
	return cmd
}

func loadStatus(ctx context.Context, a *app.App, failures int) (statusView, error) {
	h, err := a.Machine.Active(ctx)
	if err != nil {
		return statusView{}, err
	}
	v := statusView{Hike: h, Now: a.Clock.Now(), Requests: map[models.RequestState]int{}}
	if next, found := phase.Next(h); found {
		v.Next = next
		v.NextDue = a.Scheduler.DueAt(h, next)
	}

	err = a.Store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		reqs, err := tx.Signups().ListByHike(ctx, h.ID)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			v.Requests[r.State]++
		}
		if h.Phase == models.PhaseVoting {
			if v.Votes, err = tx.Votes().Tally(ctx, h.ID); err != nil {
				return err
			}
		}

		c, err := tx.Campaigns().Latest(ctx, h.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v.Campaign = &c
		v.Jobs, err = tx.Campaigns().CountJobs(ctx, c.ID)
		return err
	})
	if err != nil {
		return statusView{}, err
	}

	if v.Queued, err = a.Queue.Len(ctx); err != nil {
		return statusView{}, err
	}
	if a.Audit != nil && v.Campaign != nil && v.Jobs.Failed > 0 {
		if v.Failures, err = a.Audit.Failures(ctx, v.Campaign.ID, failures); err != nil {
			return statusView{}, err
		}
	}
	return v, nil
}

func printStatus(w io.Writer, v statusView) {
	h := v.Hike
	fmt.Fprintf(w, "Hike %d on %s\n", h.ID, h.HikeAt.Format("Mon Jan 2 15:04 MST"))
	fmt.Fprintf(w, "  Phase:  %s\n", phaseLabel(h.Phase))
	if h.TrailID != nil {
		fmt.Fprintf(w, "  Trail:  %d\n", *h.TrailID)
	} else {
		fmt.Fprintf(w, "  Trail:  %s\n", warn("(voting)"))
	}
	if v.Next != models.PhaseNone {
		due := "manual"
		if !v.NextDue.IsZero() {
			due = v.NextDue.Format(time.RFC3339)
			if !v.Now.Before(v.NextDue) {
				due += " " + warn("(due)")
			}
		}
		fmt.Fprintf(w, "  Next:   %s at %s\n", phaseLabel(v.Next), due)
	}
	fmt.Fprintln(w)

	if len(v.Votes) > 0 {
		fmt.Fprintln(w, "Votes:")
		for trail, n := range v.Votes {
			fmt.Fprintf(w, "  trail %d: %d\n", trail, n)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Requests: %d pending, %s, %s\n",
		v.Requests[models.RequestPending],
		ok(fmt.Sprintf("%d confirmed", v.Requests[models.RequestConfirmed])),
		warn(fmt.Sprintf("%d waitlisted", v.Requests[models.RequestWaitlisted])),
	)

	if v.Campaign == nil {
		fmt.Fprintln(w, "Campaign: (none)")
	} else {
		c := v.Campaign
		state := warn("in progress")
		if c.CompletedAt != nil {
			state = ok("completed")
		}
		fmt.Fprintf(w, "Campaign: %s [%s] %s\n", c.ID, c.Phase, state)
		failed := fmt.Sprintf("%d failed", v.Jobs.Failed)
		if v.Jobs.Failed > 0 {
			failed = bad(failed)
		}
		fmt.Fprintf(w, "  Jobs:   %d sent, %d pending, %s\n", v.Jobs.Sent, v.Jobs.Pending, failed)
	}
	fmt.Fprintf(w, "Queue:    %d campaigns waiting\n", v.Queued)

	if len(v.Failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Recent delivery failures:")
		for _, f := range v.Failures {
			fmt.Fprintf(w, "  member %d after %d attempts: %s\n", f.MemberID, f.Attempts, f.LastError)
		}
	}
}
