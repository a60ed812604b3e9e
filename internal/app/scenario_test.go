package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/phase"
	"hike-coordinator/internal/repository"
	"hike-coordinator/internal/store/memory"
)

type week struct {
	t   *testing.T
	ctx context.Context
	app *App
}

// next takes the campaign the last transition enqueued and returns its
// member tokens before dispatching it.
func (w week) next() (uuid.UUID, map[int64]string) {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(w.ctx, time.Second)
	defer cancel()

	id, err := w.app.Queue.Dequeue(ctx)
	require.NoError(w.t, err)

	tokens := map[int64]string{}
	err = w.app.Store.InTx(w.ctx, func(ctx context.Context, tx repository.Tx) error {
		jobs, err := tx.Campaigns().PendingJobs(ctx, id, 0, 0)
		for _, j := range jobs {
			tokens[j.MemberID] = j.Token
		}
		return err
	})
	require.NoError(w.t, err)

	require.NoError(w.t, w.app.Dispatcher.RunCampaign(w.ctx, id))
	return id, tokens
}

func (w week) counts(id uuid.UUID) models.JobCounts {
	w.t.Helper()
	var c models.JobCounts
	err := w.app.Store.InTx(w.ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		c, err = tx.Campaigns().CountJobs(ctx, id)
		return err
	})
	require.NoError(w.t, err)
	return c
}

func (w week) request(id int64) models.TransportRequest {
	w.t.Helper()
	var r models.TransportRequest
	err := w.app.Store.InTx(w.ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		r, err = tx.Signups().Get(ctx, id)
		return err
	})
	require.NoError(w.t, err)
	return r
}

func input(t *testing.T, kind models.TransportKind, vehicleID *int64) models.TransportRequestInput {
	t.Helper()
	in, err := models.NewTransportRequestInput(kind, vehicleID)
	require.NoError(t, err)
	return in
}

func TestScenario_FullWeek(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), logger.NewTestLogger(t), Options{})
	require.NoError(t, err)
	defer a.Close()
	w := week{t: t, ctx: context.Background(), app: a}

	seed := a.Store.(*memory.Store).Seed()
	trail, err := seed.Trail("Ridge Loop", false)
	require.NoError(t, err)

	names := []string{"Dana", "Pat", "Quinn", "Rae"}
	members := map[string]models.Member{}
	for _, n := range names {
		m, err := seed.Member(n, n+"@example.org")
		require.NoError(t, err)
		members[n] = m
	}
	car, err := seed.Vehicle(members["Dana"].ID, 2)
	require.NoError(t, err)

	hikeAt := time.Now().UTC().Add(7 * 24 * time.Hour)
	h, err := a.Machine.Schedule(w.ctx, phase.ScheduleInput{
		TrailID:  &trail.ID,
		SignupAt: hikeAt.Add(-4 * 24 * time.Hour),
		WaiverAt: hikeAt.Add(-24 * time.Hour),
		HikeAt:   hikeAt,
	})
	require.NoError(t, err)

	// Signup: everyone gets a link.
	_, err = a.Machine.Transition(w.ctx, h.ID, models.PhaseSignup)
	require.NoError(t, err)
	signupCampaign, signupTokens := w.next()
	assert.Len(t, signupTokens, len(names))
	assert.Equal(t, models.JobCounts{Sent: len(names)}, w.counts(signupCampaign))

	requests := map[string]models.TransportRequest{}
	register := func(name string, in models.TransportRequestInput) {
		req, err := a.Signups.Register(w.ctx, signupTokens[members[name].ID], in)
		require.NoError(t, err, name)
		requests[name] = req
	}
	register("Dana", input(t, models.TransportDriver, &car.ID))
	register("Pat", input(t, models.TransportPassenger, nil))
	register("Quinn", input(t, models.TransportPassenger, nil))
	register("Rae", input(t, models.TransportPassenger, nil))

	_, err = a.Signups.Register(w.ctx, signupTokens[members["Pat"].ID], input(t, models.TransportPassenger, nil))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAlreadySignedUp), "got %v", err)

	// Waiver: two seats for three passengers.
	_, err = a.Machine.Transition(w.ctx, h.ID, models.PhaseWaiver)
	require.NoError(t, err)

	assert.Equal(t, models.RequestConfirmed, w.request(requests["Dana"].ID).State)
	assert.Equal(t, models.RequestConfirmed, w.request(requests["Pat"].ID).State)
	assert.Equal(t, models.RequestConfirmed, w.request(requests["Quinn"].ID).State)
	rae := w.request(requests["Rae"].ID)
	assert.Equal(t, models.RequestWaitlisted, rae.State)
	assert.Equal(t, 1, rae.Position())

	waiverCampaign, waiverTokens := w.next()
	assert.Len(t, waiverTokens, 3)
	assert.NotContains(t, waiverTokens, members["Rae"].ID)
	assert.Equal(t, models.JobCounts{Sent: 3}, w.counts(waiverCampaign))

	_, err = a.Signups.Register(w.ctx, signupTokens[members["Rae"].ID], input(t, models.TransportSelf, nil))
	assert.Error(t, err, "signup links stop working once waiver opens")

	// Pat drops out and Rae takes the seat.
	out, err := a.Signups.Cancel(w.ctx, waiverTokens[members["Pat"].ID])
	require.NoError(t, err)
	require.Len(t, out.Promoted, 1)
	assert.Equal(t, members["Rae"].ID, out.Promoted[0].MemberID)
	assert.Zero(t, out.Remaining)
	assert.Equal(t, models.RequestConfirmed, w.request(requests["Rae"].ID).State)

	promoted, promotedTokens := w.next()
	assert.Equal(t, []int64{members["Rae"].ID}, keys(promotedTokens))
	assert.Equal(t, models.JobCounts{Sent: 1}, w.counts(promoted))

	// Nothing left to reconcile.
	out, err = a.Rebalancer.Reconcile(w.ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, out.Promoted)

	// Completion purges the week's links and retires the hike.
	done, err := a.Machine.Transition(w.ctx, h.ID, models.PhaseCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.HikeStatusPast, done.Status)

	_, err = a.Machine.Active(w.ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNoActiveHike), "got %v", err)

	_, err = a.Signups.Cancel(w.ctx, waiverTokens[members["Quinn"].ID])
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(w.ctx, 20*time.Millisecond)
	defer cancel()
	_, err = a.Queue.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "completion sends nothing")
}

func keys(m map[int64]string) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
