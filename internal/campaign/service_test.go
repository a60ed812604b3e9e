package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hike-coordinator/internal/common/clock"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/phase"
	"hike-coordinator/internal/repository"
	"hike-coordinator/internal/store/memory"
	"hike-coordinator/internal/tokens"
)

var now = time.Date(2026, 6, 8, 9, 0, 0, 0, time.UTC)

type recordingQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type fixture struct {
	store   *memory.Store
	queue   *recordingQueue
	service *Service
	members []models.Member
}

func setup(t *testing.T, members int) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), queue: &recordingQueue{}}
	clk := clock.NewFake(now)
	log := logger.NewTestLogger(t)
	f.service = NewService(f.store, tokens.NewStore(f.store, clk, log), f.queue, clk, nil, log)
	for i := 0; i < members; i++ {
		m, err := f.store.Seed().Member("member", "member@club.test")
		require.NoError(t, err)
		f.members = append(f.members, m)
	}
	return f
}

func (f *fixture) hike(t *testing.T, p models.Phase) models.Hike {
	t.Helper()
	h, err := f.store.Seed().Hike(models.Hike{
		Status: models.HikeStatusActive,
		Phase:  p,
		HikeAt: now.Add(5 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return h
}

func (f *fixture) confirm(t *testing.T, h models.Hike, m models.Member, state models.RequestState) {
	t.Helper()
	r := models.TransportRequest{HikeID: h.ID, MemberID: m.ID, Kind: models.TransportSelf, State: state, SignupAt: now}
	_, err := f.store.Seed().Request(r)
	require.NoError(t, err)
}

func (f *fixture) tx(t *testing.T, fn func(ctx context.Context, tx repository.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.InTx(context.Background(), fn))
}

func (f *fixture) jobs(t *testing.T, id uuid.UUID) []models.NotificationJob {
	t.Helper()
	var out []models.NotificationJob
	f.tx(t, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Campaigns().PendingJobs(ctx, id, 0, 0)
		return err
	})
	return out
}

func (f *fixture) campaign(t *testing.T, id uuid.UUID) models.Campaign {
	t.Helper()
	var c models.Campaign
	f.tx(t, func(ctx context.Context, tx repository.Tx) error {
		var err error
		c, err = tx.Campaigns().Get(ctx, id)
		return err
	})
	return c
}

func memberIDs(jobs []models.NotificationJob) []int64 {
	out := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.MemberID)
	}
	return out
}

func TestStart_RecipientsByPhase(t *testing.T) {
	tests := []struct {
		phase models.Phase
		// confirmed marks which of the three members hold a confirmed request.
		confirmed []int
		want      []int
	}{
		{phase: models.PhaseVoting, want: []int{0, 1, 2}},
		{phase: models.PhaseSignup, confirmed: []int{1}, want: []int{0, 1, 2}},
		{phase: models.PhaseWaiver, confirmed: []int{0, 2}, want: []int{0, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			f := setup(t, 3)
			h := f.hike(t, tt.phase)
			for _, i := range tt.confirmed {
				f.confirm(t, h, f.members[i], models.RequestConfirmed)
			}

			id, err := f.service.Start(context.Background(), h.ID, tt.phase)
			require.NoError(t, err)

			var want []int64
			for _, i := range tt.want {
				want = append(want, f.members[i].ID)
			}
			jobs := f.jobs(t, id)
			assert.ElementsMatch(t, want, memberIDs(jobs))

			for _, j := range jobs {
				assert.Equal(t, models.JobPending, j.Status)
				assert.Zero(t, j.Attempts)
				require.NotEmpty(t, j.Token)
				f.tx(t, func(ctx context.Context, tx repository.Tx) error {
					tok, err := tx.Tokens().Get(ctx, j.Token)
					require.NoError(t, err)
					assert.Equal(t, tt.phase, tok.Phase)
					assert.Equal(t, j.MemberID, tok.MemberID)
					return nil
				})
			}

			c := f.campaign(t, id)
			assert.False(t, c.Resend)
			assert.Nil(t, c.CompletedAt)
			assert.Equal(t, []uuid.UUID{id}, f.queue.ids)
		})
	}
}

func TestStart_WaiverSkipsWaitlisted(t *testing.T) {
	f := setup(t, 2)
	h := f.hike(t, models.PhaseWaiver)
	f.confirm(t, h, f.members[0], models.RequestPending)

	id, err := f.service.Start(context.Background(), h.ID, models.PhaseWaiver)
	require.NoError(t, err)
	assert.Empty(t, f.jobs(t, id))
}

func TestStart_PhaseMustMatch(t *testing.T) {
	f := setup(t, 1)
	h := f.hike(t, models.PhaseSignup)

	_, err := f.service.Start(context.Background(), h.ID, models.PhaseVoting)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodePhaseMismatch))
	assert.Empty(t, f.queue.ids)
}

func TestStart_RejectsPhaseWithoutCampaign(t *testing.T) {
	f := setup(t, 1)
	h := f.hike(t, models.PhaseNone)

	for _, p := range []models.Phase{models.PhaseNone, models.PhaseCompleted} {
		_, err := f.service.Start(context.Background(), h.ID, p)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed), "phase %s", p)
	}
}

func TestStart_AlreadyCompleted(t *testing.T) {
	f := setup(t, 1)
	h, err := f.store.Seed().Hike(models.Hike{
		Status:            models.HikeStatusActive,
		Phase:             models.PhaseSignup,
		HikeAt:            now,
		CampaignCompleted: true,
	})
	require.NoError(t, err)

	_, err = f.service.Start(context.Background(), h.ID, models.PhaseSignup)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCampaignAlreadyCompleted))
}

func TestStart_SupersedesPendingJobs(t *testing.T) {
	f := setup(t, 2)
	h, err := f.store.Seed().Hike(models.Hike{
		Status:   models.HikeStatusActive,
		Phase:    models.PhaseVoting,
		VotingAt: now,
		HikeAt:   now.Add(5 * 24 * time.Hour),
	})
	require.NoError(t, err)

	first, err := f.service.Start(context.Background(), h.ID, models.PhaseVoting)
	require.NoError(t, err)

	// one job of the voting campaign has already gone out
	sent := f.jobs(t, first)[0]
	sent.Status = models.JobSent
	sent.Attempts = 1
	f.tx(t, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Campaigns().UpdateJob(ctx, sent); err != nil {
			return err
		}
		h.Phase = models.PhaseSignup
		return tx.Hikes().Update(ctx, h)
	})

	second, err := f.service.Start(context.Background(), h.ID, models.PhaseSignup)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.Empty(t, f.jobs(t, first))
	assert.Len(t, f.jobs(t, second), 2)

	f.tx(t, func(ctx context.Context, tx repository.Tx) error {
		counts, err := tx.Campaigns().CountJobs(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, models.JobCounts{Sent: 1}, counts)

		latest, err := tx.Campaigns().Latest(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, second, latest.ID)
		return nil
	})
}

func TestStart_JoinsRunningCampaign(t *testing.T) {
	f := setup(t, 2)
	h := f.hike(t, models.PhaseSignup)
	l := NewListener(f.service, logger.NewTestLogger(t))

	require.NoError(t, l.Publish(context.Background(), phase.PhaseEntered{HikeID: h.ID, Phase: models.PhaseSignup}))
	require.Len(t, f.queue.ids, 1)
	first := f.queue.ids[0]

	jobs := f.jobs(t, first)
	require.Len(t, jobs, 2)
	delivered := jobs[0]
	delivered.Status = models.JobSent
	delivered.Attempts = 1
	f.tx(t, func(ctx context.Context, tx repository.Tx) error {
		return tx.Campaigns().UpdateJob(ctx, delivered)
	})

	again, err := f.service.Start(context.Background(), h.ID, models.PhaseSignup)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Len(t, f.queue.ids, 1, "nothing new is enqueued")

	// the link already mailed keeps working and the other job is untouched
	f.tx(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.Tokens().Get(ctx, delivered.Token)
		return err
	})
	assert.Equal(t, []int64{jobs[1].MemberID}, memberIDs(f.jobs(t, first)))
}

func TestStart_EnqueueFailureKeepsCampaign(t *testing.T) {
	f := setup(t, 1)
	f.queue.err = errors.New("redis down")
	h := f.hike(t, models.PhaseVoting)

	id, err := f.service.Start(context.Background(), h.ID, models.PhaseVoting)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeQueueError))
	assert.NotEqual(t, uuid.Nil, id)
	assert.Len(t, f.jobs(t, id), 1)
}

func TestResend(t *testing.T) {
	f := setup(t, 2)
	h := f.hike(t, models.PhaseSignup)

	phaseCampaign, err := f.service.Start(context.Background(), h.ID, models.PhaseSignup)
	require.NoError(t, err)
	var oldToken string
	for _, j := range f.jobs(t, phaseCampaign) {
		if j.MemberID == f.members[0].ID {
			oldToken = j.Token
		}
	}

	id, err := f.service.Resend(context.Background(), h.ID, f.members[0].ID)
	require.NoError(t, err)

	c := f.campaign(t, id)
	assert.True(t, c.Resend)
	assert.Equal(t, models.PhaseSignup, c.Phase)

	jobs := f.jobs(t, id)
	require.Len(t, jobs, 1)
	assert.Equal(t, f.members[0].ID, jobs[0].MemberID)
	assert.NotEqual(t, oldToken, jobs[0].Token)

	f.tx(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.Tokens().Get(ctx, oldToken)
		assert.ErrorIs(t, err, repository.ErrNotFound)

		latest, err := tx.Campaigns().Latest(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, phaseCampaign, latest.ID)
		return nil
	})
	// the member's queued phase job would carry the revoked token
	assert.Equal(t, []int64{f.members[1].ID}, memberIDs(f.jobs(t, phaseCampaign)))
}

func TestResend_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		phase models.Phase
		seat  models.RequestState
		code  apperrors.ErrorCode
	}{
		{name: "none phase", phase: models.PhaseNone, code: apperrors.ErrCodePhaseMismatch},
		{name: "waiver without request", phase: models.PhaseWaiver, code: apperrors.ErrCodeValidationFailed},
		{name: "waiver while waitlisted", phase: models.PhaseWaiver, seat: models.RequestPending, code: apperrors.ErrCodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, 1)
			h := f.hike(t, tt.phase)
			if tt.seat != "" {
				f.confirm(t, h, f.members[0], tt.seat)
			}

			_, err := f.service.Resend(context.Background(), h.ID, f.members[0].ID)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestResend_UnknownMember(t *testing.T) {
	f := setup(t, 0)
	h := f.hike(t, models.PhaseVoting)

	_, err := f.service.Resend(context.Background(), h.ID, 42)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestNotifyPromoted(t *testing.T) {
	f := setup(t, 3)
	h := f.hike(t, models.PhaseWaiver)

	err := f.service.NotifyPromoted(context.Background(), h.ID, []int64{f.members[0].ID, f.members[2].ID})
	require.NoError(t, err)
	require.Len(t, f.queue.ids, 2)

	var got []int64
	for _, id := range f.queue.ids {
		c := f.campaign(t, id)
		assert.True(t, c.Resend)
		assert.Equal(t, models.PhaseWaiver, c.Phase)
		got = append(got, memberIDs(f.jobs(t, id))...)
	}
	assert.Equal(t, []int64{f.members[0].ID, f.members[2].ID}, got)
}

func TestNotifyPromoted_Empty(t *testing.T) {
	f := setup(t, 1)
	require.NoError(t, f.service.NotifyPromoted(context.Background(), 1, nil))
	assert.Empty(t, f.queue.ids)
}

func TestListener(t *testing.T) {
	f := setup(t, 1)
	l := NewListener(f.service, logger.NewTestLogger(t))
	h := f.hike(t, models.PhaseVoting)

	require.NoError(t, l.Publish(context.Background(), phase.PhaseEntered{HikeID: h.ID, Phase: models.PhaseCompleted}))
	assert.Empty(t, f.queue.ids)

	require.NoError(t, l.Publish(context.Background(), phase.PhaseEntered{HikeID: h.ID, Phase: models.PhaseVoting}))
	assert.Len(t, f.queue.ids, 1)

	f.tx(t, func(ctx context.Context, tx repository.Tx) error {
		h.CampaignCompleted = true
		return tx.Hikes().Update(ctx, h)
	})
	require.NoError(t, l.Publish(context.Background(), phase.PhaseEntered{HikeID: h.ID, Phase: models.PhaseVoting}))
	assert.Len(t, f.queue.ids, 1)
}
