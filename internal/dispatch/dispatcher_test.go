package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hike-coordinator/internal/common/clock"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
	"hike-coordinator/internal/store/memory"
)

var now = time.Date(2026, 6, 8, 9, 0, 0, 0, time.UTC)

type stubRenderer struct {
	err error
}

func (r stubRenderer) Render(phase models.Phase, rc RecipientContext) (Message, error) {
	if r.err != nil {
		return Message{}, r.err
	}
	return Message{
		To:      rc.Member.Email,
		Subject: fmt.Sprintf("%s for hike %d", phase, rc.Hike.ID),
		Text:    "token=" + rc.Token,
	}, nil
}

// fakeTransport records every send. fail decides per message and attempt
// whether Send fails; openErrs are returned by successive Open calls.
type fakeTransport struct {
	mu       sync.Mutex
	fail     func(to string, attempt int) bool
	openErrs []error
	opens    int
	closes   int
	sent     []string
	attempts map[string]int
}

func (t *fakeTransport) Open(context.Context) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if len(t.openErrs) > 0 {
		err := t.openErrs[0]
		t.openErrs = t.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fakeSession{t: t}, nil
}

type fakeSession struct{ t *fakeTransport }

func (s *fakeSession) Send(_ context.Context, msg Message) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.attempts == nil {
		s.t.attempts = map[string]int{}
	}
	s.t.attempts[msg.To]++
	s.t.sent = append(s.t.sent, msg.To)
	if s.t.fail != nil && s.t.fail(msg.To, s.t.attempts[msg.To]) {
		return errors.New("smtp: 451 try again later")
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closes++
	return nil
}

type recordingAuditor struct {
	mu   sync.Mutex
	recs []AuditRecord
}

func (a *recordingAuditor) Record(_ context.Context, rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

type fixture struct {
	store     *memory.Store
	transport *fakeTransport
	auditor   *recordingAuditor
	queue     *ChannelQueue
	hike      models.Hike
	members   []models.Member
}

func setup(t *testing.T, phase models.Phase, members int) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.New(),
		transport: &fakeTransport{},
		auditor:   &recordingAuditor{},
		queue:     NewChannelQueue(8),
	}
	trail, err := f.store.Seed().Trail("Ridge", false)
	require.NoError(t, err)
	f.hike, err = f.store.Seed().Hike(models.Hike{
		TrailID: &trail.ID,
		Status:  models.HikeStatusActive,
		Phase:   phase,
		HikeAt:  now.Add(5 * 24 * time.Hour),
	})
	require.NoError(t, err)
	for i := 0; i < members; i++ {
		m, err := f.store.Seed().Member("m", fmt.Sprintf("m%d@club.test", i))
		require.NoError(t, err)
		f.members = append(f.members, m)
	}
	return f
}

func (f *fixture) dispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	return NewDispatcher(f.store, stubRenderer{}, f.transport, f.queue, cfg, logger.NewTestLogger(t),
		WithClock(clock.NewFake(now)), WithAuditor(f.auditor))
}

// campaign creates a campaign with one pending job per member.
func (f *fixture) campaign(t *testing.T, resend bool, members ...models.Member) models.Campaign {
	t.Helper()
	c := models.Campaign{ID: uuid.New(), HikeID: f.hike.ID, Phase: f.hike.Phase, Resend: resend, CreatedAt: now}
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Campaigns().Create(ctx, c); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.Campaigns().CreateJob(ctx, models.NotificationJob{
				CampaignID: c.ID,
				MemberID:   m.ID,
				Token:      fmt.Sprintf("tok-%d", m.ID),
				Status:     models.JobPending,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	return c
}

type snapshot struct {
	campaign models.Campaign
	hike     models.Hike
	counts   models.JobCounts
	jobs     []models.NotificationJob
}

// snap reads the campaign state; jobs lists only the pending ones.
func (f *fixture) snap(t *testing.T, id uuid.UUID) snapshot {
	t.Helper()
	var s snapshot
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		if s.campaign, err = tx.Campaigns().Get(ctx, id); err != nil {
			return err
		}
		if s.hike, err = tx.Hikes().Get(ctx, f.hike.ID); err != nil {
			return err
		}
		if s.counts, err = tx.Campaigns().CountJobs(ctx, id); err != nil {
			return err
		}
		s.jobs, err = tx.Campaigns().PendingJobs(ctx, id, 0, 0)
		return err
	}))
	return s
}

func TestRunCampaign_DeliversEveryJob(t *testing.T) {
	f := setup(t, models.PhaseSignup, 3)
	c := f.campaign(t, false, f.members...)

	require.NoError(t, f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 3}).RunCampaign(context.Background(), c.ID))

	s := f.snap(t, c.ID)
	assert.Equal(t, models.JobCounts{Sent: 3}, s.counts)
	require.NotNil(t, s.campaign.CompletedAt)
	assert.True(t, s.hike.CampaignCompleted)
	assert.Equal(t, []string{"m0@club.test", "m1@club.test", "m2@club.test"}, f.transport.sent)
	assert.Equal(t, 1, f.transport.opens)
	assert.Equal(t, f.transport.opens, f.transport.closes)
	assert.Len(t, f.auditor.recs, 3)
}

func TestRunCampaign_PermanentFailure(t *testing.T) {
	f := setup(t, models.PhaseSignup, 3)
	f.transport.fail = func(string, int) bool { return true }
	c := f.campaign(t, false, f.members...)

	require.NoError(t, f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 2}).RunCampaign(context.Background(), c.ID))

	s := f.snap(t, c.ID)
	assert.Equal(t, models.JobCounts{Failed: 3}, s.counts)
	require.NotNil(t, s.campaign.CompletedAt)
	for _, m := range f.members {
		assert.Equal(t, 2, f.transport.attempts[m.Email], m.Email)
	}
	require.Len(t, f.auditor.recs, 3)
	for _, rec := range f.auditor.recs {
		assert.Equal(t, models.JobFailed, rec.Status)
		assert.Equal(t, 2, rec.Attempts)
		assert.Contains(t, rec.LastError, "try again later")
	}
}

func TestRunCampaign_RetriesOnLaterPass(t *testing.T) {
	f := setup(t, models.PhaseVoting, 3)
	f.transport.fail = func(to string, attempt int) bool { return to == "m0@club.test" && attempt == 1 }
	c := f.campaign(t, false, f.members...)

	require.NoError(t, f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 3}).RunCampaign(context.Background(), c.ID))

	assert.Equal(t, []string{"m0@club.test", "m1@club.test", "m2@club.test", "m0@club.test"}, f.transport.sent)
	assert.Equal(t, models.JobCounts{Sent: 3}, f.snap(t, c.ID).counts)
}

func TestRunCampaign_OneSessionPerBatch(t *testing.T) {
	f := setup(t, models.PhaseSignup, 5)
	c := f.campaign(t, false, f.members...)

	require.NoError(t, f.dispatcher(t, Config{BatchSize: 2, MaxAttempts: 1}).RunCampaign(context.Background(), c.ID))

	assert.Equal(t, 3, f.transport.opens)
	assert.Equal(t, 3, f.transport.closes)
	assert.Len(t, f.transport.sent, 5)
}

func TestRunCampaign_OpenFailureCountsAsAttempt(t *testing.T) {
	f := setup(t, models.PhaseSignup, 2)
	f.transport.openErrs = []error{errors.New("dial tcp: connection refused")}
	c := f.campaign(t, false, f.members...)

	d := f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 3})
	require.NoError(t, d.RunCampaign(context.Background(), c.ID))

	assert.Equal(t, models.JobCounts{Sent: 2}, f.snap(t, c.ID).counts)
	for _, rec := range f.auditor.recs {
		assert.Equal(t, 2, rec.Attempts)
	}
}

func TestRunCampaign_OpenFailureExhaustsAttempts(t *testing.T) {
	f := setup(t, models.PhaseSignup, 2)
	f.transport.openErrs = []error{errors.New("refused"), errors.New("refused")}
	c := f.campaign(t, false, f.members...)

	require.NoError(t, f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 2}).RunCampaign(context.Background(), c.ID))

	assert.Equal(t, models.JobCounts{Failed: 2}, f.snap(t, c.ID).counts)
	assert.Empty(t, f.transport.sent)
}

func TestRunCampaign_RenderFailureIsADeliveryFailure(t *testing.T) {
	f := setup(t, models.PhaseSignup, 1)
	c := f.campaign(t, false, f.members...)

	d := NewDispatcher(f.store, stubRenderer{err: errors.New("template: missing key")}, f.transport, f.queue,
		Config{BatchSize: 10, MaxAttempts: 1}, logger.NewTestLogger(t), WithClock(clock.NewFake(now)))
	require.NoError(t, d.RunCampaign(context.Background(), c.ID))

	assert.Equal(t, models.JobCounts{Failed: 1}, f.snap(t, c.ID).counts)
	assert.Empty(t, f.transport.sent)
}

func TestRunCampaign_SupersededByNewerCampaign(t *testing.T) {
	f := setup(t, models.PhaseSignup, 2)
	old := f.campaign(t, false, f.members...)
	f.campaign(t, false)

	err := f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 3}).RunCampaign(context.Background(), old.ID)
	assert.ErrorIs(t, err, ErrSuperseded)

	s := f.snap(t, old.ID)
	assert.Nil(t, s.campaign.CompletedAt)
	assert.False(t, s.hike.CampaignCompleted)
	assert.Len(t, s.jobs, 2)
	assert.Empty(t, f.transport.sent)
}

func TestRunCampaign_SupersededByPhaseChange(t *testing.T) {
	f := setup(t, models.PhaseSignup, 1)
	c := f.campaign(t, false, f.members...)
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		h := f.hike
		h.Phase = models.PhaseWaiver
		return tx.Hikes().Update(ctx, h)
	}))

	err := f.dispatcher(t, Config{}).RunCampaign(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Nil(t, f.snap(t, c.ID).campaign.CompletedAt)
}

func TestRunCampaign_ResendLeavesHikeFlag(t *testing.T) {
	f := setup(t, models.PhaseWaiver, 1)
	phaseCampaign := f.campaign(t, false)
	resend := f.campaign(t, true, f.members[0])

	d := f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 3})
	require.NoError(t, d.RunCampaign(context.Background(), resend.ID))

	s := f.snap(t, resend.ID)
	require.NotNil(t, s.campaign.CompletedAt)
	assert.False(t, s.hike.CampaignCompleted)
	assert.Nil(t, f.snap(t, phaseCampaign.ID).campaign.CompletedAt)
}

func TestRunCampaign_AlreadyCompletedIsNoop(t *testing.T) {
	f := setup(t, models.PhaseSignup, 1)
	c := f.campaign(t, false, f.members...)
	d := f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 3})

	require.NoError(t, d.RunCampaign(context.Background(), c.ID))
	require.NoError(t, d.RunCampaign(context.Background(), c.ID))
	assert.Len(t, f.transport.sent, 1)
}

func TestRunCampaign_PauseHonoursCancel(t *testing.T) {
	f := setup(t, models.PhaseSignup, 2)
	c := f.campaign(t, false, f.members...)
	d := f.dispatcher(t, Config{BatchSize: 1, MaxAttempts: 1, BatchPause: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.RunCampaign(ctx, c.ID) }()

	require.Eventually(t, func() bool {
		f.transport.mu.Lock()
		defer f.transport.mu.Unlock()
		return len(f.transport.sent) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("RunCampaign did not stop")
	}
	assert.Nil(t, f.snap(t, c.ID).campaign.CompletedAt)
}

func TestRun_RecoversAndDrainsQueue(t *testing.T) {
	f := setup(t, models.PhaseSignup, 2)
	c := f.campaign(t, false, f.members...)
	d := f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		var got models.Campaign
		_ = f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			var err error
			got, err = tx.Campaigns().Get(ctx, c.ID)
			return err
		})
		return got.CompletedAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRecover_SkipsSupersededCampaigns(t *testing.T) {
	f := setup(t, models.PhaseSignup, 1)
	stale := f.campaign(t, false, f.members...)
	live := f.campaign(t, false, f.members...)
	resend := f.campaign(t, true, f.members...)

	require.NoError(t, f.dispatcher(t, Config{}).Recover(context.Background()))

	var got []uuid.UUID
	for len(f.queue.ch) > 0 {
		got = append(got, <-f.queue.ch)
	}
	assert.ElementsMatch(t, []uuid.UUID{live.ID, resend.ID}, got)
	assert.NotContains(t, got, stale.ID)
}

func TestRun_RecoveryDoesNotStallConsumer(t *testing.T) {
	f := setup(t, models.PhaseSignup, 1)
	f.queue = NewChannelQueue(1)
	for i := 0; i < 20; i++ {
		f.campaign(t, false, f.members...)
	}
	resends := []models.Campaign{
		f.campaign(t, true, f.members...),
		f.campaign(t, true, f.members...),
		f.campaign(t, true, f.members...),
	}
	d := f.dispatcher(t, Config{BatchSize: 10, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		completed := 0
		_ = f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			for _, c := range resends {
				if got, err := tx.Campaigns().Get(ctx, c.ID); err == nil && got.CompletedAt != nil {
					completed++
				}
			}
			return nil
		})
		return completed == len(resends)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
