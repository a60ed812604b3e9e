package signup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hike-coordinator/internal/common/clock"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
	"hike-coordinator/internal/store/memory"
	"hike-coordinator/internal/tokens"
	"hike-coordinator/internal/waitlist"
)

var now = time.Date(2026, 6, 9, 18, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	calls [][]int64
}

func (n *recordingNotifier) NotifyPromoted(_ context.Context, _ int64, memberIDs []int64) error {
	n.calls = append(n.calls, memberIDs)
	return nil
}

type fixture struct {
	store    *memory.Store
	tokens   *tokens.Store
	notifier *recordingNotifier
	svc      *Service
	hike     models.Hike
}

func setup(t *testing.T, phase models.Phase) *fixture {
	t.Helper()
	log := logger.NewTestLogger(t)
	clk := clock.NewFake(now)
	f := &fixture{store: memory.New(), notifier: &recordingNotifier{}}
	f.tokens = tokens.NewStore(f.store, clk, log)
	rb := waitlist.NewRebalancer(f.store, f.notifier, log)
	f.svc = NewService(f.store, f.tokens, rb, clk, log)

	h, err := f.store.Seed().Hike(models.Hike{
		Status: models.HikeStatusActive,
		Phase:  phase,
		HikeAt: now.Add(4 * 24 * time.Hour),
	})
	require.NoError(t, err)
	f.hike = h
	return f
}

func (f *fixture) member(t *testing.T, name string) models.Member {
	t.Helper()
	m, err := f.store.Seed().Member(name, name+"@club.test")
	require.NoError(t, err)
	return m
}

func (f *fixture) token(t *testing.T, memberID int64, phase models.Phase) string {
	t.Helper()
	var tok string
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		tok, err = f.tokens.Issue(ctx, tx, memberID, f.hike.ID, phase)
		return err
	}))
	return tok
}

func (f *fixture) request(t *testing.T, r models.TransportRequest) models.TransportRequest {
	t.Helper()
	r.HikeID = f.hike.ID
	r.SignupAt = now.Add(-time.Duration(100-r.MemberID) * time.Minute)
	created, err := f.store.Seed().Request(r)
	require.NoError(t, err)
	return created
}

func (f *fixture) driver(t *testing.T, seats int) (models.Member, models.TransportRequest) {
	t.Helper()
	m := f.member(t, "driver")
	v, err := f.store.Seed().Vehicle(m.ID, seats)
	require.NoError(t, err)
	return m, f.request(t, models.TransportRequest{
		MemberID:  m.ID,
		Kind:      models.TransportDriver,
		State:     models.RequestConfirmed,
		VehicleID: &v.ID,
	})
}

func (f *fixture) requests(t *testing.T) []models.TransportRequest {
	t.Helper()
	var out []models.TransportRequest
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Signups().ListByHike(ctx, f.hike.ID)
		return err
	}))
	return out
}

func TestCastVote(t *testing.T) {
	f := setup(t, models.PhaseVoting)
	m := f.member(t, "ana")
	ridge, err := f.store.Seed().Trail("Ridge", true)
	require.NoError(t, err)
	lake, err := f.store.Seed().Trail("Lake", true)
	require.NoError(t, err)
	tok := f.token(t, m.ID, models.PhaseVoting)

	require.NoError(t, f.svc.CastVote(context.Background(), tok, ridge.ID))
	// Changing the vote replaces it and the token stays usable.
	require.NoError(t, f.svc.CastVote(context.Background(), tok, lake.ID))

	var tally map[int64]int
	var stored models.AccessToken
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		if tally, err = tx.Votes().Tally(ctx, f.hike.ID); err != nil {
			return err
		}
		stored, err = tx.Tokens().Get(ctx, tok)
		return err
	}))
	assert.Equal(t, map[int64]int{lake.ID: 1}, tally)
	assert.Equal(t, 2, stored.UseCount)
	require.NotNil(t, stored.FirstUsedAt)
}

func TestCastVote_Rejections(t *testing.T) {
	f := setup(t, models.PhaseVoting)
	m := f.member(t, "ana")
	offBallot, err := f.store.Seed().Trail("Quarry", false)
	require.NoError(t, err)
	signupTok := f.token(t, m.ID, models.PhaseSignup)
	votingTok := f.token(t, m.ID, models.PhaseVoting)

	tests := []struct {
		name     string
		token    string
		trailID  int64
		wantCode apperrors.ErrorCode
	}{
		{name: "unknown token", token: "nope", trailID: offBallot.ID, wantCode: apperrors.ErrCodeTokenNotFound},
		{name: "signup token", token: signupTok, trailID: offBallot.ID, wantCode: apperrors.ErrCodeTokenExpired},
		{name: "trail not on ballot", token: votingTok, trailID: offBallot.ID, wantCode: apperrors.ErrCodeValidationFailed},
		{name: "unknown trail", token: votingTok, trailID: 9999, wantCode: apperrors.ErrCodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.CastVote(context.Background(), tt.token, tt.trailID)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err), err.Error())
		})
	}
}

func TestRegister(t *testing.T) {
	f := setup(t, models.PhaseSignup)
	m := f.member(t, "ben")
	v, err := f.store.Seed().Vehicle(m.ID, 3)
	require.NoError(t, err)
	tok := f.token(t, m.ID, models.PhaseSignup)

	req, err := f.svc.Register(context.Background(), tok, models.DriverInput{VehicleID: v.ID})
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.State)
	assert.Equal(t, models.TransportDriver, req.Kind)
	assert.Equal(t, now, req.SignupAt)
	require.NotNil(t, req.VehicleID)
	assert.Equal(t, v.ID, *req.VehicleID)

	_, err = f.svc.Register(context.Background(), tok, models.PassengerInput{})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAlreadySignedUp))
	assert.Len(t, f.requests(t), 1)
}

func TestRegister_ForeignVehicle(t *testing.T) {
	f := setup(t, models.PhaseSignup)
	owner := f.member(t, "owner")
	v, err := f.store.Seed().Vehicle(owner.ID, 4)
	require.NoError(t, err)
	m := f.member(t, "borrower")

	_, err = f.svc.Register(context.Background(), f.token(t, m.ID, models.PhaseSignup), models.DriverInput{VehicleID: v.ID})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
	assert.Empty(t, f.requests(t))
}

func TestRegister_WrongPhase(t *testing.T) {
	f := setup(t, models.PhaseWaiver)
	m := f.member(t, "late")

	_, err := f.svc.Register(context.Background(), f.token(t, m.ID, models.PhaseWaiver), models.SelfInput{})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodePhaseMismatch))
}

func TestMissingTransportChoice(t *testing.T) {
	tests := []struct {
		name  string
		phase models.Phase
		call  func(t *testing.T, f *fixture, m models.Member) error
	}{
		{
			name:  "register",
			phase: models.PhaseSignup,
			call: func(t *testing.T, f *fixture, m models.Member) error {
				_, err := f.svc.Register(context.Background(), f.token(t, m.ID, models.PhaseSignup), nil)
				return err
			},
		},
		{
			name:  "change transport",
			phase: models.PhaseWaiver,
			call: func(t *testing.T, f *fixture, m models.Member) error {
				req := f.request(t, models.TransportRequest{MemberID: m.ID, Kind: models.TransportSelf, State: models.RequestConfirmed})
				_, err := f.svc.ChangeTransport(context.Background(), req.ID, nil)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.phase)
			m := f.member(t, "undecided")
			before := len(f.requests(t))

			err := tt.call(t, f, m)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed), "got %v", err)
			assert.Len(t, f.requests(t), before)
		})
	}
}

func TestCancel_DuringSignup(t *testing.T) {
	f := setup(t, models.PhaseSignup)
	m := f.member(t, "cal")
	f.request(t, models.TransportRequest{MemberID: m.ID, Kind: models.TransportSelf, State: models.RequestPending})
	tok := f.token(t, m.ID, models.PhaseSignup)

	out, err := f.svc.Cancel(context.Background(), tok)
	require.NoError(t, err)
	assert.Empty(t, out.Promoted)
	assert.Empty(t, f.requests(t))

	v, err := f.tokens.Validate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusNotFound, v.Status)
	assert.Empty(t, f.notifier.calls)
}

func TestCancel_PassengerFreesSeat(t *testing.T) {
	f := setup(t, models.PhaseWaiver)
	f.driver(t, 1)
	rider := f.member(t, "rider")
	f.request(t, models.TransportRequest{MemberID: rider.ID, Kind: models.TransportPassenger, State: models.RequestConfirmed})
	next := f.member(t, "next")
	f.request(t, models.TransportRequest{
		MemberID:         next.ID,
		Kind:             models.TransportPassenger,
		State:            models.RequestWaitlisted,
		WaitlistPosition: models.IntPtr(1),
	})

	out, err := f.svc.Cancel(context.Background(), f.token(t, rider.ID, models.PhaseWaiver))
	require.NoError(t, err)

	require.Len(t, out.Promoted, 1)
	assert.Equal(t, next.ID, out.Promoted[0].MemberID)
	assert.Zero(t, out.Remaining)
	assert.Equal(t, [][]int64{{next.ID}}, f.notifier.calls)
}

func TestCancel_DriverLeavesOverbooked(t *testing.T) {
	f := setup(t, models.PhaseWaiver)
	driver, _ := f.driver(t, 2)
	for _, name := range []string{"a", "b"} {
		m := f.member(t, name)
		f.request(t, models.TransportRequest{MemberID: m.ID, Kind: models.TransportPassenger, State: models.RequestConfirmed})
	}

	out, err := f.svc.Cancel(context.Background(), f.token(t, driver.ID, models.PhaseWaiver))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Overbooked)

	for _, r := range f.requests(t) {
		assert.Equal(t, models.RequestConfirmed, r.State, "confirmed passengers are never demoted")
	}
}

func TestCancel_NothingToCancel(t *testing.T) {
	f := setup(t, models.PhaseSignup)
	m := f.member(t, "ghost")

	_, err := f.svc.Cancel(context.Background(), f.token(t, m.ID, models.PhaseSignup))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
}

func TestChangeTransport(t *testing.T) {
	tests := []struct {
		name           string
		seats          int
		start          models.TransportRequest
		input          func(memberVehicle int64) models.TransportRequestInput
		wantKind       models.TransportKind
		wantState      models.RequestState
		wantPromoted   int
		wantOverbooked int
	}{
		{
			name:         "waitlisted passenger starts driving",
			seats:        3,
			start:        models.TransportRequest{Kind: models.TransportPassenger, State: models.RequestWaitlisted, WaitlistPosition: models.IntPtr(1)},
			input:        func(v int64) models.TransportRequestInput { return models.DriverInput{VehicleID: v} },
			wantKind:     models.TransportDriver,
			wantState:    models.RequestConfirmed,
			wantPromoted: 1,
		},
		{
			name:      "waitlisted passenger goes self",
			seats:     3,
			start:     models.TransportRequest{Kind: models.TransportPassenger, State: models.RequestWaitlisted, WaitlistPosition: models.IntPtr(1)},
			input:     func(int64) models.TransportRequestInput { return models.SelfInput{} },
			wantKind:  models.TransportSelf,
			wantState: models.RequestConfirmed,
		},
		{
			name:           "confirmed self becomes passenger",
			seats:          0,
			start:          models.TransportRequest{Kind: models.TransportSelf, State: models.RequestConfirmed},
			input:          func(int64) models.TransportRequestInput { return models.PassengerInput{} },
			wantKind:       models.TransportPassenger,
			wantState:      models.RequestConfirmed,
			wantOverbooked: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, models.PhaseWaiver)
			m := f.member(t, "subject")
			v, err := f.store.Seed().Vehicle(m.ID, tt.seats+1)
			require.NoError(t, err)
			start := tt.start
			start.MemberID = m.ID
			req := f.request(t, start)
			if tt.wantPromoted > 0 {
				other := f.member(t, "queued")
				f.request(t, models.TransportRequest{
					MemberID:         other.ID,
					Kind:             models.TransportPassenger,
					State:            models.RequestWaitlisted,
					WaitlistPosition: models.IntPtr(2),
				})
			}

			out, err := f.svc.ChangeTransport(context.Background(), req.ID, tt.input(v.ID))
			require.NoError(t, err)
			assert.Len(t, out.Promoted, tt.wantPromoted)
			assert.Equal(t, tt.wantOverbooked, out.Overbooked)

			for _, r := range f.requests(t) {
				if r.ID == req.ID {
					assert.Equal(t, tt.wantKind, r.Kind)
					assert.Equal(t, tt.wantState, r.State)
					assert.Nil(t, r.WaitlistPosition)
				}
			}
		})
	}
}

func TestChangeTransport_OutsideWaiver(t *testing.T) {
	f := setup(t, models.PhaseSignup)
	m := f.member(t, "early")
	req := f.request(t, models.TransportRequest{MemberID: m.ID, Kind: models.TransportSelf, State: models.RequestPending})

	_, err := f.svc.ChangeTransport(context.Background(), req.ID, models.PassengerInput{})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodePhaseMismatch))
}
