// Package signup implements the member actions reachable from email links
// (voting, registering, cancelling) and the admin transport change.
package signup

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"hike-coordinator/internal/common/clock"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/common/metrics"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
	"hike-coordinator/internal/tokens"
	"hike-coordinator/internal/waitlist"
)

type Service struct {
	store      repository.Store
	tokens     *tokens.Store
	rebalancer *waitlist.Rebalancer
	clock      clock.Clock
	logger     logger.Logger
}

func NewService(store repository.Store, tok *tokens.Store, rb *waitlist.Rebalancer, clk clock.Clock, log logger.Logger) *Service {
	return &Service{
		store:      store,
		tokens:     tok,
		rebalancer: rb,
		clock:      clk,
		logger:     logger.Component(log, "signup"),
	}
}

// CastVote records or replaces the member's vote for a candidate trail.
func (s *Service) CastVote(ctx context.Context, token string, trailID int64) (err error) {
	defer observe("vote", &err)

	v, err := s.authorize(ctx, token, models.PhaseVoting)
	if err != nil {
		return err
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := lockPhase(ctx, tx, v.Token.HikeID, models.PhaseVoting); err != nil {
			return err
		}
		trail, err := tx.Trails().Get(ctx, trailID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NewValidationFailedError(fmt.Sprintf("unknown trail %d", trailID))
		}
		if err != nil {
			return fmt.Errorf("load trail: %w", err)
		}
		if !trail.VoteCandidate {
			return apperrors.NewValidationFailedError(fmt.Sprintf("trail %d is not on the ballot", trailID))
		}
		return tx.Votes().Upsert(ctx, models.VoteRecord{
			MemberID: v.Token.MemberID,
			HikeID:   v.Token.HikeID,
			TrailID:  trailID,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("Vote recorded", map[string]interface{}{
		"hikeId":   v.Token.HikeID,
		"memberId": v.Token.MemberID,
		"trailId":  trailID,
	})
	return nil
}

// Register creates the member's pending transport request.
func (s *Service) Register(ctx context.Context, token string, in models.TransportRequestInput) (req models.TransportRequest, err error) {
	defer observe("register", &err)

	v, err := s.authorize(ctx, token, models.PhaseSignup)
	if err != nil {
		return models.TransportRequest{}, err
	}
	memberID, hikeID := v.Token.MemberID, v.Token.HikeID

	err = s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := lockPhase(ctx, tx, hikeID, models.PhaseSignup); err != nil {
			return err
		}
		if err := checkVehicle(ctx, tx, memberID, in); err != nil {
			return err
		}

		draft := models.TransportRequest{
			HikeID:    hikeID,
			MemberID:  memberID,
			Kind:      in.Kind(),
			State:     models.RequestPending,
			VehicleID: in.Vehicle(),
			SignupAt:  s.clock.Now(),
		}
		if err := draft.Validate(); err != nil {
			return apperrors.NewValidationFailedError(err.Error())
		}

		created, err := tx.Signups().Create(ctx, draft)
		if errors.Is(err, repository.ErrDuplicate) {
			return apperrors.NewAlreadySignedUpError(hikeID, memberID)
		}
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req = created
		return nil
	})
	if err != nil {
		return models.TransportRequest{}, err
	}

	s.logger.Info("Member signed up", map[string]interface{}{
		"hikeId":    hikeID,
		"memberId":  memberID,
		"kind":      string(req.Kind),
		"requestId": req.ID,
	})
	return req, nil
}

// Cancel withdraws the member from the hike. During waiver the freed seat,
// or the lost vehicle, is reconciled against the waitlist before commit.
func (s *Service) Cancel(ctx context.Context, token string) (out waitlist.Outcome, err error) {
	defer observe("cancel", &err)

	v, err := s.authorize(ctx, token, models.PhaseSignup, models.PhaseWaiver)
	if err != nil {
		return waitlist.Outcome{}, err
	}
	memberID, hikeID := v.Token.MemberID, v.Token.HikeID

	var cancelled models.TransportRequest
	err = s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		h, err := lockPhase(ctx, tx, hikeID, v.Token.Phase)
		if err != nil {
			return err
		}

		cancelled, err = tx.Signups().GetByMember(ctx, hikeID, memberID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NewValidationFailedError("no signup to cancel")
		}
		if err != nil {
			return fmt.Errorf("load request: %w", err)
		}
		if err := tx.Signups().Delete(ctx, cancelled.ID); err != nil {
			return fmt.Errorf("delete request %d: %w", cancelled.ID, err)
		}
		if _, err := tx.Tokens().DeleteByMember(ctx, memberID, hikeID); err != nil {
			return fmt.Errorf("delete tokens: %w", err)
		}

		out = waitlist.Outcome{HikeID: hikeID}
		if h.Phase == models.PhaseWaiver {
			out, err = s.rebalancer.ReconcileTx(ctx, tx, h)
		}
		return err
	})
	if err != nil {
		return waitlist.Outcome{}, conflict(hikeID, err)
	}

	s.logger.Info("Member cancelled", map[string]interface{}{
		"hikeId":   hikeID,
		"memberId": memberID,
		"kind":     string(cancelled.Kind),
		"state":    string(cancelled.State),
		"promoted": len(out.Promoted),
	})
	s.rebalancer.Notify(ctx, out, "cancel")
	return out, nil
}

// ChangeTransport is the admin edit of a request during waiver. A waitlisted
// passenger who switches to driving or self transport is confirmed.
func (s *Service) ChangeTransport(ctx context.Context, requestID int64, in models.TransportRequestInput) (waitlist.Outcome, error) {
	var (
		out    waitlist.Outcome
		hikeID int64
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := tx.Signups().Get(ctx, requestID)
		if err != nil {
			return fmt.Errorf("load request %d: %w", requestID, err)
		}
		hikeID = req.HikeID

		h, err := lockPhase(ctx, tx, req.HikeID, models.PhaseWaiver)
		if err != nil {
			return err
		}
		if err := checkVehicle(ctx, tx, req.MemberID, in); err != nil {
			return err
		}

		if err := tx.Signups().UpdateTransport(ctx, req.ID, in.Kind(), in.Vehicle()); err != nil {
			return fmt.Errorf("update request %d: %w", req.ID, err)
		}
		if req.State == models.RequestWaitlisted && in.Kind() != models.TransportPassenger {
			if err := tx.Signups().SetState(ctx, req.ID, models.RequestWaitlisted, models.RequestConfirmed, nil); err != nil {
				return fmt.Errorf("confirm request %d: %w", req.ID, err)
			}
		}

		out, err = s.rebalancer.ReconcileTx(ctx, tx, h)
		return err
	})
	if err != nil {
		return waitlist.Outcome{}, conflict(hikeID, err)
	}

	s.logger.Info("Transport changed", map[string]interface{}{
		"hikeId":    hikeID,
		"requestId": requestID,
		"kind":      string(in.Kind()),
	})
	s.rebalancer.Notify(ctx, out, "transport-change")
	return out, nil
}

// authorize validates the token in its own transaction so the use is counted
// even when the action itself is rejected.
func (s *Service) authorize(ctx context.Context, token string, allowed ...models.Phase) (tokens.Validation, error) {
	v, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return v, err
	}
	if err := v.Err(); err != nil {
		return v, err
	}
	if !slices.Contains(allowed, v.Token.Phase) {
		return v, apperrors.NewPhaseMismatchError(allowed[0].String(), v.Token.Phase.String())
	}
	return v, nil
}

// lockPhase locks the hike and re-checks its phase, which may have moved on
// since the token was validated.
func lockPhase(ctx context.Context, tx repository.Tx, hikeID int64, want models.Phase) (models.Hike, error) {
	h, err := tx.Hikes().Lock(ctx, hikeID)
	if err != nil {
		return models.Hike{}, fmt.Errorf("lock hike: %w", err)
	}
	if !h.Active() || h.Phase != want {
		return models.Hike{}, apperrors.NewPhaseMismatchError(want.String(), h.Phase.String())
	}
	return h, nil
}

func checkVehicle(ctx context.Context, tx repository.Tx, memberID int64, in models.TransportRequestInput) error {
	if in == nil {
		return apperrors.NewValidationFailedError("transport choice is required")
	}
	if in.Kind() != models.TransportDriver {
		return nil
	}
	vehicleID := *in.Vehicle()
	v, err := tx.Vehicles().Get(ctx, vehicleID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && v.MemberID != memberID) {
		return apperrors.NewValidationFailedError(fmt.Sprintf("vehicle %d does not belong to member %d", vehicleID, memberID))
	}
	if err != nil {
		return fmt.Errorf("load vehicle: %w", err)
	}
	return nil
}

func conflict(hikeID int64, err error) error {
	if errors.Is(err, repository.ErrStale) || errors.Is(err, repository.ErrConflict) {
		return apperrors.NewAllocationConflictError(hikeID, err)
	}
	return err
}

func observe(action string, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = string(apperrors.CodeOf(*err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.MemberActions.WithLabelValues(action, outcome).Inc()
}
