// Package waitlist promotes waitlisted passengers when seats free up and keeps
// waitlist positions contiguous.
package waitlist

import (
	"context"
	"errors"
	"fmt"

	"hike-coordinator/internal/allocation"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/common/metrics"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

// Notifier tells promoted members they have a seat.
type Notifier interface {
	NotifyPromoted(ctx context.Context, hikeID int64, memberIDs []int64) error
}

type Outcome struct {
	HikeID   int64
	Promoted []models.TransportRequest
	// Remaining is the waitlist length after renumbering.
	Remaining int
	// Overbooked is how many confirmed passengers exceed capacity. Confirmed
	// passengers are never demoted automatically.
	Overbooked int
}

func (o Outcome) promotedMembers() []int64 {
	ids := make([]int64, 0, len(o.Promoted))
	for _, r := range o.Promoted {
		ids = append(ids, r.MemberID)
	}
	return ids
}

type Rebalancer struct {
	store    repository.Store
	notifier Notifier
	logger   logger.Logger
}

func NewRebalancer(store repository.Store, notifier Notifier, log logger.Logger) *Rebalancer {
	return &Rebalancer{
		store:    store,
		notifier: notifier,
		logger:   logger.Component(log, "waitlist"),
	}
}

// SetNotifier wires the notifier after construction, for the campaign
// service that itself depends on the store.
func (r *Rebalancer) SetNotifier(n Notifier) {
	r.notifier = n
}

// Promote confirms up to count waitlisted requests from the front of the
// waitlist and renumbers the rest. count == 0 only renumbers.
func (r *Rebalancer) Promote(ctx context.Context, hikeID int64, count int) (Outcome, error) {
	if count < 0 {
		return Outcome{}, apperrors.NewValidationFailedError("promotion count must not be negative")
	}
	return r.run(ctx, hikeID, "promote", func(ctx context.Context, tx repository.Tx, h models.Hike) (Outcome, error) {
		return r.PromoteTx(ctx, tx, h, count)
	})
}

// Reconcile promotes as many waitlisted passengers as there are free seats
// on confirmed drivers' vehicles.
func (r *Rebalancer) Reconcile(ctx context.Context, hikeID int64) (Outcome, error) {
	return r.run(ctx, hikeID, "reconcile", r.ReconcileTx)
}

// ManualConfirm confirms one waitlisted or pending request regardless of
// capacity, then renumbers.
func (r *Rebalancer) ManualConfirm(ctx context.Context, requestID int64) (Outcome, error) {
	var hikeID int64
	err := r.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := tx.Signups().Get(ctx, requestID)
		if err != nil {
			return err
		}
		hikeID = req.HikeID
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("load request %d: %w", requestID, err)
	}

	return r.run(ctx, hikeID, "manual", func(ctx context.Context, tx repository.Tx, h models.Hike) (Outcome, error) {
		req, err := tx.Signups().Get(ctx, requestID)
		if err != nil {
			return Outcome{}, fmt.Errorf("reload request %d: %w", requestID, err)
		}
		if req.State == models.RequestConfirmed {
			return r.renumber(ctx, tx, h.ID, Outcome{HikeID: h.ID})
		}
		if err := tx.Signups().SetState(ctx, req.ID, req.State, models.RequestConfirmed, nil); err != nil {
			return Outcome{}, fmt.Errorf("confirm request %d: %w", req.ID, err)
		}
		req.State, req.WaitlistPosition = models.RequestConfirmed, nil
		return r.renumber(ctx, tx, h.ID, Outcome{HikeID: h.ID, Promoted: []models.TransportRequest{req}})
	})
}

type step func(ctx context.Context, tx repository.Tx, h models.Hike) (Outcome, error)

// run holds the hike row lock for the whole step so promotions and
// renumbering never interleave, then notifies after commit.
func (r *Rebalancer) run(ctx context.Context, hikeID int64, trigger string, fn step) (Outcome, error) {
	var out Outcome
	err := r.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		h, err := tx.Hikes().Lock(ctx, hikeID)
		if err != nil {
			return fmt.Errorf("lock hike: %w", err)
		}
		if !h.Active() || h.Phase != models.PhaseWaiver {
			return apperrors.NewPhaseMismatchError(models.PhaseWaiver.String(), h.Phase.String())
		}
		out, err = fn(ctx, tx, h)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrStale) || errors.Is(err, repository.ErrConflict) {
			return Outcome{}, apperrors.NewAllocationConflictError(hikeID, err)
		}
		return Outcome{}, err
	}

	r.Notify(ctx, out, trigger)
	return out, nil
}

// Notify records and announces promotions. Callers that used PromoteTx or
// ReconcileTx call it after their transaction commits.
func (r *Rebalancer) Notify(ctx context.Context, out Outcome, trigger string) {
	if len(out.Promoted) == 0 {
		return
	}
	metrics.WaitlistPromotions.WithLabelValues(trigger).Add(float64(len(out.Promoted)))

	members := out.promotedMembers()
	r.logger.Info("Promoted waitlisted requests", map[string]interface{}{
		"hikeId":    out.HikeID,
		"trigger":   trigger,
		"members":   members,
		"remaining": out.Remaining,
	})

	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyPromoted(ctx, out.HikeID, members); err != nil {
		r.logger.Error("Failed to notify promoted members", map[string]interface{}{
			"hikeId": out.HikeID,
			"error":  err.Error(),
		})
	}
}

// PromoteTx runs inside a transaction that already holds the hike lock.
func (r *Rebalancer) PromoteTx(ctx context.Context, tx repository.Tx, h models.Hike, count int) (Outcome, error) {
	waitlisted, err := tx.Signups().ListByState(ctx, h.ID, models.RequestWaitlisted)
	if err != nil {
		return Outcome{}, fmt.Errorf("list waitlist: %w", err)
	}

	out := Outcome{HikeID: h.ID}
	for i := 0; i < count && i < len(waitlisted); i++ {
		req := waitlisted[i]
		if err := tx.Signups().SetState(ctx, req.ID, models.RequestWaitlisted, models.RequestConfirmed, nil); err != nil {
			return Outcome{}, fmt.Errorf("promote request %d: %w", req.ID, err)
		}
		req.State, req.WaitlistPosition = models.RequestConfirmed, nil
		out.Promoted = append(out.Promoted, req)
	}
	return r.renumber(ctx, tx, h.ID, out)
}

// ReconcileTx runs inside a transaction that already holds the hike lock.
func (r *Rebalancer) ReconcileTx(ctx context.Context, tx repository.Tx, h models.Hike) (Outcome, error) {
	confirmed, err := tx.Signups().ListByState(ctx, h.ID, models.RequestConfirmed)
	if err != nil {
		return Outcome{}, fmt.Errorf("list confirmed: %w", err)
	}

	seats, err := allocation.LoadSeats(ctx, tx.Vehicles(), confirmed)
	if err != nil {
		return Outcome{}, err
	}
	capacity := allocation.Capacity(confirmed, seats)
	passengers := 0
	for _, c := range confirmed {
		if c.Kind == models.TransportPassenger {
			passengers++
		}
	}

	free := capacity - passengers
	if free < 0 {
		r.logger.Warn("Confirmed passengers exceed capacity", map[string]interface{}{
			"hikeId":     h.ID,
			"capacity":   capacity,
			"passengers": passengers,
		})
		out, err := r.PromoteTx(ctx, tx, h, 0)
		out.Overbooked = -free
		return out, err
	}
	return r.PromoteTx(ctx, tx, h, free)
}

func (r *Rebalancer) renumber(ctx context.Context, tx repository.Tx, hikeID int64, out Outcome) (Outcome, error) {
	waitlisted, err := tx.Signups().ListByState(ctx, hikeID, models.RequestWaitlisted)
	if err != nil {
		return Outcome{}, fmt.Errorf("list waitlist: %w", err)
	}
	for i, req := range waitlisted {
		want := i + 1
		if req.Position() == want {
			continue
		}
		if err := tx.Signups().SetPosition(ctx, req.ID, want); err != nil {
			return Outcome{}, fmt.Errorf("renumber request %d: %w", req.ID, err)
		}
	}
	out.Remaining = len(waitlisted)
	return out, nil
}

