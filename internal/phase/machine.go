// Package phase owns the lifecycle of the single active hike.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"hike-coordinator/internal/allocation"
	"hike-coordinator/internal/common/clock"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/common/metrics"
	"hike-coordinator/internal/common/observability"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

var (
	ErrIllegalTransition = errors.New("illegal phase transition")
	ErrNoCandidates      = errors.New("no vote candidate trails")
)

// historyDepth is how many earlier hikes feed the allocator.
const historyDepth = 2

// IllegalTransitionError reports a transition that is not allowed from the
// hike's current phase. It unwraps to a StandardError carrying
// ErrIllegalTransition.
type IllegalTransitionError struct {
	HikeID    int64
	Current   models.Phase
	Attempted models.Phase
	Reason    string

	std *apperrors.StandardError
}

func newIllegalTransition(h models.Hike, to models.Phase, reason string) *IllegalTransitionError {
	std := apperrors.NewIllegalTransitionError(h.ID, h.Phase.String(), to.String()).WithCause(ErrIllegalTransition)
	std.Details = reason
	return &IllegalTransitionError{HikeID: h.ID, Current: h.Phase, Attempted: to, Reason: reason, std: std}
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("hike %d: illegal transition %s -> %s: %s", e.HikeID, e.Current, e.Attempted, e.Reason)
}

func (e *IllegalTransitionError) Unwrap() error {
	return e.std
}

type Machine struct {
	store     repository.Store
	clock     clock.Clock
	random    RandomSource
	publisher EventPublisher
	obs       *observability.Observability
	logger    logger.Logger
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option                         { return func(m *Machine) { m.clock = c } }
func WithRandom(r RandomSource) Option                       { return func(m *Machine) { m.random = r } }
func WithPublisher(p EventPublisher) Option                  { return func(m *Machine) { m.publisher = p } }
func WithObservability(o *observability.Observability) Option { return func(m *Machine) { m.obs = o } }

func NewMachine(store repository.Store, log logger.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		clock:  clock.Real{},
		random: NewUniformRandom(),
		logger: logger.Component(log, "phase"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Active returns the active hike.
func (m *Machine) Active(ctx context.Context) (models.Hike, error) {
	var h models.Hike
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		h, err = tx.Hikes().Active(ctx)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return models.Hike{}, apperrors.NewNoActiveHikeError().WithCause(err)
	}
	return h, err
}

type ScheduleInput struct {
	TrailID *int64
	// Candidates become the vote candidate trails when no trail is given.
	Candidates []int64
	VotingAt   time.Time
	SignupAt   time.Time
	WaiverAt   time.Time
	HikeAt     time.Time
}

func (in ScheduleInput) validate() error {
	if in.HikeAt.IsZero() || in.SignupAt.IsZero() || in.WaiverAt.IsZero() {
		return apperrors.NewValidationFailedError("signup, waiver and hike times are required")
	}
	if in.TrailID == nil {
		if in.VotingAt.IsZero() {
			return apperrors.NewValidationFailedError("voting time is required when no trail is chosen")
		}
		if len(in.Candidates) == 0 {
			return apperrors.NewValidationFailedError("vote candidates are required when no trail is chosen")
		}
		if in.SignupAt.Before(in.VotingAt) {
			return apperrors.NewValidationFailedError("signup must not open before voting")
		}
	}
	if in.WaiverAt.Before(in.SignupAt) || in.HikeAt.Before(in.WaiverAt) {
		return apperrors.NewValidationFailedError("phase times must be in order signup <= waiver <= hike")
	}
	return nil
}

// Schedule creates the next active hike in the none phase.
func (m *Machine) Schedule(ctx context.Context, in ScheduleInput) (models.Hike, error) {
	if err := in.validate(); err != nil {
		return models.Hike{}, err
	}

	var created models.Hike
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if in.TrailID != nil {
			if _, err := tx.Trails().Get(ctx, *in.TrailID); err != nil {
				return fmt.Errorf("trail %d: %w", *in.TrailID, err)
			}
		} else if err := tx.Trails().SetVoteCandidates(ctx, in.Candidates); err != nil {
			return fmt.Errorf("set vote candidates: %w", err)
		}

		var err error
		created, err = tx.Hikes().Create(ctx, models.Hike{
			TrailID:  in.TrailID,
			Status:   models.HikeStatusActive,
			Phase:    models.PhaseNone,
			VotingAt: in.VotingAt,
			SignupAt: in.SignupAt,
			WaiverAt: in.WaiverAt,
			HikeAt:   in.HikeAt,
		})
		return err
	})
	if err != nil {
		return models.Hike{}, err
	}

	m.logger.Info("Scheduled hike", map[string]interface{}{
		"hikeId": created.ID,
		"hikeAt": created.HikeAt,
	})
	return created, nil
}

func (m *Machine) StartVoting(ctx context.Context, hikeID int64) (models.Hike, error) {
	return m.Transition(ctx, hikeID, models.PhaseVoting)
}

func (m *Machine) OpenSignup(ctx context.Context, hikeID int64) (models.Hike, error) {
	return m.Transition(ctx, hikeID, models.PhaseSignup)
}

func (m *Machine) StartWaiver(ctx context.Context, hikeID int64) (models.Hike, error) {
	return m.Transition(ctx, hikeID, models.PhaseWaiver)
}

func (m *Machine) Complete(ctx context.Context, hikeID int64) (models.Hike, error) {
	return m.Transition(ctx, hikeID, models.PhaseCompleted)
}

// Transition moves the hike to `to` and runs that phase's entry work in the
// same transaction. On success a PhaseEntered event is published.
func (m *Machine) Transition(ctx context.Context, hikeID int64, to models.Phase) (models.Hike, error) {
	ctx, span := m.obs.StartSpan(ctx, "phase.transition",
		attribute.Int64("hike.id", hikeID),
		attribute.String("hike.phase.target", to.String()))
	defer span.End()

	started := time.Now()
	log := m.logger.WithFields(map[string]interface{}{"hikeId": hikeID, "target": to.String()})

	var (
		updated models.Hike
		alloc   *allocation.Result
		pending []models.TransportRequest
	)
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		h, err := tx.Hikes().Lock(ctx, hikeID)
		if err != nil {
			return fmt.Errorf("lock hike: %w", err)
		}

		if g := CheckTransition(h, to); !g.Allowed {
			return newIllegalTransition(h, to, g.Reason)
		}

		switch to {
		case models.PhaseSignup:
			if h.Phase == models.PhaseVoting {
				trailID, err := m.selectTrail(ctx, tx, h.ID)
				if err != nil {
					return err
				}
				h.TrailID = &trailID
			}
		case models.PhaseWaiver:
			res, reqs, err := m.allocate(ctx, tx, h)
			if err != nil {
				return err
			}
			alloc, pending = &res, reqs
		case models.PhaseCompleted:
			if err := m.purge(ctx, tx, h.ID); err != nil {
				return err
			}
		}

		if to == models.PhaseCompleted {
			h.Status = models.HikeStatusPast
			h.Phase = models.PhaseNone
		} else {
			h.Phase = to
		}
		h.CampaignCompleted = false

		if err := tx.Hikes().Update(ctx, h); err != nil {
			return fmt.Errorf("update hike: %w", err)
		}
		updated = h
		return nil
	})

	outcome := "success"
	if err != nil {
		err = classify(hikeID, err)
		outcome = string(apperrors.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.PhaseTransitions.WithLabelValues(to.String(), outcome).Inc()
	m.obs.RecordTransition(ctx, to.String(), outcome, time.Since(started))

	if err != nil {
		span.RecordError(err)
		log.Warn("Phase transition rejected", map[string]interface{}{"error": err.Error()})
		return models.Hike{}, err
	}

	if alloc != nil {
		recordAllocation(pending, *alloc)
		log.Info("Allocated transport", map[string]interface{}{
			"capacity":   alloc.Capacity,
			"confirmed":  len(alloc.Confirmed),
			"waitlisted": len(alloc.Waitlisted),
		})
	}
	log.Info("Phase entered", map[string]interface{}{"trailId": updated.TrailID})

	m.publish(ctx, PhaseEntered{HikeID: hikeID, Phase: to, At: m.clock.Now()})
	return updated, nil
}

func (m *Machine) publish(ctx context.Context, e PhaseEntered) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, e); err != nil {
		m.logger.Error("Failed to publish phase event", map[string]interface{}{
			"hikeId": e.HikeID,
			"phase":  e.Phase.String(),
			"error":  err.Error(),
		})
	}
}

// selectTrail picks the vote candidate with the most votes, breaking ties
// through the random source.
func (m *Machine) selectTrail(ctx context.Context, tx repository.Tx, hikeID int64) (int64, error) {
	candidates, err := tx.Trails().ListVoteCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list vote candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, apperrors.NewValidationFailedError("no vote candidate trails").WithCause(ErrNoCandidates)
	}

	tally, err := tx.Votes().Tally(ctx, hikeID)
	if err != nil {
		return 0, fmt.Errorf("tally votes: %w", err)
	}

	best := -1
	var tied []int64
	for _, c := range candidates {
		n := tally[c.ID]
		switch {
		case n > best:
			best, tied = n, []int64{c.ID}
		case n == best:
			tied = append(tied, c.ID)
		}
	}
	sort.Slice(tied, func(i, j int) bool { return tied[i] < tied[j] })

	chosen := tied[0]
	if len(tied) > 1 {
		chosen = m.random.Choice(tied)
	}

	if err := tx.Trails().ClearVoteCandidates(ctx); err != nil {
		return 0, fmt.Errorf("clear vote candidates: %w", err)
	}

	m.logger.Info("Selected trail", map[string]interface{}{
		"hikeId":  hikeID,
		"trailId": chosen,
		"votes":   best,
		"tied":    len(tied),
	})
	return chosen, nil
}

func (m *Machine) allocate(ctx context.Context, tx repository.Tx, h models.Hike) (allocation.Result, []models.TransportRequest, error) {
	pending, err := tx.Signups().ListByState(ctx, h.ID, models.RequestPending)
	if err != nil {
		return allocation.Result{}, nil, fmt.Errorf("list pending requests: %w", err)
	}

	seats, err := allocation.LoadSeats(ctx, tx.Vehicles(), pending)
	if err != nil {
		return allocation.Result{}, nil, err
	}

	previous, err := tx.Hikes().Previous(ctx, h.HikeAt, h.ID, historyDepth)
	if err != nil {
		return allocation.Result{}, nil, fmt.Errorf("load previous hikes: %w", err)
	}
	history := make([]allocation.Attendance, 0, len(previous))
	for _, p := range previous {
		// Attendance is a confirmed seat on that hike, not any signup row;
		// members left on the waitlist did not go.
		members, err := tx.Signups().ConfirmedMembers(ctx, p.ID)
		if err != nil {
			return allocation.Result{}, nil, fmt.Errorf("load attendance of hike %d: %w", p.ID, err)
		}
		history = append(history, allocation.NewAttendance(p.ID, members))
	}

	res := allocation.Allocate(allocation.Input{Pending: pending, Seats: seats, History: history})

	for _, id := range res.Confirmed {
		if err := tx.Signups().SetState(ctx, id, models.RequestPending, models.RequestConfirmed, nil); err != nil {
			return allocation.Result{}, nil, fmt.Errorf("confirm request %d: %w", id, err)
		}
	}
	for i, id := range res.Waitlisted {
		pos := i + 1
		if err := tx.Signups().SetState(ctx, id, models.RequestPending, models.RequestWaitlisted, &pos); err != nil {
			return allocation.Result{}, nil, fmt.Errorf("waitlist request %d: %w", id, err)
		}
	}
	return res, pending, nil
}

func (m *Machine) purge(ctx context.Context, tx repository.Tx, hikeID int64) error {
	tokens, err := tx.Tokens().DeleteByHike(ctx, hikeID)
	if err != nil {
		return fmt.Errorf("delete access tokens: %w", err)
	}
	votes, err := tx.Votes().DeleteByHike(ctx, hikeID)
	if err != nil {
		return fmt.Errorf("delete votes: %w", err)
	}
	m.logger.Debug("Purged hike credentials", map[string]interface{}{
		"hikeId": hikeID,
		"tokens": tokens,
		"votes":  votes,
	})
	return nil
}

// classify maps storage-level failures onto the error taxonomy.
func classify(hikeID int64, err error) error {
	var illegal *IllegalTransitionError
	switch {
	case errors.As(err, &illegal):
		return err
	case errors.Is(err, repository.ErrStale), errors.Is(err, repository.ErrConflict):
		return apperrors.NewAllocationConflictError(hikeID, err)
	case errors.Is(err, repository.ErrNotFound) && apperrors.CodeOf(err) == "":
		return apperrors.NewNoActiveHikeError().WithCause(err)
	}
	return err
}

func recordAllocation(pending []models.TransportRequest, res allocation.Result) {
	kind := make(map[int64]models.TransportKind, len(pending))
	for _, r := range pending {
		kind[r.ID] = r.Kind
	}
	for _, id := range res.Confirmed {
		metrics.AllocationOutcomes.WithLabelValues(string(kind[id]), string(models.RequestConfirmed)).Inc()
	}
	for _, id := range res.Waitlisted {
		metrics.AllocationOutcomes.WithLabelValues(string(kind[id]), string(models.RequestWaitlisted)).Inc()
	}
}
