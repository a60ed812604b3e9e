package phase

import (
	"context"
	"errors"
	"time"

	"hike-coordinator/internal/common/clock"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"
)

// Scheduler advances the active hike when its phase boundary times pass.
// Completion waits until the reset window after the hike date has elapsed.
type Scheduler struct {
	machine     *Machine
	clock       clock.Clock
	interval    time.Duration
	resetWindow time.Duration
	logger      logger.Logger
}

func NewScheduler(m *Machine, clk clock.Clock, interval, resetWindow time.Duration, log logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		machine:     m,
		clock:       clk,
		interval:    interval,
		resetWindow: resetWindow,
		logger:      logger.Component(log, "phase-scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Phase scheduler started", map[string]interface{}{
		"interval":    s.interval.String(),
		"resetWindow": s.resetWindow.String(),
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Phase scheduler tick failed", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Phase scheduler stopped", nil)
			return
		case <-ticker.C:
		}
	}
}

// DueAt returns when h may move to next.
func (s *Scheduler) DueAt(h models.Hike, next models.Phase) time.Time {
	switch next {
	case models.PhaseVoting:
		return h.VotingAt
	case models.PhaseSignup:
		return h.SignupAt
	case models.PhaseWaiver:
		return h.WaiverAt
	default:
		return h.HikeAt.Add(s.resetWindow)
	}
}

// Tick performs at most one transition and reports the phase entered.
func (s *Scheduler) Tick(ctx context.Context) (models.Phase, error) {
	h, err := s.machine.Active(ctx)
	if apperrors.Is(err, apperrors.ErrCodeNoActiveHike) {
		return models.PhaseNone, nil
	}
	if err != nil {
		return models.PhaseNone, err
	}

	next, ok := Next(h)
	if !ok {
		return models.PhaseNone, nil
	}
	due := s.DueAt(h, next)
	if due.IsZero() || s.clock.Now().Before(due) {
		return models.PhaseNone, nil
	}

	if _, err := s.machine.Transition(ctx, h.ID, next); err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			s.logger.Warn("Scheduled transition not applicable", map[string]interface{}{
				"hikeId": h.ID,
				"target": next.String(),
				"error":  err.Error(),
			})
			return models.PhaseNone, nil
		}
		return models.PhaseNone, err
	}
	return next, nil
}
