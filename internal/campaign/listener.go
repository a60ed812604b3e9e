package campaign

import (
	"context"

	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/phase"
)

// Listener starts the phase campaign when a notifiable phase is entered.
// Wire it as a phase.EventPublisher for in-process operation.
type Listener struct {
	service *Service
	logger  logger.Logger
}

func NewListener(s *Service, log logger.Logger) *Listener {
	return &Listener{service: s, logger: logger.Component(log, "campaign-listener")}
}

func (l *Listener) Publish(ctx context.Context, e phase.PhaseEntered) error {
	if !e.Phase.Notifiable() {
		return nil
	}
	_, err := l.service.Start(ctx, e.HikeID, e.Phase)
	if apperrors.Is(err, apperrors.ErrCodeCampaignAlreadyCompleted) {
		l.logger.Info("Campaign already completed for phase", map[string]interface{}{
			"hikeId": e.HikeID,
			"phase":  e.Phase.String(),
		})
		return nil
	}
	return err
}

var _ phase.EventPublisher = (*Listener)(nil)
