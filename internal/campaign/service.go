// Package campaign creates notification campaigns: one access token and one
// pending job per recipient, handed to the dispatcher through a queue.
package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"hike-coordinator/internal/common/clock"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/common/metrics"
	"hike-coordinator/internal/common/observability"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
	"hike-coordinator/internal/tokens"
)

// Enqueuer hands a committed campaign to the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, campaignID uuid.UUID) error
}

type Service struct {
	store  repository.Store
	tokens *tokens.Store
	queue  Enqueuer
	clock  clock.Clock
	obs    *observability.Observability
	logger logger.Logger
	newID  func() uuid.UUID
}

func NewService(store repository.Store, tok *tokens.Store, queue Enqueuer, clk clock.Clock, obs *observability.Observability, log logger.Logger) *Service {
	return &Service{
		store:  store,
		tokens: tok,
		queue:  queue,
		clock:  clk,
		obs:    obs,
		logger: logger.Component(log, "campaign"),
		newID:  uuid.New,
	}
}

// Start creates the phase campaign for the hike. Pending jobs of earlier
// phase campaigns are dropped so only the newest campaign is dispatched. If
// the phase campaign already exists and is incomplete its id is returned and
// nothing is created or enqueued.
func (s *Service) Start(ctx context.Context, hikeID int64, phase models.Phase) (uuid.UUID, error) {
	if !phase.Notifiable() {
		return uuid.Nil, apperrors.NewValidationFailedError(fmt.Sprintf("phase %s has no campaign", phase))
	}

	ctx, span := s.obs.StartSpan(ctx, "campaign.start",
		attribute.Int64("hike.id", hikeID),
		attribute.String("hike.phase", phase.String()))
	defer span.End()

	var (
		c       models.Campaign
		running bool
		created int
		dropped int64
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		h, err := s.lockHike(ctx, tx, hikeID, phase)
		if err != nil {
			return err
		}
		if h.CampaignCompleted {
			return apperrors.NewCampaignAlreadyCompletedError(h.ID, phase.String())
		}

		// A second start for the same phase joins the campaign in flight;
		// replacing it would revoke the links it already sent.
		latest, err := tx.Campaigns().Latest(ctx, h.ID)
		switch {
		case err == nil && latest.Phase == phase && latest.CompletedAt == nil:
			c, running = latest, true
			return nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("load latest campaign: %w", err)
		}

		recipients, err := s.recipients(ctx, tx, h)
		if err != nil {
			return err
		}

		c = models.Campaign{ID: s.newID(), HikeID: h.ID, Phase: phase, CreatedAt: s.clock.Now()}
		if err := tx.Campaigns().Create(ctx, c); err != nil {
			return fmt.Errorf("create campaign: %w", err)
		}
		if dropped, err = tx.Campaigns().DeletePendingJobs(ctx, h.ID); err != nil {
			return fmt.Errorf("drop superseded jobs: %w", err)
		}

		for _, memberID := range recipients {
			if err := s.addJob(ctx, tx, c, memberID); err != nil {
				return err
			}
		}
		created = len(recipients)
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	if running {
		s.logger.Info("Campaign already running for phase", map[string]interface{}{
			"campaignId": c.ID.String(),
			"hikeId":     hikeID,
			"phase":      phase.String(),
		})
		return c.ID, nil
	}

	metrics.CampaignsStarted.WithLabelValues(phase.String(), "false").Inc()
	s.logger.Info("Campaign created", map[string]interface{}{
		"campaignId": c.ID.String(),
		"hikeId":     hikeID,
		"phase":      phase.String(),
		"jobs":       created,
		"superseded": dropped,
	})

	return c.ID, s.enqueue(ctx, c.ID)
}

// Resend issues a fresh token to one member for the hike's current phase and
// sends it through its own single-job campaign.
func (s *Service) Resend(ctx context.Context, hikeID, memberID int64) (uuid.UUID, error) {
	var c models.Campaign
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		h, err := tx.Hikes().Lock(ctx, hikeID)
		if err != nil {
			return fmt.Errorf("lock hike: %w", err)
		}
		if !h.Active() || !h.Phase.Notifiable() {
			return apperrors.NewPhaseMismatchError("voting, signup or waiver", h.Phase.String())
		}
		if _, err := tx.Members().Get(ctx, memberID); err != nil {
			return fmt.Errorf("member %d: %w", memberID, err)
		}
		if h.Phase == models.PhaseWaiver {
			req, err := tx.Signups().GetByMember(ctx, h.ID, memberID)
			if errors.Is(err, repository.ErrNotFound) || (err == nil && req.State != models.RequestConfirmed) {
				return apperrors.NewValidationFailedError(fmt.Sprintf("member %d has no confirmed seat", memberID))
			}
			if err != nil {
				return fmt.Errorf("load request: %w", err)
			}
		}

		c, err = s.resendTx(ctx, tx, h, memberID)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("Resend campaign created", map[string]interface{}{
		"campaignId": c.ID.String(),
		"hikeId":     hikeID,
		"memberId":   memberID,
		"phase":      c.Phase.String(),
	})
	return c.ID, s.enqueue(ctx, c.ID)
}

// NotifyPromoted sends each promoted member their waiver link.
func (s *Service) NotifyPromoted(ctx context.Context, hikeID int64, memberIDs []int64) error {
	if len(memberIDs) == 0 {
		return nil
	}

	var ids []uuid.UUID
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		h, err := s.lockHike(ctx, tx, hikeID, models.PhaseWaiver)
		if err != nil {
			return err
		}
		for _, memberID := range memberIDs {
			c, err := s.resendTx(ctx, tx, h, memberID)
			if err != nil {
				return err
			}
			ids = append(ids, c.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		errs = append(errs, s.enqueue(ctx, id))
	}
	return errors.Join(errs...)
}

func (s *Service) resendTx(ctx context.Context, tx repository.Tx, h models.Hike, memberID int64) (models.Campaign, error) {
	c := models.Campaign{ID: s.newID(), HikeID: h.ID, Phase: h.Phase, Resend: true, CreatedAt: s.clock.Now()}
	if err := tx.Campaigns().Create(ctx, c); err != nil {
		return models.Campaign{}, fmt.Errorf("create resend campaign: %w", err)
	}
	// Queued jobs still carry the token about to be replaced.
	if _, err := tx.Campaigns().DeleteMemberPendingJobs(ctx, h.ID, memberID); err != nil {
		return models.Campaign{}, fmt.Errorf("drop stale jobs for member %d: %w", memberID, err)
	}
	if err := s.addJob(ctx, tx, c, memberID); err != nil {
		return models.Campaign{}, err
	}
	metrics.CampaignsStarted.WithLabelValues(h.Phase.String(), "true").Inc()
	return c, nil
}

func (s *Service) lockHike(ctx context.Context, tx repository.Tx, hikeID int64, phase models.Phase) (models.Hike, error) {
	h, err := tx.Hikes().Lock(ctx, hikeID)
	if err != nil {
		return models.Hike{}, fmt.Errorf("lock hike: %w", err)
	}
	if !h.Active() || h.Phase != phase {
		return models.Hike{}, apperrors.NewPhaseMismatchError(phase.String(), h.Phase.String())
	}
	return h, nil
}

// recipients is every member for voting and signup, and the members holding
// a confirmed request for waiver.
func (s *Service) recipients(ctx context.Context, tx repository.Tx, h models.Hike) ([]int64, error) {
	if h.Phase == models.PhaseWaiver {
		ids, err := tx.Signups().ConfirmedMembers(ctx, h.ID)
		if err != nil {
			return nil, fmt.Errorf("list confirmed members: %w", err)
		}
		return ids, nil
	}

	members, err := tx.Members().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *Service) addJob(ctx context.Context, tx repository.Tx, c models.Campaign, memberID int64) error {
	token, err := s.tokens.Issue(ctx, tx, memberID, c.HikeID, c.Phase)
	if err != nil {
		return fmt.Errorf("issue token for member %d: %w", memberID, err)
	}
	_, err = tx.Campaigns().CreateJob(ctx, models.NotificationJob{
		CampaignID: c.ID,
		MemberID:   memberID,
		Token:      token,
		Status:     models.JobPending,
	})
	if err != nil {
		return fmt.Errorf("create job for member %d: %w", memberID, err)
	}
	return nil
}

// enqueue failures leave the campaign incomplete; the dispatcher picks it up
// again on recovery.
func (s *Service) enqueue(ctx context.Context, id uuid.UUID) error {
	if s.queue == nil {
		return nil
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		s.logger.Error("Failed to enqueue campaign", map[string]interface{}{
			"campaignId": id.String(),
			"error":      err.Error(),
		})
		return apperrors.NewQueueError("enqueue", err).WithMetadata("campaignId", id.String())
	}
	return nil
}
