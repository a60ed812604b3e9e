// Package dispatch delivers campaign jobs in bounded batches over one
// transport session per batch, retrying failed jobs on later passes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"hike-coordinator/internal/common/clock"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/common/metrics"
	"hike-coordinator/internal/common/observability"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

// ErrSuperseded is returned by RunCampaign when a newer campaign or a phase
// change made the campaign obsolete. Its pending jobs are left in place.
var ErrSuperseded = errors.New("campaign superseded")

type Config struct {
	BatchSize   int
	MaxAttempts int
	BatchPause  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	return c
}

type Dispatcher struct {
	store     repository.Store
	renderer  Renderer
	transport Transport
	queue     Queue
	cfg       Config
	clock     clock.Clock
	auditor   Auditor
	obs       *observability.Observability
	logger    logger.Logger
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option                         { return func(d *Dispatcher) { d.clock = c } }
func WithAuditor(a Auditor) Option                           { return func(d *Dispatcher) { d.auditor = a } }
func WithObservability(o *observability.Observability) Option { return func(d *Dispatcher) { d.obs = o } }

func NewDispatcher(store repository.Store, r Renderer, t Transport, q Queue, cfg Config, log logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		renderer:  r,
		transport: t,
		queue:     q,
		cfg:       cfg.withDefaults(),
		clock:     clock.Real{},
		logger:    logger.Component(log, "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run recovers incomplete campaigns and then processes queued campaigns
// until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started", map[string]interface{}{
		"batchSize":   d.cfg.BatchSize,
		"maxAttempts": d.cfg.MaxAttempts,
		"batchPause":  d.cfg.BatchPause.String(),
	})

	// Recovery feeds the same queue this loop drains, so it must not run
	// on this goroutine.
	recovered := make(chan struct{})
	go func() {
		defer close(recovered)
		if err := d.Recover(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Failed to recover incomplete campaigns", map[string]interface{}{"error": err.Error()})
		}
	}()
	defer func() { <-recovered }()

	for {
		id, err := d.queue.Dequeue(ctx)
		if ctx.Err() != nil {
			d.logger.Info("Dispatcher stopped", nil)
			return nil
		}
		if err != nil {
			d.logger.Error("Failed to dequeue campaign", map[string]interface{}{"error": err.Error()})
			if !d.pause(ctx, time.Second) {
				return nil
			}
			continue
		}

		if err := d.RunCampaign(ctx, id); err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
			d.logger.Error("Campaign run failed", map[string]interface{}{
				"campaignId": id.String(),
				"error":      err.Error(),
			})
		}
	}
}

// Recover re-enqueues campaigns that were never completed, oldest first.
// Superseded campaigns stay incomplete forever and are skipped.
func (d *Dispatcher) Recover(ctx context.Context) error {
	var (
		live    []models.Campaign
		skipped int
	)
	err := d.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		incomplete, err := tx.Campaigns().ListIncomplete(ctx)
		if err != nil {
			return fmt.Errorf("list incomplete campaigns: %w", err)
		}
		for _, c := range incomplete {
			_, err := currentTx(ctx, tx, c, false)
			if errors.Is(err, ErrSuperseded) {
				skipped++
				continue
			}
			if err != nil {
				return err
			}
			live = append(live, c)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range live {
		if err := d.queue.Enqueue(ctx, c.ID); err != nil {
			return err
		}
	}
	if len(live) > 0 || skipped > 0 {
		d.logger.Info("Re-enqueued incomplete campaigns", map[string]interface{}{
			"count":      len(live),
			"superseded": skipped,
		})
	}
	return nil
}

// RunCampaign makes passes over the campaign's pending jobs until none are
// left, then marks the campaign complete.
func (d *Dispatcher) RunCampaign(ctx context.Context, id uuid.UUID) error {
	ctx, span := d.obs.StartSpan(ctx, "dispatch.campaign", attribute.String("campaign.id", id.String()))
	defer span.End()

	metrics.CampaignsActive.Inc()
	defer metrics.CampaignsActive.Dec()

	started := d.clock.Now()
	c, err := d.loadCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.CompletedAt != nil {
		return nil
	}

	log := d.logger.WithFields(map[string]interface{}{
		"campaignId": c.ID.String(),
		"hikeId":     c.HikeID,
		"phase":      c.Phase.String(),
	})

	outcome := "completed"
	defer func() {
		d.obs.RecordCampaign(ctx, c.Phase.String(), outcome, d.clock.Now().Sub(started))
	}()

	first := true
	for pass := 1; ; pass++ {
		var cursor int64
		seen := 0
		for {
			if !first && !d.pause(ctx, d.cfg.BatchPause) {
				outcome = "cancelled"
				return ctx.Err()
			}
			first = false

			h, err := d.current(ctx, c)
			if errors.Is(err, ErrSuperseded) {
				outcome = "superseded"
				log.Info("Campaign superseded, leaving pending jobs", map[string]interface{}{"pass": pass})
				return err
			}
			if err != nil {
				outcome = "error"
				return err
			}

			jobs, err := d.pendingJobs(ctx, c.ID, cursor)
			if err != nil {
				outcome = "error"
				return err
			}
			if len(jobs) == 0 {
				break
			}

			if err := d.runBatch(ctx, c, h, jobs); err != nil {
				outcome = "error"
				return err
			}
			cursor = jobs[len(jobs)-1].ID
			seen += len(jobs)
		}

		if seen == 0 {
			break
		}
		log.Debug("Dispatch pass finished", map[string]interface{}{"pass": pass, "jobs": seen})
	}

	if err := d.complete(ctx, c); err != nil {
		if errors.Is(err, ErrSuperseded) {
			outcome = "superseded"
		} else {
			outcome = "error"
		}
		return err
	}

	var counts models.JobCounts
	_ = d.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		counts, err = tx.Campaigns().CountJobs(ctx, c.ID)
		return err
	})
	log.Info("Campaign completed", map[string]interface{}{
		"sent":   counts.Sent,
		"failed": counts.Failed,
	})
	return nil
}

func (d *Dispatcher) loadCampaign(ctx context.Context, id uuid.UUID) (models.Campaign, error) {
	var c models.Campaign
	err := d.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		c, err = tx.Campaigns().Get(ctx, id)
		return err
	})
	if err != nil {
		return models.Campaign{}, fmt.Errorf("load campaign %s: %w", id, err)
	}
	return c, nil
}

func (d *Dispatcher) pendingJobs(ctx context.Context, id uuid.UUID, after int64) ([]models.NotificationJob, error) {
	var jobs []models.NotificationJob
	err := d.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		jobs, err = tx.Campaigns().PendingJobs(ctx, id, after, d.cfg.BatchSize)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pending jobs: %w", err)
	}
	return jobs, nil
}

// current returns the hike when the campaign may still send.
func (d *Dispatcher) current(ctx context.Context, c models.Campaign) (models.Hike, error) {
	var h models.Hike
	err := d.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		h, err = currentTx(ctx, tx, c, false)
		return err
	})
	return h, err
}

func currentTx(ctx context.Context, tx repository.Tx, c models.Campaign, lock bool) (models.Hike, error) {
	get := tx.Hikes().Get
	if lock {
		get = tx.Hikes().Lock
	}
	h, err := get(ctx, c.HikeID)
	if errors.Is(err, repository.ErrNotFound) {
		return models.Hike{}, ErrSuperseded
	}
	if err != nil {
		return models.Hike{}, fmt.Errorf("load hike: %w", err)
	}
	if !h.Active() || h.Phase != c.Phase {
		return models.Hike{}, ErrSuperseded
	}
	if c.Resend {
		return h, nil
	}

	latest, err := tx.Campaigns().Latest(ctx, h.ID)
	if err != nil {
		return models.Hike{}, fmt.Errorf("load latest campaign: %w", err)
	}
	if latest.ID != c.ID {
		return models.Hike{}, ErrSuperseded
	}
	return h, nil
}

// complete stamps the campaign and, for a phase campaign, the hike's flag.
// Both happen under the hike lock so a concurrent transition either sees the
// flag or supersedes the campaign first.
func (d *Dispatcher) complete(ctx context.Context, c models.Campaign) error {
	return d.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		h, err := currentTx(ctx, tx, c, true)
		if err != nil {
			return err
		}
		if err := tx.Campaigns().MarkCompleted(ctx, c.ID, d.clock.Now()); err != nil {
			return fmt.Errorf("mark campaign complete: %w", err)
		}
		if c.Resend {
			return nil
		}
		h.CampaignCompleted = true
		if err := tx.Hikes().Update(ctx, h); err != nil {
			return fmt.Errorf("flag hike campaign complete: %w", err)
		}
		return nil
	})
}

func (d *Dispatcher) runBatch(ctx context.Context, c models.Campaign, h models.Hike, jobs []models.NotificationJob) error {
	started := time.Now()
	defer func() {
		metrics.BatchDuration.WithLabelValues(c.Phase.String()).Observe(time.Since(started).Seconds())
	}()

	recipients, err := d.recipients(ctx, c, h, jobs)
	if err != nil {
		return err
	}

	session, err := d.transport.Open(ctx)
	if err != nil {
		d.logger.Warn("Failed to open transport session", map[string]interface{}{
			"campaignId": c.ID.String(),
			"jobs":       len(jobs),
			"error":      err.Error(),
		})
		for _, job := range jobs {
			if err := d.record(ctx, c, job, fmt.Errorf("open session: %w", err)); err != nil {
				return err
			}
		}
		return nil
	}
	defer func() {
		if err := session.Close(); err != nil {
			d.logger.Warn("Failed to close transport session", map[string]interface{}{"error": err.Error()})
		}
	}()

	for _, job := range jobs {
		sendErr := d.deliver(ctx, session, c, job, recipients)
		if err := d.record(ctx, c, job, sendErr); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, s Session, c models.Campaign, job models.NotificationJob, recipients map[int64]RecipientContext) error {
	rc, ok := recipients[job.MemberID]
	if !ok {
		return fmt.Errorf("member %d not found", job.MemberID)
	}
	rc.Token = job.Token

	msg, err := d.renderer.Render(c.Phase, rc)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if msg.To == "" {
		msg.To = rc.Member.Email
	}
	if err := s.Send(ctx, msg); err != nil {
		return apperrors.NewDeliveryFailureError(msg.To, err)
	}
	return nil
}

// record applies one attempt's outcome to the job. Jobs that vanished were
// cleared by a newer campaign and are skipped.
func (d *Dispatcher) record(ctx context.Context, c models.Campaign, job models.NotificationJob, sendErr error) error {
	job.Attempts++
	if sendErr == nil {
		now := d.clock.Now()
		job.Status = models.JobSent
		job.SentAt = &now
		job.LastError = ""
	} else {
		job.LastError = sendErr.Error()
		if job.Attempts >= d.cfg.MaxAttempts {
			job.Status = models.JobFailed
		}
	}

	err := d.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Campaigns().UpdateJob(ctx, job)
	})
	if errors.Is(err, repository.ErrNotFound) {
		d.logger.Debug("Job removed while in flight", map[string]interface{}{"jobId": job.ID})
		return nil
	}
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}

	phase := c.Phase.String()
	switch job.Status {
	case models.JobSent:
		metrics.DeliveryAttempts.WithLabelValues("success").Inc()
		metrics.NotificationsSent.WithLabelValues(phase).Inc()
	case models.JobFailed:
		metrics.DeliveryAttempts.WithLabelValues("failure").Inc()
		metrics.NotificationsFailed.WithLabelValues(phase).Inc()
		d.logger.Warn("Notification failed permanently", map[string]interface{}{
			"campaignId": c.ID.String(),
			"jobId":      job.ID,
			"memberId":   job.MemberID,
			"attempts":   job.Attempts,
			"error":      sendErr,
		})
	default:
		metrics.DeliveryAttempts.WithLabelValues("failure").Inc()
		d.logger.Debug("Notification attempt failed, will retry", map[string]interface{}{
			"jobId":    job.ID,
			"attempts": job.Attempts,
			"error":    sendErr,
		})
	}

	if job.Status != models.JobPending {
		d.obs.RecordJobTerminal(ctx, string(job.Status))
		d.audit(ctx, c, job)
	}
	return nil
}

func (d *Dispatcher) audit(ctx context.Context, c models.Campaign, job models.NotificationJob) {
	if d.auditor == nil {
		return
	}
	rec := AuditRecord{
		CampaignID: c.ID,
		JobID:      job.ID,
		HikeID:     c.HikeID,
		MemberID:   job.MemberID,
		Phase:      c.Phase.String(),
		Resend:     c.Resend,
		Status:     job.Status,
		Attempts:   job.Attempts,
		LastError:  job.LastError,
		At:         d.clock.Now(),
	}
	if err := d.auditor.Record(ctx, rec); err != nil {
		d.logger.Warn("Failed to write audit record", map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		})
	}
}

// recipients loads the render context for every member in the batch.
func (d *Dispatcher) recipients(ctx context.Context, c models.Campaign, h models.Hike, jobs []models.NotificationJob) (map[int64]RecipientContext, error) {
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.MemberID)
	}

	out := make(map[int64]RecipientContext, len(ids))
	err := d.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		members, err := tx.Members().ListByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("load members: %w", err)
		}

		base := RecipientContext{Hike: h, Resend: c.Resend}
		if h.TrailID != nil {
			t, err := tx.Trails().Get(ctx, *h.TrailID)
			if err != nil {
				return fmt.Errorf("load trail: %w", err)
			}
			base.Trail = &t
		} else if c.Phase == models.PhaseVoting {
			if base.Candidates, err = tx.Trails().ListVoteCandidates(ctx); err != nil {
				return fmt.Errorf("load vote candidates: %w", err)
			}
		}

		var (
			requests map[int64]models.TransportRequest
			vehicles map[int64]models.Vehicle
		)
		if c.Phase == models.PhaseWaiver {
			if requests, vehicles, err = waiverDetails(ctx, tx, h.ID); err != nil {
				return err
			}
		}

		for _, m := range members {
			rc := base
			rc.Member = m
			if r, ok := requests[m.ID]; ok {
				rc.Request = &r
				if r.VehicleID != nil {
					if v, ok := vehicles[*r.VehicleID]; ok {
						rc.Vehicle = &v
					}
				}
			}
			out[m.ID] = rc
		}
		return nil
	})
	return out, err
}

func waiverDetails(ctx context.Context, tx repository.Tx, hikeID int64) (map[int64]models.TransportRequest, map[int64]models.Vehicle, error) {
	list, err := tx.Signups().ListByHike(ctx, hikeID)
	if err != nil {
		return nil, nil, fmt.Errorf("load requests: %w", err)
	}
	requests := make(map[int64]models.TransportRequest, len(list))
	var vehicleIDs []int64
	for _, r := range list {
		requests[r.MemberID] = r
		if r.VehicleID != nil {
			vehicleIDs = append(vehicleIDs, *r.VehicleID)
		}
	}

	vehicles := map[int64]models.Vehicle{}
	if len(vehicleIDs) > 0 {
		vs, err := tx.Vehicles().ListByIDs(ctx, vehicleIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("load vehicles: %w", err)
		}
		for _, v := range vs {
			vehicles[v.ID] = v
		}
	}
	return requests, vehicles, nil
}

// pause waits d or until ctx is done, reporting whether to continue.
func (d *Dispatcher) pause(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
