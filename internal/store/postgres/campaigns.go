package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

type campaigns struct{ q querier }

const campaignColumns = `id, hike_id, phase, resend, created_at, completed_at`

func scanCampaign(row scanner) (models.Campaign, error) {
	var (
		c         models.Campaign
		phase     string
		completed sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.HikeID, &phase, &c.Resend, &c.CreatedAt, &completed); err != nil {
		return models.Campaign{}, mapError(err)
	}
	c.Phase = models.Phase(phase)
	c.CreatedAt = c.CreatedAt.UTC()
	c.CompletedAt = timePtr(completed)
	return c, nil
}

func (r campaigns) Create(ctx context.Context, c models.Campaign) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO campaigns (id, hike_id, phase, resend, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.HikeID, string(c.Phase), c.Resend, c.CreatedAt.UTC(), nullTimePtr(c.CompletedAt))
	return mapError(err)
}

func (r campaigns) Get(ctx context.Context, id uuid.UUID) (models.Campaign, error) {
	return scanCampaign(r.q.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
}

func (r campaigns) Latest(ctx context.Context, hikeID int64) (models.Campaign, error) {
	return scanCampaign(r.q.QueryRowContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE hike_id = $1 AND NOT resend
		ORDER BY seq DESC LIMIT 1`, hikeID))
}

func (r campaigns) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE campaigns SET completed_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return mapError(err)
	}
	return affected(res, repository.ErrNotFound)
}

func (r campaigns) ListIncomplete(ctx context.Context) ([]models.Campaign, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE completed_at IS NULL ORDER BY seq`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const jobColumns = `id, campaign_id, member_id, token, status, attempts, sent_at, last_error`

func scanJob(row scanner) (models.NotificationJob, error) {
	var (
		j      models.NotificationJob
		status string
		sentAt sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.CampaignID, &j.MemberID, &j.Token, &status, &j.Attempts, &sentAt, &j.LastError); err != nil {
		return models.NotificationJob{}, mapError(err)
	}
	j.Status = models.JobStatus(status)
	j.SentAt = timePtr(sentAt)
	return j, nil
}

// CreateJob fails with ErrNotFound when the campaign does not exist.
func (r campaigns) CreateJob(ctx context.Context, job models.NotificationJob) (models.NotificationJob, error) {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO notification_jobs (campaign_id, member_id, token, status, attempts, sent_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		job.CampaignID, job.MemberID, job.Token, string(job.Status), job.Attempts, nullTimePtr(job.SentAt), job.LastError,
	).Scan(&job.ID)
	if err != nil {
		return models.NotificationJob{}, mapError(err)
	}
	return job, nil
}

func (r campaigns) DeletePendingJobs(ctx context.Context, hikeID int64) (int64, error) {
	return rowsAffected(r.q.ExecContext(ctx, `
		DELETE FROM notification_jobs j USING campaigns c
		WHERE j.campaign_id = c.id AND c.hike_id = $1 AND NOT c.resend AND j.status = 'pending'`, hikeID))
}

func (r campaigns) DeleteMemberPendingJobs(ctx context.Context, hikeID, memberID int64) (int64, error) {
	return rowsAffected(r.q.ExecContext(ctx, `
		DELETE FROM notification_jobs j USING campaigns c
		WHERE j.campaign_id = c.id AND c.hike_id = $1 AND j.member_id = $2 AND j.status = 'pending'`, hikeID, memberID))
}

func (r campaigns) PendingJobs(ctx context.Context, campaignID uuid.UUID, afterID int64, limit int) ([]models.NotificationJob, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM notification_jobs
		WHERE campaign_id = $1 AND status = 'pending' AND id > $2
		ORDER BY id LIMIT NULLIF($3::int, 0)`, campaignID, afterID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.NotificationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r campaigns) UpdateJob(ctx context.Context, job models.NotificationJob) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE notification_jobs
		SET status = $2, attempts = $3, sent_at = $4, last_error = $5
		WHERE id = $1`,
		job.ID, string(job.Status), job.Attempts, nullTimePtr(job.SentAt), job.LastError)
	if err != nil {
		return mapError(err)
	}
	return affected(res, repository.ErrNotFound)
}

func (r campaigns) CountJobs(ctx context.Context, campaignID uuid.UUID) (models.JobCounts, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT status, count(*) FROM notification_jobs WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return models.JobCounts{}, mapError(err)
	}
	defer rows.Close()

	var c models.JobCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return models.JobCounts{}, mapError(err)
		}
		switch models.JobStatus(status) {
		case models.JobPending:
			c.Pending = n
		case models.JobSent:
			c.Sent = n
		case models.JobFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}
