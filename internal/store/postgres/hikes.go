package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

const hikeColumns = `id, trail_id, status, phase, voting_at, signup_at, waiver_at, hike_at, campaign_completed`

type hikes struct{ q querier }

func scanHike(row scanner) (models.Hike, error) {
	var (
		h                            models.Hike
		trailID                      sql.NullInt64
		status, phase                string
		votingAt, signupAt, waiverAt sql.NullTime
	)
	if err := row.Scan(&h.ID, &trailID, &status, &phase, &votingAt, &signupAt, &waiverAt, &h.HikeAt, &h.CampaignCompleted); err != nil {
		return models.Hike{}, mapError(err)
	}
	h.TrailID = int64Ptr(trailID)
	h.Status = models.HikeStatus(status)
	h.Phase = models.Phase(phase)
	h.VotingAt = timeOf(votingAt)
	h.SignupAt = timeOf(signupAt)
	h.WaiverAt = timeOf(waiverAt)
	h.HikeAt = h.HikeAt.UTC()
	return h, nil
}

func (r hikes) one(ctx context.Context, query string, args ...interface{}) (models.Hike, error) {
	return scanHike(r.q.QueryRowContext(ctx, query, args...))
}

func (r hikes) Get(ctx context.Context, id int64) (models.Hike, error) {
	return r.one(ctx, `SELECT `+hikeColumns+` FROM hikes WHERE id = $1`, id)
}

func (r hikes) Lock(ctx context.Context, id int64) (models.Hike, error) {
	return r.one(ctx, `SELECT `+hikeColumns+` FROM hikes WHERE id = $1 FOR UPDATE`, id)
}

func (r hikes) Active(ctx context.Context) (models.Hike, error) {
	return r.one(ctx, `SELECT `+hikeColumns+` FROM hikes WHERE status = 'active'`)
}

func (r hikes) Create(ctx context.Context, h models.Hike) (models.Hike, error) {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO hikes (trail_id, status, phase, voting_at, signup_at, waiver_at, hike_at, campaign_completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		nullInt64(h.TrailID), string(h.Status), string(h.Phase),
		nullTime(h.VotingAt), nullTime(h.SignupAt), nullTime(h.WaiverAt), h.HikeAt.UTC(), h.CampaignCompleted,
	).Scan(&h.ID)
	if err != nil {
		return models.Hike{}, mapError(err)
	}
	return h, nil
}

func (r hikes) Update(ctx context.Context, h models.Hike) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE hikes
		SET trail_id = $2, status = $3, phase = $4, voting_at = $5, signup_at = $6,
		    waiver_at = $7, hike_at = $8, campaign_completed = $9
		WHERE id = $1`,
		h.ID, nullInt64(h.TrailID), string(h.Status), string(h.Phase),
		nullTime(h.VotingAt), nullTime(h.SignupAt), nullTime(h.WaiverAt), h.HikeAt.UTC(), h.CampaignCompleted,
	)
	if err != nil {
		return mapError(err)
	}
	return affected(res, repository.ErrNotFound)
}

func (r hikes) Previous(ctx context.Context, before time.Time, excludeID int64, limit int) ([]models.Hike, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+hikeColumns+` FROM hikes
		WHERE hike_at < $1 AND id <> $2
		ORDER BY hike_at DESC, id DESC
		LIMIT NULLIF($3::int, 0)`,
		before.UTC(), excludeID, limit,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Hike
	for rows.Next() {
		h, err := scanHike(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hike: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
