package postgres

import (
	"context"
	"database/sql"
	"time"

	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

// votes

type votes struct{ q querier }

func (r votes) Upsert(ctx context.Context, v models.VoteRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO votes (member_id, hike_id, trail_id) VALUES ($1, $2, $3)
		ON CONFLICT (member_id, hike_id) DO UPDATE SET trail_id = EXCLUDED.trail_id`,
		v.MemberID, v.HikeID, v.TrailID)
	return mapError(err)
}

func (r votes) Tally(ctx context.Context, hikeID int64) (map[int64]int, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT trail_id, count(*) FROM votes WHERE hike_id = $1 GROUP BY trail_id`, hikeID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var (
			trailID int64
			n       int
		)
		if err := rows.Scan(&trailID, &n); err != nil {
			return nil, mapError(err)
		}
		out[trailID] = n
	}
	return out, rows.Err()
}

func (r votes) DeleteByHike(ctx context.Context, hikeID int64) (int64, error) {
	return rowsAffected(r.q.ExecContext(ctx, `DELETE FROM votes WHERE hike_id = $1`, hikeID))
}

// tokens

type tokens struct{ q querier }

func (r tokens) Get(ctx context.Context, token string) (models.AccessToken, error) {
	var (
		t         models.AccessToken
		phase     string
		firstUsed sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT token, member_id, hike_id, phase, issued_at, first_used_at, use_count
		FROM access_tokens WHERE token = $1`, token,
	).Scan(&t.Token, &t.MemberID, &t.HikeID, &phase, &t.IssuedAt, &firstUsed, &t.UseCount)
	if err != nil {
		return models.AccessToken{}, mapError(err)
	}
	t.Phase = models.Phase(phase)
	t.IssuedAt = t.IssuedAt.UTC()
	t.FirstUsedAt = timePtr(firstUsed)
	return t, nil
}

func (r tokens) Create(ctx context.Context, t models.AccessToken) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO access_tokens (token, member_id, hike_id, phase, issued_at, first_used_at, use_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.Token, t.MemberID, t.HikeID, string(t.Phase), t.IssuedAt.UTC(), nullTimePtr(t.FirstUsedAt), t.UseCount)
	return mapError(err)
}

func (r tokens) DeleteFor(ctx context.Context, memberID, hikeID int64, phase models.Phase) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM access_tokens WHERE member_id = $1 AND hike_id = $2 AND phase = $3`,
		memberID, hikeID, string(phase))
	return mapError(err)
}

func (r tokens) DeleteByMember(ctx context.Context, memberID, hikeID int64) (int64, error) {
	return rowsAffected(r.q.ExecContext(ctx, `
		DELETE FROM access_tokens WHERE member_id = $1 AND hike_id = $2`, memberID, hikeID))
}

func (r tokens) DeleteByHike(ctx context.Context, hikeID int64) (int64, error) {
	return rowsAffected(r.q.ExecContext(ctx, `DELETE FROM access_tokens WHERE hike_id = $1`, hikeID))
}

func (r tokens) RecordUse(ctx context.Context, token string, firstUse *time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE access_tokens
		SET use_count = use_count + 1, first_used_at = COALESCE(first_used_at, $2)
		WHERE token = $1`, token, nullTimePtr(firstUse))
	if err != nil {
		return mapError(err)
	}
	return affected(res, repository.ErrNotFound)
}
