package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

// members

type members struct{ q querier }

const memberColumns = `id, first_name, last_name, email, phone`

func scanMember(row scanner) (models.Member, error) {
	var m models.Member
	if err := row.Scan(&m.ID, &m.FirstName, &m.LastName, &m.Email, &m.Phone); err != nil {
		return models.Member{}, mapError(err)
	}
	return m, nil
}

func (r members) list(ctx context.Context, query string, args ...interface{}) ([]models.Member, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r members) Get(ctx context.Context, id int64) (models.Member, error) {
	return scanMember(r.q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id))
}

func (r members) List(ctx context.Context) ([]models.Member, error) {
	return r.list(ctx, `SELECT `+memberColumns+` FROM members ORDER BY id`)
}

func (r members) ListByIDs(ctx context.Context, ids []int64) ([]models.Member, error) {
	return r.list(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
}

func (r members) Create(ctx context.Context, m models.Member) (models.Member, error) {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO members (first_name, last_name, email, phone)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		m.FirstName, m.LastName, m.Email, m.Phone,
	).Scan(&m.ID)
	if err != nil {
		return models.Member{}, mapError(err)
	}
	return m, nil
}

// vehicles

type vehicles struct{ q querier }

const vehicleColumns = `id, member_id, year, make, model, seat_count`

func scanVehicle(row scanner) (models.Vehicle, error) {
	var v models.Vehicle
	if err := row.Scan(&v.ID, &v.MemberID, &v.Year, &v.Make, &v.Model, &v.SeatCount); err != nil {
		return models.Vehicle{}, mapError(err)
	}
	return v, nil
}

func (r vehicles) list(ctx context.Context, query string, args ...interface{}) ([]models.Vehicle, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r vehicles) Get(ctx context.Context, id int64) (models.Vehicle, error) {
	return scanVehicle(r.q.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, id))
}

func (r vehicles) ListByIDs(ctx context.Context, ids []int64) ([]models.Vehicle, error) {
	return r.list(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
}

func (r vehicles) ListByMember(ctx context.Context, memberID int64) ([]models.Vehicle, error) {
	return r.list(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE member_id = $1 ORDER BY id`, memberID)
}

func (r vehicles) Create(ctx context.Context, v models.Vehicle) (models.Vehicle, error) {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO vehicles (member_id, year, make, model, seat_count)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		v.MemberID, v.Year, v.Make, v.Model, v.SeatCount,
	).Scan(&v.ID)
	if err != nil {
		return models.Vehicle{}, mapError(err)
	}
	return v, nil
}

// trails

type trails struct{ q querier }

const trailColumns = `id, name, length_mi, difficulty, vote_candidate`

func scanTrail(row scanner) (models.Trail, error) {
	var t models.Trail
	if err := row.Scan(&t.ID, &t.Name, &t.LengthMi, &t.Difficulty, &t.VoteCandidate); err != nil {
		return models.Trail{}, mapError(err)
	}
	return t, nil
}

func (r trails) Get(ctx context.Context, id int64) (models.Trail, error) {
	return scanTrail(r.q.QueryRowContext(ctx, `SELECT `+trailColumns+` FROM trails WHERE id = $1`, id))
}

func (r trails) ListVoteCandidates(ctx context.Context) ([]models.Trail, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+trailColumns+` FROM trails WHERE vote_candidate ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Trail
	for rows.Next() {
		t, err := scanTrail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetVoteCandidates makes exactly ids the ballot. Unknown ids fail the call.
func (r trails) SetVoteCandidates(ctx context.Context, ids []int64) error {
	var found, want int
	err := r.q.QueryRowContext(ctx, `
		SELECT count(*), cardinality(ARRAY(SELECT DISTINCT unnest($1::bigint[])))
		FROM trails WHERE id = ANY($1)`, pq.Array(ids)).Scan(&found, &want)
	if err != nil {
		return mapError(err)
	}
	if found != want {
		return fmt.Errorf("%w: %d of %d trails exist", repository.ErrNotFound, found, want)
	}
	_, err = r.q.ExecContext(ctx, `UPDATE trails SET vote_candidate = (id = ANY($1))`, pq.Array(ids))
	return mapError(err)
}

func (r trails) ClearVoteCandidates(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx, `UPDATE trails SET vote_candidate = FALSE WHERE vote_candidate`)
	return mapError(err)
}

func (r trails) Create(ctx context.Context, t models.Trail) (models.Trail, error) {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO trails (name, length_mi, difficulty, vote_candidate)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		t.Name, t.LengthMi, t.Difficulty, t.VoteCandidate,
	).Scan(&t.ID)
	if err != nil {
		return models.Trail{}, mapError(err)
	}
	return t, nil
}
