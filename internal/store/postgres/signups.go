package postgres

import (
	"context"
	"database/sql"

	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

const requestColumns = `id, hike_id, member_id, kind, state, waitlist_position, vehicle_id, signup_at`

type signups struct{ q querier }

func scanRequest(row scanner) (models.TransportRequest, error) {
	var (
		r           models.TransportRequest
		kind, state string
		position    sql.NullInt64
		vehicleID   sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.HikeID, &r.MemberID, &kind, &state, &position, &vehicleID, &r.SignupAt); err != nil {
		return models.TransportRequest{}, mapError(err)
	}
	r.Kind = models.TransportKind(kind)
	r.State = models.RequestState(state)
	r.WaitlistPosition = intPtr(position)
	r.VehicleID = int64Ptr(vehicleID)
	r.SignupAt = r.SignupAt.UTC()
	return r, nil
}

func (r signups) list(ctx context.Context, query string, args ...interface{}) ([]models.TransportRequest, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.TransportRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r signups) Get(ctx context.Context, id int64) (models.TransportRequest, error) {
	return scanRequest(r.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM transport_requests WHERE id = $1`, id))
}

func (r signups) GetByMember(ctx context.Context, hikeID, memberID int64) (models.TransportRequest, error) {
	return scanRequest(r.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM transport_requests WHERE hike_id = $1 AND member_id = $2`,
		hikeID, memberID))
}

func (r signups) ListByHike(ctx context.Context, hikeID int64) ([]models.TransportRequest, error) {
	return r.list(ctx, `SELECT `+requestColumns+` FROM transport_requests
		WHERE hike_id = $1 ORDER BY signup_at, id`, hikeID)
}

func (r signups) ListByState(ctx context.Context, hikeID int64, state models.RequestState) ([]models.TransportRequest, error) {
	order := `signup_at, id`
	if state == models.RequestWaitlisted {
		order = `waitlist_position, id`
	}
	return r.list(ctx, `SELECT `+requestColumns+` FROM transport_requests
		WHERE hike_id = $1 AND state = $2 ORDER BY `+order, hikeID, string(state))
}

func (r signups) Create(ctx context.Context, req models.TransportRequest) (models.TransportRequest, error) {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO transport_requests (hike_id, member_id, kind, state, waitlist_position, vehicle_id, signup_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		req.HikeID, req.MemberID, string(req.Kind), string(req.State),
		nullInt(req.WaitlistPosition), nullInt64(req.VehicleID), req.SignupAt.UTC(),
	).Scan(&req.ID)
	if err != nil {
		return models.TransportRequest{}, mapError(err)
	}
	return req, nil
}

// SetState only applies while the row is still in state from.
func (r signups) SetState(ctx context.Context, id int64, from, to models.RequestState, position *int) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE transport_requests SET state = $3, waitlist_position = $4
		WHERE id = $1 AND state = $2`,
		id, string(from), string(to), nullInt(position))
	if err != nil {
		return mapError(err)
	}
	return affected(res, repository.ErrStale)
}

func (r signups) SetPosition(ctx context.Context, id int64, position int) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE transport_requests SET waitlist_position = $2
		WHERE id = $1 AND state = 'waitlisted'`, id, position)
	if err != nil {
		return mapError(err)
	}
	return affected(res, repository.ErrStale)
}

func (r signups) UpdateTransport(ctx context.Context, id int64, kind models.TransportKind, vehicleID *int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE transport_requests SET kind = $2, vehicle_id = $3 WHERE id = $1`,
		id, string(kind), nullInt64(vehicleID))
	if err != nil {
		return mapError(err)
	}
	return affected(res, repository.ErrNotFound)
}

func (r signups) Delete(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM transport_requests WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return affected(res, repository.ErrNotFound)
}

func (r signups) ConfirmedMembers(ctx context.Context, hikeID int64) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT member_id FROM transport_requests
		WHERE hike_id = $1 AND state = 'confirmed'
		ORDER BY member_id`, hikeID)
	if err != nil {
		return nil, mapError(err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
