// Package postgres implements the repository contracts on PostgreSQL through
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"hike-coordinator/internal/repository"
)

type Store struct {
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// InTx runs fn in a read-committed transaction. Row locks taken through
// Hikes().Lock serialize writers per hike.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}

	if err := fn(ctx, &tx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type tx struct {
	q querier
}

func (t *tx) Hikes() repository.HikeRepository         { return hikes{t.q} }
func (t *tx) Signups() repository.SignupRepository     { return signups{t.q} }
func (t *tx) Vehicles() repository.VehicleRepository   { return vehicles{t.q} }
func (t *tx) Votes() repository.VoteRepository         { return votes{t.q} }
func (t *tx) Tokens() repository.TokenRepository       { return tokens{t.q} }
func (t *tx) Campaigns() repository.CampaignRepository { return campaigns{t.q} }
func (t *tx) Members() repository.MemberRepository     { return members{t.q} }
func (t *tx) Trails() repository.TrailRepository       { return trails{t.q} }

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// mapError translates driver errors into repository sentinels, keeping the
// original error in the message.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeUniqueViolation:
		if pqErr.Constraint == "hikes_single_active" {
			return fmt.Errorf("%w: %v", repository.ErrActiveHikeExists, err)
		}
		return fmt.Errorf("%w: %v", repository.ErrDuplicate, err)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %v", repository.ErrNotFound, err)
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", repository.ErrConflict, err)
	}
	return err
}

// affected returns miss when the statement touched no rows.
func affected(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return miss
	}
	return nil
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func timeOf(n sql.NullTime) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return n.Time.UTC()
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
