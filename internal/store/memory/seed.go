package memory

import (
	"context"

	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

// Seed writes records straight into the store, bypassing domain rules. It is
// used for local development data and by tests.
type Seed struct {
	s *Store
}

func (s *Store) Seed() Seed {
	return Seed{s: s}
}

func (sd Seed) do(fn func(ctx context.Context, tx repository.Tx) error) error {
	return sd.s.InTx(context.Background(), fn)
}

func (sd Seed) Member(first, email string) (models.Member, error) {
	var m models.Member
	err := sd.do(func(ctx context.Context, tx repository.Tx) error {
		var err error
		m, err = tx.Members().Create(ctx, models.Member{FirstName: first, Email: email})
		return err
	})
	return m, err
}

func (sd Seed) Vehicle(memberID int64, seats int) (models.Vehicle, error) {
	var v models.Vehicle
	err := sd.do(func(ctx context.Context, tx repository.Tx) error {
		var err error
		v, err = tx.Vehicles().Create(ctx, models.Vehicle{MemberID: memberID, SeatCount: seats})
		return err
	})
	return v, err
}

func (sd Seed) Trail(name string, candidate bool) (models.Trail, error) {
	var t models.Trail
	err := sd.do(func(ctx context.Context, tx repository.Tx) error {
		var err error
		t, err = tx.Trails().Create(ctx, models.Trail{Name: name, VoteCandidate: candidate})
		return err
	})
	return t, err
}

func (sd Seed) Hike(h models.Hike) (models.Hike, error) {
	err := sd.do(func(ctx context.Context, tx repository.Tx) error {
		var err error
		h, err = tx.Hikes().Create(ctx, h)
		return err
	})
	return h, err
}

// Request stores r as given, including its state and waitlist position.
func (sd Seed) Request(r models.TransportRequest) (models.TransportRequest, error) {
	err := sd.do(func(ctx context.Context, tx repository.Tx) error {
		var err error
		r, err = tx.Signups().Create(ctx, r)
		return err
	})
	return r, err
}

func (sd Seed) Vote(v models.VoteRecord) error {
	return sd.do(func(ctx context.Context, tx repository.Tx) error {
		return tx.Votes().Upsert(ctx, v)
	})
}
