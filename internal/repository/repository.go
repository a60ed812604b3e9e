// Package repository declares the per-aggregate persistence contracts the
// coordinator runs on. Implementations live under internal/store.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"hike-coordinator/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrActiveHikeExists = errors.New("an active hike already exists")
	ErrDuplicate        = errors.New("duplicate record")
	// ErrStale is returned by compare-and-set updates whose expected state no
	// longer holds.
	ErrStale = errors.New("record changed concurrently")
	// ErrConflict wraps serialization failures and deadlocks reported by the
	// database.
	ErrConflict = errors.New("transaction conflict")
)

// Store runs units of work. A non-nil error from fn rolls back every write
// made through tx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	Hikes() HikeRepository
	Signups() SignupRepository
	Vehicles() VehicleRepository
	Votes() VoteRepository
	Tokens() TokenRepository
	Campaigns() CampaignRepository
	Members() MemberRepository
	Trails() TrailRepository
}

type HikeRepository interface {
	Get(ctx context.Context, id int64) (models.Hike, error)
	// Lock returns the hike holding an exclusive row lock until the
	// transaction ends.
	Lock(ctx context.Context, id int64) (models.Hike, error)
	Active(ctx context.Context) (models.Hike, error)
	Create(ctx context.Context, h models.Hike) (models.Hike, error)
	Update(ctx context.Context, h models.Hike) error
	// Previous lists hikes dated strictly before `before`, excluding
	// excludeID, most recent first.
	Previous(ctx context.Context, before time.Time, excludeID int64, limit int) ([]models.Hike, error)
}

type SignupRepository interface {
	Get(ctx context.Context, id int64) (models.TransportRequest, error)
	GetByMember(ctx context.Context, hikeID, memberID int64) (models.TransportRequest, error)
	// ListByHike orders by signup time, then id.
	ListByHike(ctx context.Context, hikeID int64) ([]models.TransportRequest, error)
	// ListByState orders waitlisted requests by position and everything else
	// by signup time, then id.
	ListByState(ctx context.Context, hikeID int64, state models.RequestState) ([]models.TransportRequest, error)
	Create(ctx context.Context, r models.TransportRequest) (models.TransportRequest, error)
	SetState(ctx context.Context, id int64, from, to models.RequestState, position *int) error
	SetPosition(ctx context.Context, id int64, position int) error
	UpdateTransport(ctx context.Context, id int64, kind models.TransportKind, vehicleID *int64) error
	Delete(ctx context.Context, id int64) error
	// ConfirmedMembers returns the members who attended the hike.
	ConfirmedMembers(ctx context.Context, hikeID int64) ([]int64, error)
}

type VehicleRepository interface {
	Get(ctx context.Context, id int64) (models.Vehicle, error)
	ListByIDs(ctx context.Context, ids []int64) ([]models.Vehicle, error)
	ListByMember(ctx context.Context, memberID int64) ([]models.Vehicle, error)
	Create(ctx context.Context, v models.Vehicle) (models.Vehicle, error)
}

type VoteRepository interface {
	Upsert(ctx context.Context, v models.VoteRecord) error
	// Tally counts votes per trail for the hike.
	Tally(ctx context.Context, hikeID int64) (map[int64]int, error)
	DeleteByHike(ctx context.Context, hikeID int64) (int64, error)
}

type TokenRepository interface {
	Get(ctx context.Context, token string) (models.AccessToken, error)
	Create(ctx context.Context, t models.AccessToken) error
	DeleteFor(ctx context.Context, memberID, hikeID int64, phase models.Phase) error
	DeleteByMember(ctx context.Context, memberID, hikeID int64) (int64, error)
	DeleteByHike(ctx context.Context, hikeID int64) (int64, error)
	// RecordUse increments the use count and sets the first use time when
	// firstUse is non-nil and none is recorded yet.
	RecordUse(ctx context.Context, token string, firstUse *time.Time) error
}

type CampaignRepository interface {
	Create(ctx context.Context, c models.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (models.Campaign, error)
	// Latest returns the most recently created non-resend campaign of the hike.
	Latest(ctx context.Context, hikeID int64) (models.Campaign, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
	ListIncomplete(ctx context.Context) ([]models.Campaign, error)

	CreateJob(ctx context.Context, job models.NotificationJob) (models.NotificationJob, error)
	// DeletePendingJobs removes pending jobs of every non-resend campaign of
	// the hike.
	DeletePendingJobs(ctx context.Context, hikeID int64) (int64, error)
	// DeleteMemberPendingJobs removes the member's pending jobs in every
	// campaign of the hike, resends included.
	DeleteMemberPendingJobs(ctx context.Context, hikeID, memberID int64) (int64, error)
	// PendingJobs returns up to limit pending jobs with id > afterID, by id.
	PendingJobs(ctx context.Context, campaignID uuid.UUID, afterID int64, limit int) ([]models.NotificationJob, error)
	UpdateJob(ctx context.Context, job models.NotificationJob) error
	CountJobs(ctx context.Context, campaignID uuid.UUID) (models.JobCounts, error)
}

type MemberRepository interface {
	Get(ctx context.Context, id int64) (models.Member, error)
	List(ctx context.Context) ([]models.Member, error)
	ListByIDs(ctx context.Context, ids []int64) ([]models.Member, error)
	Create(ctx context.Context, m models.Member) (models.Member, error)
}

type TrailRepository interface {
	Get(ctx context.Context, id int64) (models.Trail, error)
	ListVoteCandidates(ctx context.Context) ([]models.Trail, error)
	SetVoteCandidates(ctx context.Context, ids []int64) error
	ClearVoteCandidates(ctx context.Context) error
	Create(ctx context.Context, t models.Trail) (models.Trail, error)
}
