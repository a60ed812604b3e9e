// Package memory is a single-writer in-memory implementation of the
// repository contracts. Transactions run one at a time against a copy of the
// state that replaces the original on commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

type state struct {
	seq int64

	hikes     map[int64]models.Hike
	signups   map[int64]models.TransportRequest
	vehicles  map[int64]models.Vehicle
	votes     map[voteKey]models.VoteRecord
	tokens    map[string]models.AccessToken
	campaigns map[uuid.UUID]campaignRow
	jobs      map[int64]models.NotificationJob
	members   map[int64]models.Member
	trails    map[int64]models.Trail
}

type voteKey struct{ member, hike int64 }

type campaignRow struct {
	models.Campaign
	seq int64
}

func newState() *state {
	return &state{
		hikes:     map[int64]models.Hike{},
		signups:   map[int64]models.TransportRequest{},
		vehicles:  map[int64]models.Vehicle{},
		votes:     map[voteKey]models.VoteRecord{},
		tokens:    map[string]models.AccessToken{},
		campaigns: map[uuid.UUID]campaignRow{},
		jobs:      map[int64]models.NotificationJob{},
		members:   map[int64]models.Member{},
		trails:    map[int64]models.Trail{},
	}
}

func (s *state) clone() *state {
	c := &state{seq: s.seq}
	c.hikes = cloneMap(s.hikes, cloneHike)
	c.signups = cloneMap(s.signups, cloneRequest)
	c.vehicles = cloneMap(s.vehicles, same[models.Vehicle])
	c.votes = cloneMap(s.votes, same[models.VoteRecord])
	c.tokens = cloneMap(s.tokens, cloneToken)
	c.campaigns = cloneMap(s.campaigns, cloneCampaign)
	c.jobs = cloneMap(s.jobs, cloneJob)
	c.members = cloneMap(s.members, same[models.Member])
	c.trails = cloneMap(s.trails, same[models.Trail])
	return c
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

type Store struct {
	mu    sync.Mutex
	state *state
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(ctx, &tx{s: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

type tx struct {
	s *state
}

func (t *tx) Hikes() repository.HikeRepository         { return hikes{t.s} }
func (t *tx) Signups() repository.SignupRepository     { return signups{t.s} }
func (t *tx) Vehicles() repository.VehicleRepository   { return vehicles{t.s} }
func (t *tx) Votes() repository.VoteRepository         { return votes{t.s} }
func (t *tx) Tokens() repository.TokenRepository       { return tokens{t.s} }
func (t *tx) Campaigns() repository.CampaignRepository { return campaigns{t.s} }
func (t *tx) Members() repository.MemberRepository     { return members{t.s} }
func (t *tx) Trails() repository.TrailRepository       { return trails{t.s} }

// hikes

type hikes struct{ s *state }

func (r hikes) Get(_ context.Context, id int64) (models.Hike, error) {
	h, ok := r.s.hikes[id]
	if !ok {
		return models.Hike{}, repository.ErrNotFound
	}
	return cloneHike(h), nil
}

func (r hikes) Lock(ctx context.Context, id int64) (models.Hike, error) {
	return r.Get(ctx, id)
}

func (r hikes) Active(_ context.Context) (models.Hike, error) {
	for _, h := range r.s.hikes {
		if h.Active() {
			return cloneHike(h), nil
		}
	}
	return models.Hike{}, repository.ErrNotFound
}

func (r hikes) Create(ctx context.Context, h models.Hike) (models.Hike, error) {
	if h.Active() {
		if _, err := r.Active(ctx); err == nil {
			return models.Hike{}, repository.ErrActiveHikeExists
		}
	}
	h.ID = r.s.nextID()
	r.s.hikes[h.ID] = cloneHike(h)
	return h, nil
}

func (r hikes) Update(ctx context.Context, h models.Hike) error {
	cur, ok := r.s.hikes[h.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if h.Active() && !cur.Active() {
		if _, err := r.Active(ctx); err == nil {
			return repository.ErrActiveHikeExists
		}
	}
	r.s.hikes[h.ID] = cloneHike(h)
	return nil
}

func (r hikes) Previous(_ context.Context, before time.Time, excludeID int64, limit int) ([]models.Hike, error) {
	var out []models.Hike
	for _, h := range r.s.hikes {
		if h.ID != excludeID && h.HikeAt.Before(before) {
			out = append(out, cloneHike(h))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].HikeAt.Equal(out[j].HikeAt) {
			return out[i].HikeAt.After(out[j].HikeAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// signups

type signups struct{ s *state }

func (r signups) Get(_ context.Context, id int64) (models.TransportRequest, error) {
	req, ok := r.s.signups[id]
	if !ok {
		return models.TransportRequest{}, repository.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (r signups) GetByMember(_ context.Context, hikeID, memberID int64) (models.TransportRequest, error) {
	for _, req := range r.s.signups {
		if req.HikeID == hikeID && req.MemberID == memberID {
			return cloneRequest(req), nil
		}
	}
	return models.TransportRequest{}, repository.ErrNotFound
}

func (r signups) ListByHike(_ context.Context, hikeID int64) ([]models.TransportRequest, error) {
	return r.filter(func(req models.TransportRequest) bool { return req.HikeID == hikeID }, bySignup), nil
}

func (r signups) ListByState(_ context.Context, hikeID int64, st models.RequestState) ([]models.TransportRequest, error) {
	less := bySignup
	if st == models.RequestWaitlisted {
		less = byPosition
	}
	return r.filter(func(req models.TransportRequest) bool {
		return req.HikeID == hikeID && req.State == st
	}, less), nil
}

func (r signups) filter(keep func(models.TransportRequest) bool, less func(a, b models.TransportRequest) bool) []models.TransportRequest {
	var out []models.TransportRequest
	for _, req := range r.s.signups {
		if keep(req) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func bySignup(a, b models.TransportRequest) bool {
	if !a.SignupAt.Equal(b.SignupAt) {
		return a.SignupAt.Before(b.SignupAt)
	}
	return a.ID < b.ID
}

func byPosition(a, b models.TransportRequest) bool {
	if a.Position() != b.Position() {
		return a.Position() < b.Position()
	}
	return a.ID < b.ID
}

func (r signups) Create(ctx context.Context, req models.TransportRequest) (models.TransportRequest, error) {
	if _, err := r.GetByMember(ctx, req.HikeID, req.MemberID); err == nil {
		return models.TransportRequest{}, repository.ErrDuplicate
	}
	req.ID = r.s.nextID()
	r.s.signups[req.ID] = cloneRequest(req)
	return req, nil
}

func (r signups) SetState(_ context.Context, id int64, from, to models.RequestState, position *int) error {
	req, ok := r.s.signups[id]
	if !ok || req.State != from {
		return repository.ErrStale
	}
	req.State = to
	req.WaitlistPosition = copyInt(position)
	r.s.signups[id] = req
	return nil
}

func (r signups) SetPosition(_ context.Context, id int64, position int) error {
	req, ok := r.s.signups[id]
	if !ok || req.State != models.RequestWaitlisted {
		return repository.ErrStale
	}
	req.WaitlistPosition = &position
	r.s.signups[id] = req
	return nil
}

func (r signups) UpdateTransport(_ context.Context, id int64, kind models.TransportKind, vehicleID *int64) error {
	req, ok := r.s.signups[id]
	if !ok {
		return repository.ErrNotFound
	}
	req.Kind = kind
	req.VehicleID = copyInt64(vehicleID)
	r.s.signups[id] = req
	return nil
}

func (r signups) Delete(_ context.Context, id int64) error {
	if _, ok := r.s.signups[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.signups, id)
	return nil
}

func (r signups) ConfirmedMembers(_ context.Context, hikeID int64) ([]int64, error) {
	var out []int64
	for _, req := range r.s.signups {
		if req.HikeID == hikeID && req.State == models.RequestConfirmed {
			out = append(out, req.MemberID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// vehicles

type vehicles struct{ s *state }

func (r vehicles) Get(_ context.Context, id int64) (models.Vehicle, error) {
	v, ok := r.s.vehicles[id]
	if !ok {
		return models.Vehicle{}, repository.ErrNotFound
	}
	return v, nil
}

func (r vehicles) ListByIDs(_ context.Context, ids []int64) ([]models.Vehicle, error) {
	var out []models.Vehicle
	seen := map[int64]bool{}
	for _, id := range ids {
		if v, ok := r.s.vehicles[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func (r vehicles) ListByMember(_ context.Context, memberID int64) ([]models.Vehicle, error) {
	var out []models.Vehicle
	for _, v := range r.s.vehicles {
		if v.MemberID == memberID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r vehicles) Create(_ context.Context, v models.Vehicle) (models.Vehicle, error) {
	v.ID = r.s.nextID()
	r.s.vehicles[v.ID] = v
	return v, nil
}

// votes

type votes struct{ s *state }

func (r votes) Upsert(_ context.Context, v models.VoteRecord) error {
	r.s.votes[voteKey{v.MemberID, v.HikeID}] = v
	return nil
}

func (r votes) Tally(_ context.Context, hikeID int64) (map[int64]int, error) {
	out := map[int64]int{}
	for _, v := range r.s.votes {
		if v.HikeID == hikeID {
			out[v.TrailID]++
		}
	}
	return out, nil
}

func (r votes) DeleteByHike(_ context.Context, hikeID int64) (int64, error) {
	var n int64
	for k, v := range r.s.votes {
		if v.HikeID == hikeID {
			delete(r.s.votes, k)
			n++
		}
	}
	return n, nil
}

// tokens

type tokens struct{ s *state }

func (r tokens) Get(_ context.Context, token string) (models.AccessToken, error) {
	t, ok := r.s.tokens[token]
	if !ok {
		return models.AccessToken{}, repository.ErrNotFound
	}
	return cloneToken(t), nil
}

func (r tokens) Create(_ context.Context, t models.AccessToken) error {
	if _, ok := r.s.tokens[t.Token]; ok {
		return repository.ErrDuplicate
	}
	for _, existing := range r.s.tokens {
		if existing.MemberID == t.MemberID && existing.HikeID == t.HikeID && existing.Phase == t.Phase {
			return repository.ErrDuplicate
		}
	}
	r.s.tokens[t.Token] = cloneToken(t)
	return nil
}

func (r tokens) DeleteFor(_ context.Context, memberID, hikeID int64, phase models.Phase) error {
	for k, t := range r.s.tokens {
		if t.MemberID == memberID && t.HikeID == hikeID && t.Phase == phase {
			delete(r.s.tokens, k)
		}
	}
	return nil
}

func (r tokens) DeleteByMember(_ context.Context, memberID, hikeID int64) (int64, error) {
	var n int64
	for k, t := range r.s.tokens {
		if t.MemberID == memberID && t.HikeID == hikeID {
			delete(r.s.tokens, k)
			n++
		}
	}
	return n, nil
}

func (r tokens) DeleteByHike(_ context.Context, hikeID int64) (int64, error) {
	var n int64
	for k, t := range r.s.tokens {
		if t.HikeID == hikeID {
			delete(r.s.tokens, k)
			n++
		}
	}
	return n, nil
}

func (r tokens) RecordUse(_ context.Context, token string, firstUse *time.Time) error {
	t, ok := r.s.tokens[token]
	if !ok {
		return repository.ErrNotFound
	}
	t.UseCount++
	if t.FirstUsedAt == nil && firstUse != nil {
		at := *firstUse
		t.FirstUsedAt = &at
	}
	r.s.tokens[token] = t
	return nil
}

// campaigns

type campaigns struct{ s *state }

func (r campaigns) Create(_ context.Context, c models.Campaign) error {
	if _, ok := r.s.campaigns[c.ID]; ok {
		return repository.ErrDuplicate
	}
	c.CompletedAt = copyTime(c.CompletedAt)
	r.s.campaigns[c.ID] = campaignRow{Campaign: c, seq: r.s.nextID()}
	return nil
}

func (r campaigns) Get(_ context.Context, id uuid.UUID) (models.Campaign, error) {
	c, ok := r.s.campaigns[id]
	if !ok {
		return models.Campaign{}, repository.ErrNotFound
	}
	return cloneCampaign(c).Campaign, nil
}

func (r campaigns) Latest(_ context.Context, hikeID int64) (models.Campaign, error) {
	var (
		best  campaignRow
		found bool
	)
	for _, c := range r.s.campaigns {
		if c.HikeID != hikeID || c.Resend {
			continue
		}
		if !found || c.seq > best.seq {
			best, found = c, true
		}
	}
	if !found {
		return models.Campaign{}, repository.ErrNotFound
	}
	return cloneCampaign(best).Campaign, nil
}

func (r campaigns) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) error {
	c, ok := r.s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.CompletedAt = &at
	r.s.campaigns[id] = c
	return nil
}

func (r campaigns) ListIncomplete(_ context.Context) ([]models.Campaign, error) {
	var rows []campaignRow
	for _, c := range r.s.campaigns {
		if c.CompletedAt == nil {
			rows = append(rows, cloneCampaign(c))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]models.Campaign, 0, len(rows))
	for _, c := range rows {
		out = append(out, c.Campaign)
	}
	return out, nil
}

func (r campaigns) CreateJob(_ context.Context, job models.NotificationJob) (models.NotificationJob, error) {
	if _, ok := r.s.campaigns[job.CampaignID]; !ok {
		return models.NotificationJob{}, repository.ErrNotFound
	}
	job.ID = r.s.nextID()
	r.s.jobs[job.ID] = cloneJob(job)
	return job, nil
}

func (r campaigns) DeletePendingJobs(_ context.Context, hikeID int64) (int64, error) {
	var n int64
	for id, job := range r.s.jobs {
		c := r.s.campaigns[job.CampaignID]
		if c.HikeID == hikeID && !c.Resend && job.Status == models.JobPending {
			delete(r.s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r campaigns) DeleteMemberPendingJobs(_ context.Context, hikeID, memberID int64) (int64, error) {
	var n int64
	for id, job := range r.s.jobs {
		c := r.s.campaigns[job.CampaignID]
		if c.HikeID == hikeID && job.MemberID == memberID && job.Status == models.JobPending {
			delete(r.s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r campaigns) PendingJobs(_ context.Context, campaignID uuid.UUID, afterID int64, limit int) ([]models.NotificationJob, error) {
	var out []models.NotificationJob
	for _, job := range r.s.jobs {
		if job.CampaignID == campaignID && job.Status == models.JobPending && job.ID > afterID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r campaigns) UpdateJob(_ context.Context, job models.NotificationJob) error {
	if _, ok := r.s.jobs[job.ID]; !ok {
		return repository.ErrNotFound
	}
	r.s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r campaigns) CountJobs(_ context.Context, campaignID uuid.UUID) (models.JobCounts, error) {
	var c models.JobCounts
	for _, job := range r.s.jobs {
		if job.CampaignID != campaignID {
			continue
		}
		switch job.Status {
		case models.JobPending:
			c.Pending++
		case models.JobSent:
			c.Sent++
		case models.JobFailed:
			c.Failed++
		}
	}
	return c, nil
}

// members

type members struct{ s *state }

func (r members) Get(_ context.Context, id int64) (models.Member, error) {
	m, ok := r.s.members[id]
	if !ok {
		return models.Member{}, repository.ErrNotFound
	}
	return m, nil
}

func (r members) List(_ context.Context) ([]models.Member, error) {
	out := make([]models.Member, 0, len(r.s.members))
	for _, m := range r.s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r members) ListByIDs(_ context.Context, ids []int64) ([]models.Member, error) {
	var out []models.Member
	for _, id := range ids {
		if m, ok := r.s.members[id]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r members) Create(_ context.Context, m models.Member) (models.Member, error) {
	m.ID = r.s.nextID()
	r.s.members[m.ID] = m
	return m, nil
}

// trails

type trails struct{ s *state }

func (r trails) Get(_ context.Context, id int64) (models.Trail, error) {
	t, ok := r.s.trails[id]
	if !ok {
		return models.Trail{}, repository.ErrNotFound
	}
	return t, nil
}

func (r trails) ListVoteCandidates(_ context.Context) ([]models.Trail, error) {
	var out []models.Trail
	for _, t := range r.s.trails {
		if t.VoteCandidate {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r trails) SetVoteCandidates(_ context.Context, ids []int64) error {
	want := map[int64]bool{}
	for _, id := range ids {
		if _, ok := r.s.trails[id]; !ok {
			return repository.ErrNotFound
		}
		want[id] = true
	}
	for id, t := range r.s.trails {
		t.VoteCandidate = want[id]
		r.s.trails[id] = t
	}
	return nil
}

func (r trails) ClearVoteCandidates(_ context.Context) error {
	for id, t := range r.s.trails {
		t.VoteCandidate = false
		r.s.trails[id] = t
	}
	return nil
}

func (r trails) Create(_ context.Context, t models.Trail) (models.Trail, error) {
	t.ID = r.s.nextID()
	r.s.trails[t.ID] = t
	return t, nil
}

// copying

func cloneMap[K comparable, V any](in map[K]V, cp func(V) V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = cp(v)
	}
	return out
}

func same[V any](v V) V { return v }

func cloneHike(h models.Hike) models.Hike {
	h.TrailID = copyInt64(h.TrailID)
	return h
}

func cloneRequest(r models.TransportRequest) models.TransportRequest {
	r.WaitlistPosition = copyInt(r.WaitlistPosition)
	r.VehicleID = copyInt64(r.VehicleID)
	return r
}

func cloneToken(t models.AccessToken) models.AccessToken {
	t.FirstUsedAt = copyTime(t.FirstUsedAt)
	return t
}

func cloneCampaign(c campaignRow) campaignRow {
	c.CompletedAt = copyTime(c.CompletedAt)
	return c
}

func cloneJob(j models.NotificationJob) models.NotificationJob {
	j.SentAt = copyTime(j.SentAt)
	return j
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
