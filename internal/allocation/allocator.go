// Package allocation partitions a hike's pending transport requests into
// confirmed and waitlisted sets.
package allocation

import (
	"sort"

	"hike-coordinator/internal/models"
)

// Attendance is the set of members who went on one earlier hike.
type Attendance struct {
	HikeID  int64
	Members map[int64]bool
}

func NewAttendance(hikeID int64, members []int64) Attendance {
	a := Attendance{HikeID: hikeID, Members: make(map[int64]bool, len(members))}
	for _, m := range members {
		a.Members[m] = true
	}
	return a
}

type Input struct {
	Pending []models.TransportRequest
	// Seats maps vehicle id to seat count.
	Seats map[int64]int
	// History holds at most the two most recent earlier hikes, most recent
	// first. Anything beyond the second entry is ignored.
	History []Attendance
}

type Result struct {
	Capacity int
	// Confirmed lists drivers and self requests first, then passengers in
	// rank order.
	Confirmed []int64
	// Waitlisted is in priority order; index 0 is position 1.
	Waitlisted []int64
}

// Capacity sums, per driver request, the seats of the referenced vehicle.
// Unknown vehicles count zero.
func Capacity(requests []models.TransportRequest, seats map[int64]int) int {
	total := 0
	for _, r := range requests {
		if r.Kind != models.TransportDriver || r.VehicleID == nil {
			continue
		}
		if n := seats[*r.VehicleID]; n > 0 {
			total += n
		}
	}
	return total
}

// Allocate is deterministic: the same input always yields the same result.
func Allocate(in Input) Result {
	res := Result{Capacity: Capacity(in.Pending, in.Seats)}

	var passengers []models.TransportRequest
	for _, r := range sortedBySignup(in.Pending) {
		switch r.Kind {
		case models.TransportDriver, models.TransportSelf:
			res.Confirmed = append(res.Confirmed, r.ID)
		case models.TransportPassenger:
			passengers = append(passengers, r)
		}
	}

	if res.Capacity >= len(passengers) {
		for _, p := range passengers {
			res.Confirmed = append(res.Confirmed, p.ID)
		}
		return res
	}

	ranked := Rank(passengers, in.History)
	for i, p := range ranked {
		if i < res.Capacity {
			res.Confirmed = append(res.Confirmed, p.ID)
		} else {
			res.Waitlisted = append(res.Waitlisted, p.ID)
		}
	}
	return res
}

// Rank orders passengers by attendance tier, then signup time, then id.
func Rank(passengers []models.TransportRequest, history []Attendance) []models.TransportRequest {
	out := sortedBySignup(passengers)
	sort.SliceStable(out, func(i, j int) bool {
		return Tier(out[i].MemberID, history) < Tier(out[j].MemberID, history)
	})
	return out
}

// Tier returns the priority tier of a member, lower is better.
//
// With one earlier hike: 0 missed it, 1 attended it.
// With two: 0 missed both, 1 missed the most recent but attended the one
// before, 2 attended the most recent.
func Tier(memberID int64, history []Attendance) int {
	switch {
	case len(history) == 0:
		return 0
	case len(history) == 1:
		if history[0].Members[memberID] {
			return 1
		}
		return 0
	default:
		recent, before := history[0].Members[memberID], history[1].Members[memberID]
		switch {
		case recent:
			return 2
		case before:
			return 1
		default:
			return 0
		}
	}
}

func sortedBySignup(in []models.TransportRequest) []models.TransportRequest {
	out := make([]models.TransportRequest, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SignupAt.Equal(out[j].SignupAt) {
			return out[i].SignupAt.Before(out[j].SignupAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
