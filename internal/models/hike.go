package models

import "time"

type HikeStatus string

const (
	HikeStatusActive HikeStatus = "active"
	HikeStatusPast   HikeStatus = "past"
)

// Phase is the lifecycle stage of the active hike. PhaseNone is a freshly
// scheduled hike; PhaseCompleted is only ever a transition target, a
// completed hike is stored as status past with PhaseNone.
type Phase string

const (
	PhaseNone      Phase = ""
	PhaseVoting    Phase = "voting"
	PhaseSignup    Phase = "signup"
	PhaseWaiver    Phase = "waiver"
	PhaseCompleted Phase = "completed"
)

func (p Phase) String() string {
	if p == PhaseNone {
		return "none"
	}
	return string(p)
}

// Notifiable reports whether members receive a campaign on entering p.
func (p Phase) Notifiable() bool {
	return p == PhaseVoting || p == PhaseSignup || p == PhaseWaiver
}

func ParsePhase(s string) (Phase, bool) {
	switch Phase(s) {
	case PhaseVoting, PhaseSignup, PhaseWaiver, PhaseCompleted:
		return Phase(s), true
	case "none", PhaseNone:
		return PhaseNone, true
	}
	return PhaseNone, false
}

type Hike struct {
	ID                int64      `json:"id"`
	TrailID           *int64     `json:"trailId,omitempty"`
	Status            HikeStatus `json:"status"`
	Phase             Phase      `json:"phase"`
	VotingAt          time.Time  `json:"votingAt"`
	SignupAt          time.Time  `json:"signupAt"`
	WaiverAt          time.Time  `json:"waiverAt"`
	HikeAt            time.Time  `json:"hikeAt"`
	CampaignCompleted bool       `json:"campaignCompleted"`
}

func (h Hike) Active() bool {
	return h.Status == HikeStatusActive
}

type Trail struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	LengthMi      float64 `json:"lengthMi"`
	Difficulty    string  `json:"difficulty"`
	VoteCandidate bool    `json:"voteCandidate"`
}

type Member struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

func (m Member) FullName() string {
	if m.LastName == "" {
		return m.FirstName
	}
	return m.FirstName + " " + m.LastName
}

type Vehicle struct {
	ID        int64  `json:"id"`
	MemberID  int64  `json:"memberId"`
	Year      int    `json:"year"`
	Make      string `json:"make"`
	Model     string `json:"model"`
	SeatCount int    `json:"seatCount"`
}

type VoteRecord struct {
	MemberID int64 `json:"memberId"`
	HikeID   int64 `json:"hikeId"`
	TrailID  int64 `json:"trailId"`
}
