package models

import (
	"time"

	"github.com/google/uuid"
)

type AccessToken struct {
	Token       string     `json:"token"`
	MemberID    int64      `json:"memberId"`
	HikeID      int64      `json:"hikeId"`
	Phase       Phase      `json:"phase"`
	IssuedAt    time.Time  `json:"issuedAt"`
	FirstUsedAt *time.Time `json:"firstUsedAt,omitempty"`
	UseCount    int        `json:"useCount"`
}

// Campaign is one notification round for a hike phase. Resend campaigns
// carry single-member jobs and never mark the phase campaign complete.
type Campaign struct {
	ID          uuid.UUID  `json:"id"`
	HikeID      int64      `json:"hikeId"`
	Phase       Phase      `json:"phase"`
	Resend      bool       `json:"resend"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

type NotificationJob struct {
	ID         int64      `json:"id"`
	CampaignID uuid.UUID  `json:"campaignId"`
	MemberID   int64      `json:"memberId"`
	Token      string     `json:"-"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	SentAt     *time.Time `json:"sentAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// JobCounts summarizes a campaign's jobs by status.
type JobCounts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

func (c JobCounts) Total() int {
	return c.Pending + c.Sent + c.Failed
}
