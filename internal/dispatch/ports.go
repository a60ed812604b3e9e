package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hike-coordinator/internal/models"
)

type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// RecipientContext is everything a renderer may put into one member's
// message. Trail is nil while the hike is still being voted on; Request is
// set for waiver messages.
type RecipientContext struct {
	Member     models.Member
	Hike       models.Hike
	Trail      *models.Trail
	Candidates []models.Trail
	Request    *models.TransportRequest
	Vehicle    *models.Vehicle
	Token      string
	Resend     bool
}

type Renderer interface {
	Render(phase models.Phase, rc RecipientContext) (Message, error)
}

// Transport opens one outbound session per batch.
type Transport interface {
	Open(ctx context.Context) (Session, error)
}

// Session delivers messages over an already established channel. A non-nil
// error from Send is a failed delivery of that message only.
type Session interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// AuditRecord describes a job that reached a terminal status.
type AuditRecord struct {
	CampaignID uuid.UUID        `json:"campaignId"`
	JobID      int64            `json:"jobId"`
	HikeID     int64            `json:"hikeId"`
	MemberID   int64            `json:"memberId"`
	Phase      string           `json:"phase"`
	Resend     bool             `json:"resend"`
	Status     models.JobStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"lastError,omitempty"`
	At         time.Time        `json:"@timestamp"`
}

type Auditor interface {
	Record(ctx context.Context, rec AuditRecord) error
}
