package models

import (
	"fmt"
	"time"
)

type TransportKind string

const (
	TransportDriver    TransportKind = "driver"
	TransportPassenger TransportKind = "passenger"
	TransportSelf      TransportKind = "self"
)

type RequestState string

const (
	RequestPending    RequestState = "pending"
	RequestConfirmed  RequestState = "confirmed"
	RequestWaitlisted RequestState = "waitlisted"
)

// TransportRequest is a member's signup for one hike.
type TransportRequest struct {
	ID               int64         `json:"id"`
	HikeID           int64         `json:"hikeId"`
	MemberID         int64         `json:"memberId"`
	Kind             TransportKind `json:"kind"`
	State            RequestState  `json:"state"`
	WaitlistPosition *int          `json:"waitlistPosition,omitempty"`
	VehicleID        *int64        `json:"vehicleId,omitempty"`
	SignupAt         time.Time     `json:"signupAt"`
}

func (r TransportRequest) Validate() error {
	switch r.Kind {
	case TransportDriver:
		if r.VehicleID == nil {
			return fmt.Errorf("driver request %d has no vehicle", r.ID)
		}
	case TransportPassenger, TransportSelf:
		if r.VehicleID != nil {
			return fmt.Errorf("%s request %d must not reference a vehicle", r.Kind, r.ID)
		}
	default:
		return fmt.Errorf("request %d has unknown transport kind %q", r.ID, r.Kind)
	}

	switch r.State {
	case RequestWaitlisted:
		if r.WaitlistPosition == nil || *r.WaitlistPosition < 1 {
			return fmt.Errorf("waitlisted request %d has no position", r.ID)
		}
		if r.Kind != TransportPassenger {
			return fmt.Errorf("only passengers can be waitlisted, request %d is %s", r.ID, r.Kind)
		}
	case RequestPending, RequestConfirmed:
		if r.WaitlistPosition != nil {
			return fmt.Errorf("%s request %d carries a waitlist position", r.State, r.ID)
		}
	default:
		return fmt.Errorf("request %d has unknown state %q", r.ID, r.State)
	}
	return nil
}

// Position returns the waitlist position or 0.
func (r TransportRequest) Position() int {
	if r.WaitlistPosition == nil {
		return 0
	}
	return *r.WaitlistPosition
}

func IntPtr(v int) *int       { return &v }
func Int64Ptr(v int64) *int64 { return &v }
