package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "hike-coordinator/internal/common/errors"
)

func TestParseTransportRequestInput(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    TransportRequestInput
		wantErr bool
	}{
		{name: "driver", payload: `{"transport_type":"driver","vehicle_id":7}`, want: DriverInput{VehicleID: 7}},
		{name: "passenger", payload: `{"transport_type":"passenger"}`, want: PassengerInput{}},
		{name: "self", payload: `{"transport_type":"self"}`, want: SelfInput{}},
		{name: "driver without vehicle", payload: `{"transport_type":"driver"}`, wantErr: true},
		{name: "passenger with vehicle", payload: `{"transport_type":"passenger","vehicle_id":3}`, wantErr: true},
		{name: "unknown type", payload: `{"transport_type":"bike"}`, wantErr: true},
		{name: "extra field", payload: `{"transport_type":"self","seats":4}`, wantErr: true},
		{name: "not json", payload: `transport`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTransportRequestInput([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransportRequestValidate(t *testing.T) {
	vehicle := Int64Ptr(1)
	tests := []struct {
		name    string
		req     TransportRequest
		wantErr bool
	}{
		{name: "pending driver", req: TransportRequest{Kind: TransportDriver, State: RequestPending, VehicleID: vehicle}},
		{name: "driver without vehicle", req: TransportRequest{Kind: TransportDriver, State: RequestPending}, wantErr: true},
		{name: "self with vehicle", req: TransportRequest{Kind: TransportSelf, State: RequestPending, VehicleID: vehicle}, wantErr: true},
		{name: "waitlisted passenger", req: TransportRequest{Kind: TransportPassenger, State: RequestWaitlisted, WaitlistPosition: IntPtr(1)}},
		{name: "waitlisted without position", req: TransportRequest{Kind: TransportPassenger, State: RequestWaitlisted}, wantErr: true},
		{name: "waitlisted self", req: TransportRequest{Kind: TransportSelf, State: RequestWaitlisted, WaitlistPosition: IntPtr(1)}, wantErr: true},
		{name: "confirmed with position", req: TransportRequest{Kind: TransportPassenger, State: RequestConfirmed, WaitlistPosition: IntPtr(2)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParsePhase(t *testing.T) {
	p, ok := ParsePhase("waiver")
	assert.True(t, ok)
	assert.Equal(t, PhaseWaiver, p)

	p, ok = ParsePhase("none")
	assert.True(t, ok)
	assert.Equal(t, PhaseNone, p)
	assert.Equal(t, "none", p.String())

	_, ok = ParsePhase("hiking")
	assert.False(t, ok)

	assert.True(t, PhaseSignup.Notifiable())
	assert.False(t, PhaseCompleted.Notifiable())
	assert.False(t, PhaseNone.Notifiable())
}
