package models

import (
	"encoding/json"
	"fmt"

	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/validation"
)

// TransportRequestInput is what a member submits at signup or an admin
// submits when changing someone's transport. Only the listed variants exist,
// so a driver without a vehicle cannot be represented.
type TransportRequestInput interface {
	Kind() TransportKind
	Vehicle() *int64
}

type DriverInput struct {
	VehicleID int64
}

type PassengerInput struct{}

type SelfInput struct{}

func (DriverInput) Kind() TransportKind    { return TransportDriver }
func (d DriverInput) Vehicle() *int64      { return &d.VehicleID }
func (PassengerInput) Kind() TransportKind { return TransportPassenger }
func (PassengerInput) Vehicle() *int64     { return nil }
func (SelfInput) Kind() TransportKind      { return TransportSelf }
func (SelfInput) Vehicle() *int64          { return nil }

const transportRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "transport_type": {"type": "string", "enum": ["driver", "passenger", "self"]},
    "vehicle_id": {"type": "integer", "minimum": 1}
  },
  "required": ["transport_type"],
  "additionalProperties": false,
  "if": {"properties": {"transport_type": {"const": "driver"}}},
  "then": {"required": ["vehicle_id"]},
  "else": {"not": {"required": ["vehicle_id"]}}
}`

var transportRequestValidator = validation.MustCompile(transportRequestSchema)

type transportRequestPayload struct {
	TransportType TransportKind `json:"transport_type"`
	VehicleID     *int64        `json:"vehicle_id,omitempty"`
}

// ParseTransportRequestInput validates a JSON payload of the form
// {"transport_type": "driver", "vehicle_id": 7} and decodes it.
func ParseTransportRequestInput(data []byte) (TransportRequestInput, error) {
	result, err := transportRequestValidator.ValidateJSON(data)
	if err != nil {
		return nil, apperrors.NewValidationFailedError(err.Error())
	}
	if !result.Valid {
		return nil, apperrors.NewValidationFailedError(result.Error())
	}

	var payload transportRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperrors.NewValidationFailedError(err.Error())
	}
	return NewTransportRequestInput(payload.TransportType, payload.VehicleID)
}

func NewTransportRequestInput(kind TransportKind, vehicleID *int64) (TransportRequestInput, error) {
	switch kind {
	case TransportDriver:
		if vehicleID == nil {
			return nil, apperrors.NewValidationFailedError("driver transport requires a vehicle")
		}
		return DriverInput{VehicleID: *vehicleID}, nil
	case TransportPassenger:
		if vehicleID != nil {
			return nil, apperrors.NewValidationFailedError("passenger transport must not reference a vehicle")
		}
		return PassengerInput{}, nil
	case TransportSelf:
		if vehicleID != nil {
			return nil, apperrors.NewValidationFailedError("self transport must not reference a vehicle")
		}
		return SelfInput{}, nil
	}
	return nil, apperrors.NewValidationFailedError(fmt.Sprintf("unknown transport type %q", kind))
}
