package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

type ErrorCode string

const (
	ErrCodeIllegalTransition        ErrorCode = "ILLEGAL_TRANSITION"
	ErrCodeAllocationConflict       ErrorCode = "ALLOCATION_CONFLICT"
	ErrCodeCampaignAlreadyCompleted ErrorCode = "CAMPAIGN_ALREADY_COMPLETED"
	ErrCodeDeliveryFailure          ErrorCode = "DELIVERY_FAILURE"

	ErrCodeTokenNotFound    ErrorCode = "TOKEN_NOT_FOUND"
	ErrCodeTokenInvalidHike ErrorCode = "TOKEN_INVALID_HIKE"
	ErrCodeTokenExpired     ErrorCode = "TOKEN_EXPIRED"

	ErrCodePhaseMismatch    ErrorCode = "PHASE_MISMATCH"
	ErrCodeNoActiveHike     ErrorCode = "NO_ACTIVE_HIKE"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeAlreadySignedUp  ErrorCode = "ALREADY_SIGNED_UP"

	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeDatabaseError            ErrorCode = "DATABASE_ERROR"
	ErrCodeQueueError               ErrorCode = "QUEUE_ERROR"
	ErrCodeExternalService          ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error so errors.Is sees through the
// StandardError to domain sentinels.
func (e *StandardError) WithCause(err error) *StandardError {
	e.cause = err
	return e
}

func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

func NewIllegalTransitionError(hikeID int64, current, attempted string) *StandardError {
	return &StandardError{
		Code:      ErrCodeIllegalTransition,
		Message:   "Phase transition not allowed",
		Details:   fmt.Sprintf("hikeId: %d, current: %q, attempted: %q", hikeID, current, attempted),
		Retryable: false,
		Metadata: map[string]interface{}{
			"hikeId":    hikeID,
			"current":   current,
			"attempted": attempted,
		},
		Timestamp: time.Now().UTC(),
	}
}

func NewAllocationConflictError(hikeID int64, err error) *StandardError {
	details := fmt.Sprintf("hikeId: %d", hikeID)
	if err != nil {
		details = fmt.Sprintf("hikeId: %d, error: %s", hikeID, err.Error())
	}
	return &StandardError{
		Code:      ErrCodeAllocationConflict,
		Message:   "Concurrent modification of transport requests",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewCampaignAlreadyCompletedError(hikeID int64, phase string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCampaignAlreadyCompleted,
		Message:   "Notification campaign already completed for this phase",
		Details:   fmt.Sprintf("hikeId: %d, phase: %s", hikeID, phase),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewDeliveryFailureError(recipient string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDeliveryFailure,
		Message:   "Notification delivery failed",
		Details:   fmt.Sprintf("recipient: %s, error: %s", recipient, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewTokenNotFoundError() *StandardError {
	return &StandardError{
		Code:      ErrCodeTokenNotFound,
		Message:   "Access token not found",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewTokenInvalidHikeError(hikeID int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeTokenInvalidHike,
		Message:   "Access token references an unknown hike",
		Details:   fmt.Sprintf("hikeId: %d", hikeID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewTokenExpiredError(phase string) *StandardError {
	return &StandardError{
		Code:      ErrCodeTokenExpired,
		Message:   "Access token is no longer valid for the current phase",
		Details:   fmt.Sprintf("tokenPhase: %s", phase),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewPhaseMismatchError(want, got string) *StandardError {
	return &StandardError{
		Code:      ErrCodePhaseMismatch,
		Message:   "Action is not available in the current phase",
		Details:   fmt.Sprintf("required: %s, current: %q", want, got),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewNoActiveHikeError() *StandardError {
	return &StandardError{
		Code:      ErrCodeNoActiveHike,
		Message:   "No active hike",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewValidationFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Input validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewAlreadySignedUpError(hikeID, memberID int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeAlreadySignedUp,
		Message:   "Member already holds a transport request for this hike",
		Details:   fmt.Sprintf("hikeId: %d, memberId: %d", hikeID, memberID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewDatabaseError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseError,
		Message:   "Database operation failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewQueueError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueueError,
		Message:   "Dispatch queue operation failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewExternalServiceError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeExternalService,
		Message:   "External service call failed",
		Details:   fmt.Sprintf("service: %s, error: %s", service, err.Error()),
		Retryable: true,
		Metadata:  map[string]interface{}{"service": service},
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// CodeOf returns the code of the first StandardError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ""
}

func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

func IsRetryable(err error) bool {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return false
}

var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeIllegalTransition:        "ILLEGAL_TRANSITION",
	ErrCodeAllocationConflict:       "ALLOCATION_CONFLICT",
	ErrCodeCampaignAlreadyCompleted: "CAMPAIGN_ALREADY_COMPLETED",
	ErrCodeDeliveryFailure:          "DELIVERY_FAILURE",
	ErrCodePhaseMismatch:            "PHASE_MISMATCH",
	ErrCodeNoActiveHike:             "NO_ACTIVE_HIKE",
	ErrCodeValidationFailed:         "VALIDATION_FAILED",
	ErrCodeDatabaseConnectionFailed: "DATABASE_CONNECTION_FAILED",
	ErrCodeDatabaseError:            "DATABASE_ERROR",
	ErrCodeQueueError:               "QUEUE_ERROR",
	ErrCodeAlreadySignedUp:          "ALREADY_SIGNED_UP",
	ErrCodeExternalService:          "EXTERNAL_SERVICE_ERROR",
}

func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeDatabaseError,
		ErrCodeQueueError,
		ErrCodeExternalService,
		ErrCodeDeliveryFailure:
		return 3
	case ErrCodeAllocationConflict:
		return 2 // lock contention clears quickly
	default:
		return 0
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}
	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "TOKEN"):
		return "ACCESS"
	case strings.Contains(codeStr, "TRANSITION") || strings.Contains(codeStr, "PHASE") || strings.Contains(codeStr, "HIKE"):
		return "LIFECYCLE"
	case strings.Contains(codeStr, "ALLOCATION"):
		return "ALLOCATION"
	case strings.Contains(codeStr, "CAMPAIGN") || strings.Contains(codeStr, "DELIVERY") || strings.Contains(codeStr, "QUEUE"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "DATABASE"):
		return "DATABASE"
	case strings.Contains(codeStr, "EXTERNAL"):
		return "EXTERNAL"
	case strings.Contains(codeStr, "VALIDATION") || strings.Contains(codeStr, "SIGNED_UP"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
