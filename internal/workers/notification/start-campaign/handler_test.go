package startcampaign

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"
)

type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) Start(ctx context.Context, hikeID int64, phase models.Phase) (uuid.UUID, error) {
	args := m.Called(ctx, hikeID, phase)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func createMockJob(key int64, variables map[string]interface{}) entities.Job {
	variablesJSON, _ := json.Marshal(variables)
	return entities.Job{ActivatedJob: &pb.ActivatedJob{
		Key:                key,
		Type:               TaskType,
		ProcessInstanceKey: key * 10,
		BpmnProcessId:      "weekly-hike",
		CustomHeaders:      "{}",
		Retries:            3,
		Variables:          string(variablesJSON),
	}}
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		name      string
		variables map[string]interface{}
		want      *Input
		wantErr   bool
	}{
		{
			name:      "valid with extra process variables",
			variables: map[string]interface{}{"hikeId": 9, "phase": "signup", "at": "2026-10-01T00:00:00Z"},
			want:      &Input{HikeID: 9, Phase: "signup"},
		},
		{name: "missing hike", variables: map[string]interface{}{"phase": "voting"}, wantErr: true},
		{name: "completed is not notifiable", variables: map[string]interface{}{"hikeId": 9, "phase": "completed"}, wantErr: true},
		{name: "fractional hike id", variables: map[string]interface{}{"hikeId": 1.5, "phase": "waiver"}, wantErr: true},
		{name: "zero hike id", variables: map[string]interface{}{"hikeId": 0, "phase": "waiver"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, err := parseInput(createMockJob(1, tt.variables))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, input)
		})
	}
}

func TestParseInput_MalformedVariables(t *testing.T) {
	job := createMockJob(1, nil)
	job.Variables = `{"hikeId": `

	_, err := parseInput(job)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
}

func TestHandler_Execute(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		retID   uuid.UUID
		retErr  error
		want    *Output
		wantErr apperrors.ErrorCode
	}{
		{name: "started", retID: id, want: &Output{CampaignID: id.String()}},
		{
			name:   "already completed",
			retID:  uuid.Nil,
			retErr: apperrors.NewCampaignAlreadyCompletedError(3, "waiver"),
			want:   &Output{AlreadyCompleted: true},
		},
		{
			name:   "created but not queued",
			retID:  id,
			retErr: apperrors.NewQueueError("lpush", errors.New("down")),
			want:   &Output{CampaignID: id.String()},
		},
		{
			name:    "phase mismatch",
			retID:   uuid.Nil,
			retErr:  apperrors.NewPhaseMismatchError("waiver", "signup"),
			wantErr: apperrors.ErrCodePhaseMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starter := &MockStarter{}
			starter.On("Start", mock.Anything, int64(3), models.PhaseWaiver).Return(tt.retID, tt.retErr).Once()

			h := NewHandler(starter, 0, logger.NewTestLogger(t))
			out, err := h.Execute(context.Background(), &Input{HikeID: 3, Phase: "waiver"})

			if tt.wantErr != "" {
				assert.True(t, apperrors.Is(err, tt.wantErr))
				assert.Nil(t, out)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, out)
			}
			starter.AssertExpectations(t)
		})
	}
}

func TestHandler_TaskType(t *testing.T) {
	h := NewHandler(&MockStarter{}, 0, logger.NewNoOpLogger())
	assert.Equal(t, "start-campaign", h.TaskType())
}
