package phase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) PublishMessage(ctx context.Context, name, key, messageID string, ttl time.Duration, vars map[string]interface{}) error {
	return m.Called(ctx, name, key, messageID, ttl, vars).Error(0)
}

func TestZeebePublisher_Publish(t *testing.T) {
	at := time.Date(2026, 10, 3, 9, 0, 0, 0, time.UTC)
	sender := &mockSender{}
	sender.On("PublishMessage", mock.Anything, PhaseEnteredMessage, "42", "hike-42-waiver", 2*time.Hour,
		map[string]interface{}{"hikeId": int64(42), "phase": "waiver", "at": "2026-10-03T09:00:00Z"}).
		Return(nil).Once()

	p := NewZeebePublisher(sender, 2*time.Hour, logger.NewTestLogger(t))
	err := p.Publish(context.Background(), PhaseEntered{HikeID: 42, Phase: models.PhaseWaiver, At: at})

	assert.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestZeebePublisher_WrapsError(t *testing.T) {
	boom := errors.New("unavailable")
	sender := &mockSender{}
	sender.On("PublishMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, time.Hour, mock.Anything).Return(boom)

	p := NewZeebePublisher(sender, 0, logger.NewNoOpLogger())
	err := p.Publish(context.Background(), PhaseEntered{HikeID: 7, Phase: models.PhaseCompleted})

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "hike 7")
}
