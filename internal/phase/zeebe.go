package phase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"hike-coordinator/internal/common/logger"
)

// PhaseEnteredMessage is the BPMN message a hike process waits on.
const PhaseEnteredMessage = "hike-phase-entered"

// MessageSender publishes a correlated workflow message.
type MessageSender interface {
	PublishMessage(ctx context.Context, name, correlationKey, messageID string, ttl time.Duration, vars map[string]interface{}) error
}

// ZeebePublisher forwards PhaseEntered events as workflow messages correlated
// by hike ID.
type ZeebePublisher struct {
	sender MessageSender
	ttl    time.Duration
	logger logger.Logger
}

func NewZeebePublisher(sender MessageSender, ttl time.Duration, log logger.Logger) *ZeebePublisher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ZeebePublisher{sender: sender, ttl: ttl, logger: logger.Component(log, "zeebe-publisher")}
}

func (p *ZeebePublisher) Publish(ctx context.Context, e PhaseEntered) error {
	key := strconv.FormatInt(e.HikeID, 10)
	vars := map[string]interface{}{
		"hikeId": e.HikeID,
		"phase":  e.Phase.String(),
		"at":     e.At.UTC().Format(time.RFC3339),
	}
	messageID := fmt.Sprintf("hike-%d-%s", e.HikeID, e.Phase)

	if err := p.sender.PublishMessage(ctx, PhaseEnteredMessage, key, messageID, p.ttl, vars); err != nil {
		return fmt.Errorf("publish %s for hike %d: %w", PhaseEnteredMessage, e.HikeID, err)
	}
	p.logger.Debug("Published phase message", map[string]interface{}{
		"hikeId": e.HikeID,
		"phase":  e.Phase.String(),
	})
	return nil
}
