package startcampaign

import (
	"context"
	"fmt"
	"time"

	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/google/uuid"
)

const TaskType = "start-campaign"

type CampaignStarter interface {
	Start(ctx context.Context, hikeID int64, phase models.Phase) (uuid.UUID, error)
}

// Handler starts the notification campaign for the phase a hike process has
// just entered.
type Handler struct {
	starter      CampaignStarter
	errorHandler *apperrors.ErrorHandler
	timeout      time.Duration
	logger       logger.Logger
}

func NewHandler(starter CampaignStarter, timeout time.Duration, log logger.Logger) *Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		starter:      starter,
		errorHandler: apperrors.NewErrorHandler(log),
		timeout:      timeout,
		logger:       log,
	}
}

func (h *Handler) TaskType() string { return TaskType }

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	input, err := parseInput(job)
	if err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, err)
		return
	}

	cmd, err := client.NewCompleteJobCommand().JobKey(job.Key).VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{"error": err.Error()})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{"error": err.Error()})
	}
}

// Execute starts the campaign. A campaign that already finished for this
// phase is reported in the output rather than failing the job.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	p, _ := models.ParsePhase(input.Phase)

	id, err := h.starter.Start(ctx, input.HikeID, p)
	if apperrors.Is(err, apperrors.ErrCodeCampaignAlreadyCompleted) {
		h.logger.Info("Campaign already completed", map[string]interface{}{
			"hikeId": input.HikeID,
			"phase":  input.Phase,
		})
		return &Output{AlreadyCompleted: true}, nil
	}
	if err != nil && id == uuid.Nil {
		return nil, err
	}
	if err != nil {
		// Committed but not queued; recovery picks it up.
		h.logger.Warn("Campaign created without enqueue", map[string]interface{}{
			"campaignId": id.String(),
			"error":      err.Error(),
		})
	}
	return &Output{CampaignID: id.String()}, nil
}

func parseInput(job entities.Job) (*Input, error) {
	variables, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, apperrors.NewValidationFailedError(fmt.Sprintf("job variables: %v", err))
	}
	result, err := inputSchema.ValidateInput(variables)
	if err != nil {
		return nil, apperrors.NewValidationFailedError(err.Error())
	}
	if !result.Valid {
		return nil, apperrors.NewValidationFailedError(result.Error())
	}

	var input Input
	if err := job.GetVariablesAs(&input); err != nil {
		return nil, apperrors.NewValidationFailedError(err.Error())
	}
	return &input, nil
}
