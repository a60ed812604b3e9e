package camunda

import (
	"time"

	"hike-coordinator/internal/common/logger"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
)

// JobHandler completes or fails the job itself.
type JobHandler interface {
	TaskType() string
	Handle(client worker.JobClient, job entities.Job)
}

type Worker struct {
	worker   worker.JobWorker
	logger   logger.Logger
	taskType string
}

// NewWorker opens a job worker for the handler's task type.
func NewWorker(client zbc.Client, handler JobHandler, maxJobsActive int, timeout time.Duration, log logger.Logger) *Worker {
	if maxJobsActive <= 0 {
		maxJobsActive = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	taskType := handler.TaskType()
	log = logger.Component(log, "zeebe-worker").WithFields(map[string]interface{}{"taskType": taskType})

	jobWorker := client.NewJobWorker().
		JobType(taskType).
		Handler(handler.Handle).
		MaxJobsActive(maxJobsActive).
		Timeout(timeout).
		Name("hike-coordinator").
		Open()

	log.Info("Worker started", map[string]interface{}{
		"maxJobsActive": maxJobsActive,
		"timeout":       timeout.String(),
	})

	return &Worker{worker: jobWorker, logger: log, taskType: taskType}
}

// Stop closes the worker and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker", nil)
	w.worker.Close()
	w.worker.AwaitClose()
}
