package engine

import (
	"context"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// Container file ingestion. Storage watchers (or the agents themselves)
// report files landing in containers; crash and regression reports carry
// their parsed payload so subscribers do not have to fetch the blob.

// ReportFileAdded publishes the event for a new container file. A regression
// report wins over a plain crash report; with neither, the file is announced
// as file_added.
func (e *Engine) ReportFileAdded(ctx context.Context, container, filename string, report *models.Report, regression *models.RegressionReport) error {
	e.TrackOperation()
	defer e.UntrackOperation()

	if container == "" || filename == "" {
		return models.NewError(models.CodeInvalidRequest, "file report requires container and filename")
	}

	switch {
	case regression != nil:
		e.bus.Publish(ctx, models.EventRegressionReported{
			RegressionReport: *regression,
			Container:        container,
			Filename:         filename,
			TaskConfig:       e.reportTaskConfig(ctx, &regression.CrashTestResult),
		})
	case report != nil:
		e.bus.Publish(ctx, models.EventCrashReported{
			Report:     *report,
			Container:  container,
			Filename:   filename,
			TaskConfig: e.reportTaskConfig(ctx, report),
		})
	default:
		e.bus.Publish(ctx, models.EventFileAdded{
			Container: container,
			Filename:  filename,
		})
	}
	return nil
}

// reportTaskConfig resolves the config of the task a report points at, when
// it still exists. Reports outlive their tasks; a missing task is not an
// error.
func (e *Engine) reportTaskConfig(ctx context.Context, report *models.Report) *models.TaskConfig {
	if report.TaskID == nil {
		return nil
	}
	tv, err := e.taskByID(ctx, *report.TaskID)
	if err != nil {
		return nil
	}
	cfg := tv.Entity.Config
	return &cfg
}
