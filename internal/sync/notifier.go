package sync

import (
	"context"

	"go.uber.org/zap"

	"commerce-sync-service/internal/logger"
	"commerce-sync-service/internal/store"
)

type NotificationConfig struct {
	Channel   string `json:"channel,omitempty"`
	Target    string `json:"target,omitempty"`
	OnSuccess bool   `json:"on_success,omitempty"`
	OnFailure bool   `json:"on_failure,omitempty"`
}

// Notifier is the external collaborator informed of run completion and
// failure. The delivery channel is owned elsewhere; failures to notify are
// logged and swallowed, never changing run status.
type Notifier interface {
	Notify(ctx context.Context, result *RunResult, cfg NotificationConfig) error
}

// LogNotifier is the default sink: it records the outcome in the service
// log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, result *RunResult, _ NotificationConfig) error {
	fields := []zap.Field{
		zap.String("runID", result.RunID),
		zap.String("jobID", result.JobID),
		zap.String("status", string(result.Status)),
		zap.Int64("processed", result.RecordsProcessed),
		zap.Int64("created", result.RecordsCreated),
		zap.Int64("updated", result.RecordsUpdated),
		zap.Int64("skipped", result.RecordsSkipped),
	}
	if result.Status == store.RunCompleted {
		logger.Log.Info("Sync run completed", fields...)
	} else {
		logger.Log.Warn("Sync run finished abnormally", fields...)
	}
	return nil
}
