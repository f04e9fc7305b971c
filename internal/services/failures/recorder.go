package failures

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/telemetry"
)

// Recorder appends failure records and forwards them to the notification sink.
// It never fails its caller: storage and notification errors are logged and counted.
type Recorder struct {
	storage  interfaces.FailureStorage
	notifier interfaces.NotificationService
	now      func() time.Time
	logger   arbor.ILogger
}

// NewRecorder creates a failure recorder; every record is also sent to notifier
func NewRecorder(storage interfaces.FailureStorage, notifier interfaces.NotificationService, logger arbor.ILogger) *Recorder {
	return &Recorder{
		storage:  storage,
		notifier: notifier,
		now:      time.Now,
		logger:   logger,
	}
}

func (r *Recorder) Record(ctx context.Context, failure models.FailureRecord) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.PersistenceFailures.Inc()
			r.logger.Warn().Err(common.RecoverAsError(rec)).Str("stage", string(failure.Stage)).Msg("Failure recording panicked")
		}
	}()

	if failure.ID == "" {
		failure.ID = common.NewID("fail")
	}
	if failure.Timestamp.IsZero() {
		failure.Timestamp = r.now()
	}
	if failure.ErrorKind == "" {
		failure.ErrorKind = models.ErrorKindUnknown
	}

	r.logger.Warn().
		Str("user_id", failure.UserID).
		Str("config_id", failure.ConfigID).
		Str("cycle_id", failure.CycleID).
		Str("job", failure.JobRef).
		Str("stage", string(failure.Stage)).
		Str("error_kind", string(failure.ErrorKind)).
		Str("message", failure.Message).
		Msg("Auto-apply failure")

	// Detached so a cancelled cycle still leaves its failure trail
	storeCtx := context.WithoutCancel(ctx)

	if err := r.storage.AppendFailure(storeCtx, &failure); err != nil {
		telemetry.PersistenceFailures.Inc()
		r.logger.Warn().Err(err).Str("failure_id", failure.ID).Msg("Failed to store failure record")
	}

	notification := models.Notification{
		Type:      models.NotificationFailure,
		UserID:    failure.UserID,
		Subject:   string(failure.Stage) + ": " + string(failure.ErrorKind),
		Failure:   &failure,
		CreatedAt: failure.Timestamp,
	}
	if err := r.notifier.Notify(storeCtx, notification); err != nil {
		r.logger.Warn().Err(err).Str("failure_id", failure.ID).Msg("Failed to send failure notification")
	}
}
