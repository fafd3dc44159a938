package notify

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/resrv-payments/internal/events"
)

// TaskHandler consumes reservation event tasks in the worker process.
type TaskHandler struct {
	Notifiers []events.Notifier
	Logger    zerolog.Logger
}

// ProcessTask implements asynq.Handler. Malformed payloads are skipped
// without retry.
func (h TaskHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ev, err := events.DecodeTask(task)
	if err != nil {
		h.Logger.Error().Err(err).Str("task_type", task.Type()).Msg("reservation_task_malformed")
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	logger := h.Logger.With().Str("event_id", ev.ID).Str("topic", ev.Topic).Str("reservation_id", ev.AggregateID).Logger()
	for _, n := range h.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			logger.Warn().Err(err).Msg("reservation_task_notify_failed")
			return err
		}
	}
	logger.Info().Msg("reservation_task_processed")
	return nil
}

// NewServeMux routes reservation event tasks to h.
func NewServeMux(h TaskHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(events.TaskTypeReservationEvent, h)
	return mux
}
