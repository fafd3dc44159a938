package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

// TaskTypeReservationEvent is the asynq task type carrying reservation events.
const TaskTypeReservationEvent = "reservation:event"

// TaskEnqueuer is the subset of *asynq.Client used by TaskNotifier.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskNotifier enqueues every event as an asynq task for the worker process.
type TaskNotifier struct {
	Client   TaskEnqueuer
	Queue    string
	MaxRetry int
}

// Notify implements Notifier. The event id doubles as the task id so a
// re-emitted event is not queued twice.
func (n TaskNotifier) Notify(ctx context.Context, event Event) error {
	if n.Client == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.TaskID(event.ID)}
	if n.Queue != "" {
		opts = append(opts, asynq.Queue(n.Queue))
	}
	if n.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(n.MaxRetry))
	}
	_, err = n.Client.EnqueueContext(ctx, asynq.NewTask(TaskTypeReservationEvent, body), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// DecodeTask extracts the event carried by a reservation task.
func DecodeTask(task *asynq.Task) (Event, error) {
	var ev Event
	if task == nil {
		return ev, errors.New("events: nil task")
	}
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return ev, err
	}
	return ev, nil
}
