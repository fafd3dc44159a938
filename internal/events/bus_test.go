package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/resrv-payments/internal/events"
)

type stubStore struct {
	inserted []events.Event
}

func (s *stubStore) InsertEvent(_ context.Context, ev events.Event) (events.Event, error) {
	s.inserted = append(s.inserted, ev)
	return ev, nil
}

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return c.err
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{notifier}}

	payload := map[string]any{"reservationId": "R1"}
	event, err := bus.Emit(context.Background(), events.TopicReservationConfirmed, "R1", payload)
	require.NoError(t, err)
	require.Len(t, store.inserted, 1)
	require.Equal(t, events.TopicReservationConfirmed, store.inserted[0].Topic)
	require.JSONEq(t, `{"reservationId":"R1"}`, string(store.inserted[0].Payload))
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{}
	_, err := bus.Emit(context.Background(), " ", "R1", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicReservationCancelled, "", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicReservationCancelled, "R1", "not json")
	require.Error(t, err)
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	failing := &captureNotifier{err: errors.New("broker down")}
	ok := &captureNotifier{}
	bus := events.Bus{Notifiers: []events.Notifier{failing, ok}}

	event, err := bus.Emit(context.Background(), events.TopicReservationCancelled, "R2", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "broker down")
	require.NotEmpty(t, event.ID)
	require.Len(t, ok.events, 1)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, f.err
}

func TestTaskNotifierEnqueuesEvent(t *testing.T) {
	enq := &fakeEnqueuer{}
	n := events.TaskNotifier{Client: enq, Queue: "events", MaxRetry: 5}
	ev := events.Event{ID: "e1", Topic: events.TopicReservationConfirmed, AggregateID: "R1", Payload: json.RawMessage(`{}`)}

	require.NoError(t, n.Notify(context.Background(), ev))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, events.TaskTypeReservationEvent, enq.tasks[0].Type())

	decoded, err := events.DecodeTask(enq.tasks[0])
	require.NoError(t, err)
	require.Equal(t, ev.ID, decoded.ID)
	require.Equal(t, ev.Topic, decoded.Topic)
}

func TestTaskNotifierIgnoresDuplicateTaskID(t *testing.T) {
	n := events.TaskNotifier{Client: &fakeEnqueuer{err: asynq.ErrTaskIDConflict}}
	require.NoError(t, n.Notify(context.Background(), events.Event{ID: "dup"}))
}

type capturePublisher struct {
	key string
	msg amqp.Publishing
}

func (c *capturePublisher) PublishWithContext(_ context.Context, _ string, key string, _, _ bool, msg amqp.Publishing) error {
	c.key = key
	c.msg = msg
	return nil
}

func TestAMQPNotifierRoutesByTopic(t *testing.T) {
	pub := &capturePublisher{}
	n := events.AMQPNotifier{Channel: pub, Exchange: "reservations"}
	ev := events.Event{ID: "e2", Topic: events.TopicReservationCancelled, Payload: json.RawMessage(`{"id":"R9"}`)}

	require.NoError(t, n.Notify(context.Background(), ev))
	require.Equal(t, events.TopicReservationCancelled, pub.key)
	require.Equal(t, "e2", pub.msg.MessageId)
	require.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	require.JSONEq(t, `{"id":"R9"}`, string(pub.msg.Body))
}
