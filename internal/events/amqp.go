package events

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of *amqp.Channel used by AMQPNotifier.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes events to a topic exchange using the event topic as routing key.
type AMQPNotifier struct {
	Channel  Publisher
	Exchange string
}

// Notify implements Notifier.
func (n AMQPNotifier) Notify(ctx context.Context, event Event) error {
	if n.Channel == nil {
		return nil
	}
	return n.Channel.PublishWithContext(ctx, n.Exchange, event.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    time.Now().UTC(),
		Type:         event.Topic,
		Body:         event.Payload,
	})
}

// DialAMQP connects to the broker and declares a durable topic exchange.
// The returned close function releases both the channel and the connection.
func DialAMQP(url, exchange string) (*AMQPNotifier, func() error, error) {
	if url == "" {
		return nil, nil, errors.New("events: amqp url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return &AMQPNotifier{Channel: ch, Exchange: exchange}, closeFn, nil
}
