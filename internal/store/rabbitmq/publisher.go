package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/rental-chat/internal/chat"
)

// EventMessageCreated is the AMQP type of chat.MessageEvent bodies.
const EventMessageCreated = "message.created"

var errBadEvent = errors.New("message event missing session or message id")

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

var _ chat.EventPublisher = (*Publisher)(nil)

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareQueues declares the main queue with its retry and dead-letter
// companions. Publisher and worker both call it, so either may start first.
func DeclareQueues(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := RetryQueue(queue)
	dlqQ := queue + ".dlq"

	// DLQ
	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	)
	return err
}

// RetryQueue holds redelivered events until their per-message TTL expires.
func RetryQueue(queue string) string { return queue + ".retry" }

// redeliveryHeader counts passes through the retry queue.
const redeliveryHeader = "x-redelivery"

// Redeliveries reports how many times d already went through the retry queue.
func Redeliveries(d amqp.Delivery) int {
	switch v := d.Headers[redeliveryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Redeliver parks d in the retry queue for delay, after which it is
// dead-lettered back to queue. The caller still acks d.
func Redeliver(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery, delay time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(cctx, "", RetryQueue(queue), false, false, redelivery(d, delay))
}

func redelivery(d amqp.Delivery, delay time.Duration) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[redeliveryHeader] = int32(Redeliveries(d) + 1)

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Type:         d.Type,
		MessageId:    d.MessageId,
		Expiration:   strconv.FormatInt(max(delay.Milliseconds(), 0), 10),
		Body:         d.Body,
		Timestamp:    time.Now(),
	}
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishMessageCreated enqueues ev for the notification worker.
func (p *Publisher) PublishMessageCreated(ctx context.Context, ev chat.MessageEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         EventMessageCreated,
			MessageId:    ev.SessionID + ":" + strconv.FormatUint(ev.MessageID, 10),
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// DecodeMessageEvent parses a delivery body produced by PublishMessageCreated.
func DecodeMessageEvent(body []byte) (chat.MessageEvent, error) {
	var ev chat.MessageEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, err
	}
	if ev.SessionID == "" || ev.MessageID == 0 {
		return ev, errBadEvent
	}
	return ev, nil
}
