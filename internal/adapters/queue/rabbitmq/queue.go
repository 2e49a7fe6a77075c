package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drivefast/mmsgw/internal/ports"
)

const exchangeName = "mmsgw"

// Queue implements ports.JobQueue using RabbitMQ. Queues are declared
// idempotently the first time they are published to or consumed from.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
}

// New dials RabbitMQ, opens a channel and declares the exchange.
func New(amqpURL string, log *slog.Logger) (*Queue, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	// One job at a time per gateway worker; parallelism comes from running
	// more gateway instances, not from concurrent jobs in one process.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Queue{conn: conn, channel: ch, log: log, declared: map[string]bool{}}, nil
}

// Close cleanly shuts down the channel and connection.
func (q *Queue) Close() {
	q.channel.Close()
	q.conn.Close()
}

// declare idempotently sets up a named queue bound to the exchange with its
// own name as routing key.
func (q *Queue) declare(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[name] {
		return nil
	}
	if _, err := q.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := q.channel.QueueBind(name, name, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

// Enqueue serialises the job and publishes it to the named queue. The job TTL
// becomes the message expiration, so unclaimed jobs are dropped by the broker.
func (q *Queue) Enqueue(ctx context.Context, queue string, job ports.Job) error {
	if err := q.declare(queue); err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Body:         body,
	}
	if job.TTL > 0 {
		pub.Expiration = strconv.Itoa(job.TTL * 1000)
	}

	return q.channel.PublishWithContext(ctx, exchangeName, queue, false, false, pub)
}

// Consume registers a consumer on each named queue and funnels all deliveries
// through handler, one at a time. The job is acknowledged only if the handler
// returns nil; a handler error requeues it. It blocks until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, handler func(ctx context.Context, job ports.Job) error, queues ...string) error {
	merged := make(chan amqp.Delivery)
	var wg sync.WaitGroup

	for _, name := range queues {
		if err := q.declare(name); err != nil {
			return err
		}
		deliveries, err := q.channel.Consume(name, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", name, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				merged <- d
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-merged:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			var job ports.Job
			if err := json.Unmarshal(d.Body, &job); err != nil {
				q.log.Error("unmarshal job", "err", err)
				d.Nack(false, false) // don't requeue malformed payloads
				continue
			}

			if err := handler(ctx, job); err != nil {
				q.log.Error("job handler error", "job_id", job.ID, "fn", job.Fn, "err", err)
				d.Nack(false, true)
				continue
			}

			d.Ack(false)
		}
	}
}
