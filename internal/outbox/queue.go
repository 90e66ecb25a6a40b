// Package outbox carries outbound messages through RabbitMQ so sends
// survive restarts and retry with backoff instead of hot-looping.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"deskrelay/internal/adapter"
)

const (
	ExchangeOutbound = "deskrelay.outbound"
	ExchangeNotify   = "deskrelay.notify"

	queueSend      = "outbound.send"
	queueSendDead  = "outbound.send.dead"
	queueSendFinal = "outbound.send.final"

	routingKeySend = "message.send"
)

// ErrTerminal marks a job that must not be retried. The consumer routes
// it to the final queue and acks.
var ErrTerminal = errors.New("terminal job failure")

// Job is one outbound send request.
type Job struct {
	MessageID string                  `json:"message_id"`
	ChannelID string                  `json:"channel_id"`
	Message   adapter.OutboundMessage `json:"message"`
}

// Notification is an operator-facing event published on the notify
// exchange for downstream consumers (UI push, email, etc).
type Notification struct {
	Type      string    `json:"type"`
	TenantID  string    `json:"tenant_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Config defines connection parameters and retry topology knobs.
type Config struct {
	URL         string
	Prefetch    int
	RetryDelay  time.Duration
	MaxAttempts int
}

// Queue wraps an AMQP connection with the outbound topology declared.
type Queue struct {
	config Config
	logger *slog.Logger

	exhausted func(ctx context.Context, job Job, attempt int)

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

// NewQueue dials RabbitMQ and declares the exchanges and queues.
func NewQueue(cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	q := &Queue{
		config: cfg,
		logger: logger.With("component", "outbox"),
	}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) connect() error {
	conn, err := amqp.Dial(q.config.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, q.config.RetryDelay); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare topology: %w", err)
	}

	q.mu.Lock()
	q.conn = conn
	q.pub = ch
	q.mu.Unlock()
	return nil
}

// declareTopology declares the send queue with a DLX/TTL retry stage and
// a final queue for exhausted or terminal jobs.
func declareTopology(ch *amqp.Channel, retryDelay time.Duration) error {
	if err := ch.ExchangeDeclare(ExchangeOutbound, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(ExchangeNotify, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queueSend, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": queueSendDead,
	}); err != nil {
		return err
	}
	if err := ch.QueueBind(queueSend, routingKeySend, ExchangeOutbound, false, nil); err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(queueSendDead, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queueSendDead, true, false, false, false, amqp.Table{
		"x-message-ttl":             int32(retryDelay / time.Millisecond),
		"x-dead-letter-exchange":    ExchangeOutbound,
		"x-dead-letter-routing-key": routingKeySend,
	}); err != nil {
		return err
	}
	if err := ch.QueueBind(queueSendDead, "", queueSendDead, false, nil); err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(queueSendFinal, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queueSendFinal, true, false, false, false, nil); err != nil {
		return err
	}
	return ch.QueueBind(queueSendFinal, "", queueSendFinal, false, nil)
}

// Enqueue publishes a send job.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.publish(ctx, ExchangeOutbound, routingKeySend, body, "outbound.job")
}

// PublishNotification publishes an event on the notify exchange.
func (q *Queue) PublishNotification(ctx context.Context, routingKey string, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return q.publish(ctx, ExchangeNotify, routingKey, body, n.Type)
}

func (q *Queue) publish(ctx context.Context, exchange, routingKey string, body []byte, msgType string) error {
	q.mu.Lock()
	ch := q.pub
	q.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("publish channel not available")
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         msgType,
		Timestamp:    time.Now().UTC(),
	})
}

// Consume runs the send-queue consumer until ctx is cancelled, restarting
// the channel with jittered backoff when the broker connection drops.
// handler receives the zero-based attempt number and its error decides
// routing: nil acks, ErrTerminal goes to the final queue, anything else
// dead-letters into the retry stage.
func (q *Queue) Consume(ctx context.Context, handler func(ctx context.Context, job Job, attempt int) error) error {
	backoff := time.Second
	for {
		err := q.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := jitter(backoff)
		q.logger.Error("consumer stopped, restarting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
		if q.conn == nil || q.conn.IsClosed() {
			if cerr := q.connect(); cerr != nil {
				q.logger.Error("reconnect failed", "error", cerr)
				continue
			}
			backoff = time.Second
		}
	}
}

func (q *Queue) consumeOnce(ctx context.Context, handler func(ctx context.Context, job Job, attempt int) error) error {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("connection not available")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.config.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(queueSend, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueSend, err)
	}

	q.logger.Info("consumer started", "queue", queueSend, "prefetch", q.config.Prefetch)

	// Prefetch caps deliveries in flight; the semaphore turns that cap
	// into a bounded worker pool.
	sem := make(chan struct{}, q.config.Prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handleDelivery(ctx, ch, d, handler)
			}(d)
		}
	}
}

func (q *Queue) handleDelivery(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, handler func(ctx context.Context, job Job, attempt int) error) {
	attempt := deathCount(d, queueSend)
	if attempt >= q.config.MaxAttempts {
		q.logger.Warn("job exhausted retries", "message_id", d.MessageId)
		q.reportExhausted(ctx, d.Body, attempt)
		_ = publishCopy(ch, queueSendFinal, d)
		_ = d.Ack(false)
		return
	}

	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.logger.Warn("poison job dropped", "message_id", d.MessageId, "error", err)
		_ = publishCopy(ch, queueSendFinal, d)
		_ = d.Ack(false)
		return
	}

	err := handler(ctx, job, attempt)
	switch {
	case errors.Is(err, ErrTerminal):
		_ = publishCopy(ch, queueSendFinal, d)
		_ = d.Ack(false)
	case err != nil:
		_ = d.Nack(false, false)
	default:
		_ = d.Ack(false)
	}
}

// OnExhausted registers a callback invoked when a job runs out of
// retries, before the delivery is parked on the final queue. Callers
// use it to persist the failure; the queue itself has no store access.
func (q *Queue) OnExhausted(fn func(ctx context.Context, job Job, attempt int)) {
	q.exhausted = fn
}

func (q *Queue) reportExhausted(ctx context.Context, body []byte, attempt int) {
	if q.exhausted == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		q.logger.Warn("exhausted job body unreadable", "error", err)
		return
	}
	q.exhausted(ctx, job, attempt)
}

// Close releases the connection.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		_ = q.pub.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
}

func deathCount(d amqp.Delivery, queue string) int {
	raw, ok := d.Headers["x-death"]
	if !ok {
		return 0
	}
	list, ok := raw.([]any)
	if !ok {
		return 0
	}
	for _, it := range list {
		if m, ok := it.(amqp.Table); ok {
			if name, _ := m["queue"].(string); name == queue {
				if n, ok := m["count"].(int64); ok {
					return int(n)
				}
			}
		}
	}
	return 0
}

func publishCopy(ch *amqp.Channel, exchange string, d amqp.Delivery) error {
	return ch.PublishWithContext(context.Background(), exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         d.Body,
		Headers:      d.Headers,
		MessageId:    d.MessageId,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         d.Type,
	})
}

func jitter(base time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		wait = base
	}
	return wait
}
