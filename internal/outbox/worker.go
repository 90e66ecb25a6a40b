package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"deskrelay/internal/adapter"
	"deskrelay/internal/creds"
	"deskrelay/internal/metrics"
	"deskrelay/internal/repo"
)

type workerStore interface {
	GetChannel(ctx context.Context, id string) (*repo.Channel, error)
	MarkMessageDelivered(ctx context.Context, id, externalID string, deliveredAt time.Time) error
	MarkMessageFailed(ctx context.Context, id, reason string) error
}

type notifier interface {
	PublishNotification(ctx context.Context, routingKey string, n Notification) error
}

// Worker executes outbound send jobs against platform adapters.
// Retryable failures propagate so the queue requeues with backoff;
// everything else is recorded on the message and dropped from the queue.
type Worker struct {
	store       workerStore
	registry    *adapter.Registry
	resolver    *creds.Resolver
	notify      notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	sendTimeout time.Duration
	maxAttempts int
}

// NewWorker builds a Worker. notify may be nil.
func NewWorker(store workerStore, registry *adapter.Registry, resolver *creds.Resolver, notify notifier, m *metrics.Metrics, logger *slog.Logger, sendTimeout time.Duration, maxAttempts int) *Worker {
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		store:       store,
		registry:    registry,
		resolver:    resolver,
		notify:      notify,
		metrics:     m,
		logger:      logger.With("component", "outbox_worker"),
		sendTimeout: sendTimeout,
		maxAttempts: maxAttempts,
	}
}

// Run consumes the send queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, queue *Queue) error {
	queue.OnExhausted(w.Exhausted)
	return queue.Consume(ctx, w.Process)
}

// Exhausted records the failure for a job the queue will not retry
// again. Without it a message parked on the final queue would stay
// in sent state with no failed_reason.
func (w *Worker) Exhausted(ctx context.Context, job Job, attempt int) {
	log := w.logger.With("message_id", job.MessageID, "channel_id", job.ChannelID, "attempt", attempt)
	_ = w.fail(ctx, job, fmt.Sprintf("dropped after %d delivery attempts", attempt), log)
}

// Process handles one send job. attempt is zero-based.
func (w *Worker) Process(ctx context.Context, job Job, attempt int) error {
	log := w.logger.With("message_id", job.MessageID, "channel_id", job.ChannelID, "attempt", attempt)

	channel, err := w.store.GetChannel(ctx, job.ChannelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return w.fail(ctx, job, "channel not found", log)
		}
		return fmt.Errorf("load channel: %w", err)
	}
	if channel.Status != repo.ChannelActive {
		return w.fail(ctx, job, "channel inactive", log)
	}

	platform, ok := adapter.ParsePlatform(channel.Platform)
	if !ok {
		return w.fail(ctx, job, "unknown platform "+channel.Platform, log)
	}
	ad, ok := w.registry.Lookup(platform)
	if !ok {
		return w.fail(ctx, job, "no adapter for platform "+channel.Platform, log)
	}

	credentials, err := w.resolver.Resolve(ctx, job.ChannelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return w.fail(ctx, job, "channel not found", log)
		}
		return fmt.Errorf("resolve credentials: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	start := time.Now()
	result, err := ad.SendMessage(sendCtx, job.ChannelID, job.Message, credentials)
	elapsed := time.Since(start)

	if err != nil {
		ae := adapter.AsError(err)
		adapter.LogError(log, string(platform), "sendMessage", ae, job.ChannelID)
		w.metrics.AdapterErrors.WithLabelValues(string(platform), string(ae.Type)).Inc()
		w.metrics.OutboundSends.WithLabelValues(string(platform), "error").Inc()
		w.metrics.SendLatency.WithLabelValues(string(platform), "error").Observe(elapsed.Seconds())

		if ae.Retryable && attempt+1 < w.maxAttempts {
			w.metrics.QueueRetries.WithLabelValues(queueSend).Inc()
			return ae
		}
		reason := fmt.Sprintf("%s: %s", ae.Type, ae.Message)
		if ae.Retryable {
			reason = fmt.Sprintf("%s (after %d attempts)", reason, attempt+1)
		}
		return w.fail(ctx, job, reason, log)
	}

	if err := w.store.MarkMessageDelivered(ctx, job.MessageID, result.ExternalID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}

	w.metrics.OutboundSends.WithLabelValues(string(platform), "success").Inc()
	w.metrics.SendLatency.WithLabelValues(string(platform), "success").Observe(elapsed.Seconds())
	log.Info("message sent", "platform", platform, "external_id", result.ExternalID, "duration_ms", elapsed.Milliseconds())

	w.publishNotification(ctx, "message.sent", Notification{
		Type:      "message.sent",
		TenantID:  channel.TenantID,
		MessageID: job.MessageID,
		ChannelID: job.ChannelID,
	})
	return nil
}

// fail records a terminal failure on the message and drops the job.
func (w *Worker) fail(ctx context.Context, job Job, reason string, log *slog.Logger) error {
	if err := w.store.MarkMessageFailed(ctx, job.MessageID, reason); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("mark failed: %w", err)
	}
	log.Error("message failed", "reason", reason)

	w.publishNotification(ctx, "message.failed", Notification{
		Type:      "message.failed",
		MessageID: job.MessageID,
		ChannelID: job.ChannelID,
		Reason:    reason,
	})
	return ErrTerminal
}

func (w *Worker) publishNotification(ctx context.Context, routingKey string, n Notification) {
	if w.notify == nil {
		return
	}
	if err := w.notify.PublishNotification(ctx, routingKey, n); err != nil {
		w.logger.Warn("publish notification", "type", n.Type, "error", err)
	}
}
