// Package sla sweeps threads against tenant response-time policies and
// emits warning/expired notifications for breaches.
package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"deskrelay/internal/metrics"
	"deskrelay/internal/outbox"
	"deskrelay/internal/repo"
)

type breachStore interface {
	ListSLABreaches(ctx context.Context, now time.Time) ([]repo.SLABreach, error)
	MarkThreadSLANotified(ctx context.Context, threadID string, at time.Time) error
}

type notifier interface {
	PublishNotification(ctx context.Context, routingKey string, n outbox.Notification) error
}

// Monitor owns the periodic SLA sweep.
type Monitor struct {
	store     breachStore
	notify    notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	interval  time.Duration
	scheduler gocron.Scheduler
}

// NewMonitor builds a Monitor sweeping at the given interval.
func NewMonitor(store breachStore, notify notifier, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		store:    store,
		notify:   notify,
		metrics:  m,
		logger:   logger.With("component", "sla"),
		interval: interval,
	}
}

// Start schedules the sweep. The job runs until Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() {
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("sla sweep failed", "error", err)
				m.metrics.Errors.WithLabelValues("sla").Inc()
			}
		}),
		gocron.WithName("sla-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule sla sweep: %w", err)
	}

	s.Start()
	m.scheduler = s
	m.logger.Info("sla sweep scheduled", "interval", m.interval)
	return nil
}

// Stop shuts the scheduler down.
func (m *Monitor) Stop() {
	if m.scheduler != nil {
		_ = m.scheduler.Shutdown()
	}
}

// Sweep finds breached threads, notifies, and marks them so a breach
// fires at most once.
func (m *Monitor) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	breaches, err := m.store.ListSLABreaches(ctx, now)
	if err != nil {
		return fmt.Errorf("list breaches: %w", err)
	}
	if len(breaches) == 0 {
		return nil
	}

	m.logger.Info("sla breaches found", "count", len(breaches))
	for _, b := range breaches {
		n := outbox.Notification{
			Type:     "sla." + b.Kind,
			TenantID: b.TenantID,
			ThreadID: b.ThreadID,
			Reason:   fmt.Sprintf("no response for %s", b.SinceLast.Round(time.Minute)),
			At:       now,
		}
		if b.AssigneeID != nil {
			n.UserID = *b.AssigneeID
		}
		if err := m.notify.PublishNotification(ctx, n.Type, n); err != nil {
			m.logger.Error("publish sla notification", "thread_id", b.ThreadID, "error", err)
			continue
		}
		if err := m.store.MarkThreadSLANotified(ctx, b.ThreadID, now); err != nil {
			m.logger.Error("mark thread notified", "thread_id", b.ThreadID, "error", err)
			continue
		}
		m.metrics.SLAEvents.WithLabelValues(b.Kind).Inc()
	}
	return nil
}
