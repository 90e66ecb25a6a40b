package sla

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"deskrelay/internal/metrics"
	"deskrelay/internal/outbox"
	"deskrelay/internal/repo"
)

type fakeBreachStore struct {
	breaches []repo.SLABreach
	listErr  error
	notified []string
}

func (s *fakeBreachStore) ListSLABreaches(ctx context.Context, now time.Time) ([]repo.SLABreach, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.breaches, nil
}

func (s *fakeBreachStore) MarkThreadSLANotified(ctx context.Context, threadID string, at time.Time) error {
	s.notified = append(s.notified, threadID)
	return nil
}

type fakeNotifier struct {
	sent    []outbox.Notification
	failFor string
}

func (n *fakeNotifier) PublishNotification(ctx context.Context, routingKey string, notif outbox.Notification) error {
	if n.failFor != "" && notif.ThreadID == n.failFor {
		return errors.New("broker unavailable")
	}
	n.sent = append(n.sent, notif)
	return nil
}

func testMonitor(store *fakeBreachStore, notify *fakeNotifier) *Monitor {
	logger := slog.New(slog.DiscardHandler)
	return NewMonitor(store, notify, metrics.Registry("test"), logger, time.Minute)
}

func TestSweepNotifiesAndMarks(t *testing.T) {
	assignee := "agent-7"
	store := &fakeBreachStore{breaches: []repo.SLABreach{
		{ThreadID: "th-1", TenantID: "tenant-1", Kind: "warning", SinceLast: 70 * time.Minute, AssigneeID: &assignee},
		{ThreadID: "th-2", TenantID: "tenant-1", Kind: "expired", SinceLast: 9 * time.Hour},
	}}
	notify := &fakeNotifier{}

	if err := testMonitor(store, notify).Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(notify.sent) != 2 {
		t.Fatalf("expected two notifications, got %d", len(notify.sent))
	}
	if notify.sent[0].Type != "sla.warning" || notify.sent[1].Type != "sla.expired" {
		t.Fatalf("unexpected notification types %q and %q", notify.sent[0].Type, notify.sent[1].Type)
	}
	if notify.sent[0].UserID != "agent-7" {
		t.Fatalf("expected assignee carried on the warning, got %q", notify.sent[0].UserID)
	}
	if len(store.notified) != 2 {
		t.Fatalf("expected both threads marked, got %v", store.notified)
	}
}

func TestSweepSkipsMarkingOnPublishFailure(t *testing.T) {
	store := &fakeBreachStore{breaches: []repo.SLABreach{
		{ThreadID: "th-1", TenantID: "tenant-1", Kind: "warning", SinceLast: time.Hour},
		{ThreadID: "th-2", TenantID: "tenant-1", Kind: "warning", SinceLast: time.Hour},
	}}
	notify := &fakeNotifier{failFor: "th-1"}

	if err := testMonitor(store, notify).Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(store.notified) != 1 || store.notified[0] != "th-2" {
		t.Fatalf("only the delivered breach may be marked, got %v", store.notified)
	}
}

func TestSweepPropagatesListError(t *testing.T) {
	store := &fakeBreachStore{listErr: errors.New("db down")}
	if err := testMonitor(store, &fakeNotifier{}).Sweep(context.Background()); err == nil {
		t.Fatal("expected list error to propagate")
	}
}

func TestSweepNoBreachesIsQuiet(t *testing.T) {
	store := &fakeBreachStore{}
	notify := &fakeNotifier{}
	if err := testMonitor(store, notify).Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(notify.sent) != 0 {
		t.Fatalf("expected no notifications, got %d", len(notify.sent))
	}
}
