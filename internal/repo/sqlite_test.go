package repo

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"deskrelay/migrations"
)

func newTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	r, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return r
}

func seedChannel(t *testing.T, r *SQLiteRepository, id, tenantID, platform string) {
	t.Helper()
	_, err := r.db.Exec(
		`INSERT INTO channels (id, tenant_id, platform, credentials) VALUES (?, ?, ?, ?)`,
		id, tenantID, platform, []byte(`{}`),
	)
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}

func seedSLAPolicy(t *testing.T, r *SQLiteRepository, tenantID string, firstResponse, resolve int) {
	t.Helper()
	_, err := r.db.Exec(
		`INSERT INTO sla_policies (id, tenant_id, first_response_minutes, resolve_minutes) VALUES (?, ?, ?, ?)`,
		"pol-"+tenantID, tenantID, firstResponse, resolve,
	)
	if err != nil {
		t.Fatalf("seed sla policy: %v", err)
	}
}

func TestSQLiteChannelRoundTrip(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	seedChannel(t, r, "ch-1", "tenant-1", "whatsapp")

	channel, err := r.GetChannel(ctx, "ch-1")
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if channel.TenantID != "tenant-1" || channel.Platform != "whatsapp" || channel.Status != ChannelActive {
		t.Fatalf("unexpected channel %+v", channel)
	}
	if channel.CreatedAt.IsZero() || channel.UpdatedAt.IsZero() {
		t.Fatal("expected stored timestamps to scan as time values")
	}

	if err := r.UpdateChannelCredentials(ctx, "ch-1", []byte(`{"access_token":"tok"}`)); err != nil {
		t.Fatalf("update credentials: %v", err)
	}
	channel, err = r.GetChannel(ctx, "ch-1")
	if err != nil {
		t.Fatalf("reload channel: %v", err)
	}
	if string(channel.Credentials) != `{"access_token":"tok"}` {
		t.Fatalf("unexpected credentials %q", channel.Credentials)
	}

	if err := r.SetChannelStatus(ctx, "ch-1", ChannelInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	active, err := r.ListActiveChannelsByPlatform(ctx, "whatsapp")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("inactive channel must not be listed, got %d", len(active))
	}

	if _, err := r.GetChannel(ctx, "ch-missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteContactUpsert(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()

	first, err := r.UpsertContact(ctx, ContactUpsert{TenantID: "tenant-1", Platform: "whatsapp", Handle: "628123"})
	if err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	if first.Name != nil {
		t.Fatalf("expected no name, got %q", *first.Name)
	}
	if first.CreatedAt.IsZero() {
		t.Fatal("expected created_at to scan")
	}

	name := "Budi"
	second, err := r.UpsertContact(ctx, ContactUpsert{TenantID: "tenant-1", Platform: "whatsapp", Handle: "628123", Name: &name})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert must reuse the row, got %s vs %s", second.ID, first.ID)
	}
	if second.Name == nil || *second.Name != "Budi" {
		t.Fatal("expected name filled on conflict update")
	}
}

func TestSQLiteThreadUpsertReopensAndKeepsLatest(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	seedChannel(t, r, "ch-1", "tenant-1", "whatsapp")
	contact, err := r.UpsertContact(ctx, ContactUpsert{TenantID: "tenant-1", Platform: "whatsapp", Handle: "628123"})
	if err != nil {
		t.Fatalf("upsert contact: %v", err)
	}

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	thread, err := r.UpsertThread(ctx, ThreadUpsert{ChannelID: "ch-1", ExternalID: "628123", ContactID: contact.ID, LastMessageAt: base})
	if err != nil {
		t.Fatalf("upsert thread: %v", err)
	}
	if thread.Status != ThreadOpen || !thread.LastMessageAt.Equal(base) {
		t.Fatalf("unexpected thread %+v", thread)
	}

	if _, err := r.db.Exec(`UPDATE threads SET status = 'closed' WHERE id = ?`, thread.ID); err != nil {
		t.Fatalf("close thread: %v", err)
	}

	later := base.Add(2 * time.Hour)
	reopened, err := r.UpsertThread(ctx, ThreadUpsert{ChannelID: "ch-1", ExternalID: "628123", ContactID: contact.ID, LastMessageAt: later})
	if err != nil {
		t.Fatalf("reopen thread: %v", err)
	}
	if reopened.ID != thread.ID {
		t.Fatalf("expected same thread row, got %s vs %s", reopened.ID, thread.ID)
	}
	if reopened.Status != ThreadOpen {
		t.Fatalf("expected closed thread reopened, got %q", reopened.Status)
	}
	if !reopened.LastMessageAt.Equal(later) {
		t.Fatalf("expected last_message_at bumped to %v, got %v", later, reopened.LastMessageAt)
	}

	stale, err := r.UpsertThread(ctx, ThreadUpsert{ChannelID: "ch-1", ExternalID: "628123", ContactID: contact.ID, LastMessageAt: base})
	if err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	if !stale.LastMessageAt.Equal(later) {
		t.Fatalf("last_message_at must only move forward, got %v", stale.LastMessageAt)
	}
}

func TestSQLiteInboundMessageIdempotency(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	seedChannel(t, r, "ch-1", "tenant-1", "whatsapp")
	contact, err := r.UpsertContact(ctx, ContactUpsert{TenantID: "tenant-1", Platform: "whatsapp", Handle: "628123"})
	if err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	thread, err := r.UpsertThread(ctx, ThreadUpsert{ChannelID: "ch-1", ExternalID: "628123", ContactID: contact.ID, LastMessageAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("upsert thread: %v", err)
	}

	insert := InboundInsert{
		ThreadID:   thread.ID,
		ChannelID:  "ch-1",
		ExternalID: "wamid.dup1",
		Body:       "halo",
		SentAt:     time.Now().UTC(),
	}
	created, err := r.InsertInboundMessage(ctx, insert)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !created {
		t.Fatal("first insert must create the row")
	}

	created, err = r.InsertInboundMessage(ctx, insert)
	if err != nil {
		t.Fatalf("redelivery insert: %v", err)
	}
	if created {
		t.Fatal("redelivery must be a no-op")
	}

	var count int
	if err := r.db.QueryRow(`SELECT COUNT(1) FROM messages WHERE channel_id = 'ch-1'`).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stored message, got %d", count)
	}
}

func TestSQLiteOutboundLifecycle(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	seedChannel(t, r, "ch-1", "tenant-1", "whatsapp")
	contact, err := r.UpsertContact(ctx, ContactUpsert{TenantID: "tenant-1", Platform: "whatsapp", Handle: "628123"})
	if err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	thread, err := r.UpsertThread(ctx, ThreadUpsert{ChannelID: "ch-1", ExternalID: "628123", ContactID: contact.ID, LastMessageAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("upsert thread: %v", err)
	}

	msg, err := r.InsertOutboundMessage(ctx, OutboundInsert{
		ThreadID:    thread.ID,
		ChannelID:   "ch-1",
		Body:        "reply",
		Attachments: []Attachment{{URL: "https://cdn.example/a.jpg", MimeType: "image/jpeg"}},
	})
	if err != nil {
		t.Fatalf("insert outbound: %v", err)
	}
	if msg.Direction != DirectionOutbound || msg.DeliveredAt != nil || msg.SentAt.IsZero() {
		t.Fatalf("unexpected outbound message %+v", msg)
	}

	deliveredAt := time.Now().UTC().Truncate(time.Millisecond)
	if err := r.MarkMessageDelivered(ctx, msg.ID, "wamid.out1", deliveredAt); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	stored, err := r.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.ExternalID == nil || *stored.ExternalID != "wamid.out1" {
		t.Fatal("expected external id recorded")
	}
	if stored.DeliveredAt == nil || !stored.DeliveredAt.Equal(deliveredAt) {
		t.Fatalf("expected delivered_at %v, got %v", deliveredAt, stored.DeliveredAt)
	}
	if len(stored.Attachments) != 1 || stored.Attachments[0].URL != "https://cdn.example/a.jpg" {
		t.Fatalf("unexpected attachments %+v", stored.Attachments)
	}

	matched, err := r.MarkDeliveredByExternalID(ctx, "ch-1", "wamid.out1", deliveredAt)
	if err != nil {
		t.Fatalf("mark by external id: %v", err)
	}
	if matched {
		t.Fatal("already-delivered message must not match again")
	}

	if err := r.MarkMessageFailed(ctx, "msg-missing", "boom"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteSLABreachSweep(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	seedChannel(t, r, "ch-1", "tenant-1", "whatsapp")
	seedSLAPolicy(t, r, "tenant-1", 60, 480)
	contact, err := r.UpsertContact(ctx, ContactUpsert{TenantID: "tenant-1", Platform: "whatsapp", Handle: "628123"})
	if err != nil {
		t.Fatalf("upsert contact: %v", err)
	}

	now := time.Now().UTC()
	idle, err := r.UpsertThread(ctx, ThreadUpsert{ChannelID: "ch-1", ExternalID: "idle", ContactID: contact.ID, LastMessageAt: now.Add(-3 * time.Hour)})
	if err != nil {
		t.Fatalf("upsert idle thread: %v", err)
	}
	if _, err := r.UpsertThread(ctx, ThreadUpsert{ChannelID: "ch-1", ExternalID: "fresh", ContactID: contact.ID, LastMessageAt: now}); err != nil {
		t.Fatalf("upsert fresh thread: %v", err)
	}

	breaches, err := r.ListSLABreaches(ctx, now)
	if err != nil {
		t.Fatalf("list breaches: %v", err)
	}
	if len(breaches) != 1 {
		t.Fatalf("expected one breach for the idle thread, got %d", len(breaches))
	}
	if breaches[0].ThreadID != idle.ID || breaches[0].Kind != "warning" {
		t.Fatalf("unexpected breach %+v", breaches[0])
	}
	if breaches[0].SinceLast < 2*time.Hour {
		t.Fatalf("expected idle duration reported, got %v", breaches[0].SinceLast)
	}

	stale, err := r.UpsertThread(ctx, ThreadUpsert{ChannelID: "ch-1", ExternalID: "abandoned", ContactID: contact.ID, LastMessageAt: now.Add(-9 * time.Hour)})
	if err != nil {
		t.Fatalf("upsert abandoned thread: %v", err)
	}
	breaches, err = r.ListSLABreaches(ctx, now)
	if err != nil {
		t.Fatalf("list breaches again: %v", err)
	}
	kinds := map[string]string{}
	for _, b := range breaches {
		kinds[b.ThreadID] = b.Kind
	}
	if kinds[stale.ID] != "expired" {
		t.Fatalf("expected resolve breach marked expired, got %q", kinds[stale.ID])
	}

	if err := r.MarkThreadSLANotified(ctx, idle.ID, now); err != nil {
		t.Fatalf("mark notified: %v", err)
	}
	if err := r.MarkThreadSLANotified(ctx, stale.ID, now); err != nil {
		t.Fatalf("mark notified: %v", err)
	}
	breaches, err = r.ListSLABreaches(ctx, now)
	if err != nil {
		t.Fatalf("final list: %v", err)
	}
	if len(breaches) != 0 {
		t.Fatalf("notified threads must not breach again, got %d", len(breaches))
	}
}
