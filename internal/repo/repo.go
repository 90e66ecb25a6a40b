package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Repository)(nil)

// Repository provides typed access to Postgres resources.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &Repository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// RunMigrations applies schema migrations on the connected database.
func (r *Repository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// GetChannel loads a channel by id.
func (r *Repository) GetChannel(ctx context.Context, id string) (*Channel, error) {
	const q = `
SELECT id, tenant_id, platform, status, credentials, created_at, updated_at
FROM channels
WHERE id = $1;
`
	var c Channel
	err := r.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.TenantID, &c.Platform, &c.Status, &c.Credentials, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &c, nil
}

// ListActiveChannelsByPlatform returns every active channel of a platform
// type. Inbound webhooks do not self-identify a channel, so each one is
// offered the payload.
func (r *Repository) ListActiveChannelsByPlatform(ctx context.Context, platform string) ([]Channel, error) {
	const q = `
SELECT id, tenant_id, platform, status, credentials, created_at, updated_at
FROM channels
WHERE platform = $1 AND status = 'active'
ORDER BY created_at;
`
	rows, err := r.pool.Query(ctx, q, platform)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Platform, &c.Status, &c.Credentials, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// UpdateChannelCredentials replaces a channel's stored credential blob.
func (r *Repository) UpdateChannelCredentials(ctx context.Context, id string, credentials []byte) error {
	const q = `UPDATE channels SET credentials = $2, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, credentials)
	if err != nil {
		return fmt.Errorf("update channel credentials: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChannelStatus activates or deactivates a channel.
func (r *Repository) SetChannelStatus(ctx context.Context, id, status string) error {
	const q = `UPDATE channels SET status = $2, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("set channel status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertContact creates or refreshes a contact keyed by
// (tenant, platform, handle). Name and phone update opportunistically.
func (r *Repository) UpsertContact(ctx context.Context, upsert ContactUpsert) (*Contact, error) {
	const q = `
INSERT INTO contacts (tenant_id, platform, handle, name, phone, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (tenant_id, platform, handle) DO UPDATE SET
    name = COALESCE(EXCLUDED.name, contacts.name),
    phone = COALESCE(EXCLUDED.phone, contacts.phone),
    updated_at = NOW()
RETURNING id, tenant_id, platform, handle, name, phone, created_at, updated_at;
`
	var c Contact
	err := r.pool.QueryRow(ctx, q, upsert.TenantID, upsert.Platform, upsert.Handle, upsert.Name, upsert.Phone).
		Scan(&c.ID, &c.TenantID, &c.Platform, &c.Handle, &c.Name, &c.Phone, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	return &c, nil
}

// UpsertThread creates or touches a thread keyed by (channel, external id).
// A closed thread reopens; last_message_at only moves forward.
func (r *Repository) UpsertThread(ctx context.Context, upsert ThreadUpsert) (*Thread, error) {
	const q = `
INSERT INTO threads (channel_id, external_id, contact_id, status, last_message_at)
VALUES ($1, $2, $3, 'open', $4)
ON CONFLICT (channel_id, external_id) DO UPDATE SET
    status = CASE WHEN threads.status = 'closed' THEN 'open' ELSE threads.status END,
    last_message_at = GREATEST(threads.last_message_at, EXCLUDED.last_message_at)
RETURNING id, channel_id, external_id, contact_id, status, assignee_id, last_message_at, sla_notified_at, created_at;
`
	var t Thread
	err := r.pool.QueryRow(ctx, q, upsert.ChannelID, upsert.ExternalID, upsert.ContactID, upsert.LastMessageAt).
		Scan(&t.ID, &t.ChannelID, &t.ExternalID, &t.ContactID, &t.Status, &t.AssigneeID, &t.LastMessageAt, &t.SLANotifiedAt, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert thread: %w", err)
	}
	return &t, nil
}

// GetThread loads a thread by id.
func (r *Repository) GetThread(ctx context.Context, id string) (*Thread, error) {
	const q = `
SELECT id, channel_id, external_id, contact_id, status, assignee_id, last_message_at, sla_notified_at, created_at
FROM threads
WHERE id = $1;
`
	var t Thread
	err := r.pool.QueryRow(ctx, q, id).
		Scan(&t.ID, &t.ChannelID, &t.ExternalID, &t.ContactID, &t.Status, &t.AssigneeID, &t.LastMessageAt, &t.SLANotifiedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &t, nil
}

// InsertInboundMessage stores a normalized inbound message. The unique
// (channel_id, external_id) constraint absorbs webhook redelivery; the
// bool result reports whether a new row was created.
func (r *Repository) InsertInboundMessage(ctx context.Context, insert InboundInsert) (bool, error) {
	attachments, err := marshalAttachments(insert.Attachments)
	if err != nil {
		return false, err
	}
	const q = `
INSERT INTO messages (thread_id, channel_id, direction, external_id, body, attachments, sent_at)
VALUES ($1, $2, 'inbound', $3, $4, $5, $6)
ON CONFLICT (channel_id, external_id) WHERE external_id IS NOT NULL DO NOTHING;
`
	ct, err := r.pool.Exec(ctx, q, insert.ThreadID, insert.ChannelID, insert.ExternalID, insert.Body, attachments, insert.SentAt)
	if err != nil {
		return false, fmt.Errorf("insert inbound message: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// InsertOutboundMessage stores a new outbound message awaiting dispatch.
func (r *Repository) InsertOutboundMessage(ctx context.Context, insert OutboundInsert) (*Message, error) {
	attachments, err := marshalAttachments(insert.Attachments)
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO messages (thread_id, channel_id, direction, body, attachments, sent_at)
VALUES ($1, $2, 'outbound', $3, $4, NOW())
RETURNING id, thread_id, channel_id, direction, external_id, body, sent_at, delivered_at, failed_reason, created_at;
`
	var m Message
	err = r.pool.QueryRow(ctx, q, insert.ThreadID, insert.ChannelID, insert.Body, attachments).
		Scan(&m.ID, &m.ThreadID, &m.ChannelID, &m.Direction, &m.ExternalID, &m.Body, &m.SentAt, &m.DeliveredAt, &m.FailedReason, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert outbound message: %w", err)
	}
	m.Attachments = insert.Attachments
	return &m, nil
}

// GetMessage loads a message by id.
func (r *Repository) GetMessage(ctx context.Context, id string) (*Message, error) {
	const q = `
SELECT id, thread_id, channel_id, direction, external_id, body, attachments, sent_at, delivered_at, failed_reason, created_at
FROM messages
WHERE id = $1;
`
	var m Message
	var attachments []byte
	err := r.pool.QueryRow(ctx, q, id).
		Scan(&m.ID, &m.ThreadID, &m.ChannelID, &m.Direction, &m.ExternalID, &m.Body, &attachments, &m.SentAt, &m.DeliveredAt, &m.FailedReason, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &m, nil
}

// MarkMessageDelivered records the platform-assigned id and delivery time
// of an outbound message.
func (r *Repository) MarkMessageDelivered(ctx context.Context, id, externalID string, deliveredAt time.Time) error {
	const q = `
UPDATE messages
SET external_id = $2, delivered_at = $3, failed_reason = NULL
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, id, externalID, deliveredAt)
	if err != nil {
		return fmt.Errorf("mark message delivered: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessageFailed records why an outbound send failed; delivered_at
// stays unset so the surrounding UI renders the failed state.
func (r *Repository) MarkMessageFailed(ctx context.Context, id, reason string) error {
	const q = `UPDATE messages SET failed_reason = $2 WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeliveredByExternalID confirms delivery from a platform status
// receipt. The bool result reports whether a matching row was found.
func (r *Repository) MarkDeliveredByExternalID(ctx context.Context, channelID, externalID string, deliveredAt time.Time) (bool, error) {
	const q = `
UPDATE messages
SET delivered_at = $3
WHERE channel_id = $1 AND external_id = $2 AND direction = 'outbound' AND delivered_at IS NULL;
`
	ct, err := r.pool.Exec(ctx, q, channelID, externalID, deliveredAt)
	if err != nil {
		return false, fmt.Errorf("mark delivered by external id: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ListSLABreaches finds open and pending threads outside their tenant's
// SLA window that have not yet been notified.
func (r *Repository) ListSLABreaches(ctx context.Context, now time.Time) ([]SLABreach, error) {
	const q = `
SELECT t.id, t.channel_id, c.tenant_id, t.assignee_id,
    CASE WHEN t.last_message_at < $1::timestamptz - make_interval(mins => s.resolve_minutes)
         THEN 'expired' ELSE 'warning' END AS kind,
    t.last_message_at
FROM threads t
JOIN channels c ON c.id = t.channel_id
JOIN sla_policies s ON s.tenant_id = c.tenant_id
WHERE t.status IN ('open', 'pending')
  AND t.sla_notified_at IS NULL
  AND t.last_message_at < $1::timestamptz - make_interval(mins => s.first_response_minutes);
`
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("list sla breaches: %w", err)
	}
	defer rows.Close()

	var breaches []SLABreach
	for rows.Next() {
		var b SLABreach
		var lastMessageAt time.Time
		if err := rows.Scan(&b.ThreadID, &b.ChannelID, &b.TenantID, &b.AssigneeID, &b.Kind, &lastMessageAt); err != nil {
			return nil, fmt.Errorf("scan sla breach: %w", err)
		}
		b.SinceLast = now.Sub(lastMessageAt)
		breaches = append(breaches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sla breaches: %w", err)
	}
	return breaches, nil
}

// MarkThreadSLANotified suppresses duplicate SLA notifications.
func (r *Repository) MarkThreadSLANotified(ctx context.Context, threadID string, at time.Time) error {
	const q = `UPDATE threads SET sla_notified_at = $2 WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, threadID, at)
	if err != nil {
		return fmt.Errorf("mark thread sla notified: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalAttachments(attachments []Attachment) ([]byte, error) {
	if len(attachments) == 0 {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}
	return data, nil
}
