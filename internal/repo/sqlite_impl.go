package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sqliteTimeLayout is the TEXT form timestamps are stored in. It matches
// the strftime defaults in the sqlite migrations and is accepted by
// sqlite's datetime() for interval arithmetic.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

func sqliteTimeString(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse sqlite timestamp %q", s)
}

// sqliteTime scans a stored TEXT timestamp into a time.Time. The driver
// hands TEXT columns back as string, never time.Time.
type sqliteTime struct {
	t time.Time
}

func (v *sqliteTime) Scan(src any) error {
	switch x := src.(type) {
	case string:
		t, err := parseSQLiteTime(x)
		if err != nil {
			return err
		}
		v.t = t
		return nil
	case []byte:
		t, err := parseSQLiteTime(string(x))
		if err != nil {
			return err
		}
		v.t = t
		return nil
	case time.Time:
		v.t = x.UTC()
		return nil
	default:
		return fmt.Errorf("scan sqlite timestamp: unexpected type %T", src)
	}
}

type sqliteNullTime struct {
	t     time.Time
	valid bool
}

func (v *sqliteNullTime) Scan(src any) error {
	if src == nil {
		v.valid = false
		return nil
	}
	var inner sqliteTime
	if err := inner.Scan(src); err != nil {
		return err
	}
	v.t = inner.t
	v.valid = true
	return nil
}

func (v *sqliteNullTime) ptr() *time.Time {
	if !v.valid {
		return nil
	}
	t := v.t
	return &t
}

// -- Channels --

func (r *SQLiteRepository) GetChannel(ctx context.Context, id string) (*Channel, error) {
	const q = `
SELECT id, tenant_id, platform, status, credentials, created_at, updated_at
FROM channels
WHERE id = ?
LIMIT 1;
`
	var (
		c                  Channel
		createdAt, updated sqliteTime
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.TenantID, &c.Platform, &c.Status, &c.Credentials, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = createdAt.t, updated.t
	return &c, nil
}

func (r *SQLiteRepository) ListActiveChannelsByPlatform(ctx context.Context, platform string) ([]Channel, error) {
	const q = `
SELECT id, tenant_id, platform, status, credentials, created_at, updated_at
FROM channels
WHERE platform = ? AND status = 'active'
ORDER BY created_at;
`
	rows, err := r.db.QueryContext(ctx, q, platform)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var (
			c                  Channel
			createdAt, updated sqliteTime
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Platform, &c.Status, &c.Credentials, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		c.CreatedAt, c.UpdatedAt = createdAt.t, updated.t
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

func (r *SQLiteRepository) UpdateChannelCredentials(ctx context.Context, id string, credentials []byte) error {
	const q = `UPDATE channels SET credentials = ?, updated_at = ? WHERE id = ?;`
	res, err := r.db.ExecContext(ctx, q, credentials, sqliteTimeString(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update channel credentials: %w", err)
	}
	return oneRowOrNotFound(res)
}

func (r *SQLiteRepository) SetChannelStatus(ctx context.Context, id, status string) error {
	const q = `UPDATE channels SET status = ?, updated_at = ? WHERE id = ?;`
	res, err := r.db.ExecContext(ctx, q, status, sqliteTimeString(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set channel status: %w", err)
	}
	return oneRowOrNotFound(res)
}

// -- Contacts --

func (r *SQLiteRepository) UpsertContact(ctx context.Context, upsert ContactUpsert) (*Contact, error) {
	const q = `
INSERT INTO contacts (id, tenant_id, platform, handle, name, phone, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, platform, handle) DO UPDATE SET
    name = COALESCE(excluded.name, contacts.name),
    phone = COALESCE(excluded.phone, contacts.phone),
    updated_at = excluded.updated_at
RETURNING id, tenant_id, platform, handle, name, phone, created_at, updated_at;
`
	var (
		c                  Contact
		createdAt, updated sqliteTime
	)
	err := r.db.QueryRowContext(ctx, q,
		uuid.NewString(), upsert.TenantID, upsert.Platform, upsert.Handle, upsert.Name, upsert.Phone, sqliteTimeString(time.Now()),
	).Scan(&c.ID, &c.TenantID, &c.Platform, &c.Handle, &c.Name, &c.Phone, &createdAt, &updated)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = createdAt.t, updated.t
	return &c, nil
}

// -- Threads --

func (r *SQLiteRepository) UpsertThread(ctx context.Context, upsert ThreadUpsert) (*Thread, error) {
	const q = `
INSERT INTO threads (id, channel_id, external_id, contact_id, status, last_message_at)
VALUES (?, ?, ?, ?, 'open', ?)
ON CONFLICT (channel_id, external_id) DO UPDATE SET
    status = CASE WHEN threads.status = 'closed' THEN 'open' ELSE threads.status END,
    last_message_at = MAX(threads.last_message_at, excluded.last_message_at)
RETURNING id, channel_id, external_id, contact_id, status, assignee_id, last_message_at, sla_notified_at, created_at;
`
	var (
		t             Thread
		lastMessage   sqliteTime
		createdAt     sqliteTime
		slaNotifiedAt sqliteNullTime
	)
	err := r.db.QueryRowContext(ctx, q,
		uuid.NewString(), upsert.ChannelID, upsert.ExternalID, upsert.ContactID, sqliteTimeString(upsert.LastMessageAt),
	).Scan(&t.ID, &t.ChannelID, &t.ExternalID, &t.ContactID, &t.Status, &t.AssigneeID, &lastMessage, &slaNotifiedAt, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("upsert thread: %w", err)
	}
	t.LastMessageAt, t.SLANotifiedAt, t.CreatedAt = lastMessage.t, slaNotifiedAt.ptr(), createdAt.t
	return &t, nil
}

func (r *SQLiteRepository) GetThread(ctx context.Context, id string) (*Thread, error) {
	const q = `
SELECT id, channel_id, external_id, contact_id, status, assignee_id, last_message_at, sla_notified_at, created_at
FROM threads
WHERE id = ?
LIMIT 1;
`
	var (
		t             Thread
		lastMessage   sqliteTime
		createdAt     sqliteTime
		slaNotifiedAt sqliteNullTime
	)
	err := r.db.QueryRowContext(ctx, q, id).
		Scan(&t.ID, &t.ChannelID, &t.ExternalID, &t.ContactID, &t.Status, &t.AssigneeID, &lastMessage, &slaNotifiedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	t.LastMessageAt, t.SLANotifiedAt, t.CreatedAt = lastMessage.t, slaNotifiedAt.ptr(), createdAt.t
	return &t, nil
}

// -- Messages --

func (r *SQLiteRepository) InsertInboundMessage(ctx context.Context, insert InboundInsert) (bool, error) {
	attachments, err := marshalAttachments(insert.Attachments)
	if err != nil {
		return false, err
	}
	const q = `
INSERT INTO messages (id, thread_id, channel_id, direction, external_id, body, attachments, sent_at)
VALUES (?, ?, ?, 'inbound', ?, ?, ?, ?)
ON CONFLICT (channel_id, external_id) WHERE external_id IS NOT NULL DO NOTHING;
`
	res, err := r.db.ExecContext(ctx, q,
		uuid.NewString(), insert.ThreadID, insert.ChannelID, insert.ExternalID, insert.Body, string(attachments), sqliteTimeString(insert.SentAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert inbound message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert inbound message: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) InsertOutboundMessage(ctx context.Context, insert OutboundInsert) (*Message, error) {
	attachments, err := marshalAttachments(insert.Attachments)
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO messages (id, thread_id, channel_id, direction, body, attachments, sent_at)
VALUES (?, ?, ?, 'outbound', ?, ?, ?)
RETURNING id, thread_id, channel_id, direction, external_id, body, sent_at, delivered_at, failed_reason, created_at;
`
	var (
		m           Message
		sentAt      sqliteTime
		createdAt   sqliteTime
		deliveredAt sqliteNullTime
	)
	err = r.db.QueryRowContext(ctx, q,
		uuid.NewString(), insert.ThreadID, insert.ChannelID, insert.Body, string(attachments), sqliteTimeString(time.Now()),
	).Scan(&m.ID, &m.ThreadID, &m.ChannelID, &m.Direction, &m.ExternalID, &m.Body, &sentAt, &deliveredAt, &m.FailedReason, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert outbound message: %w", err)
	}
	m.SentAt, m.DeliveredAt, m.CreatedAt = sentAt.t, deliveredAt.ptr(), createdAt.t
	m.Attachments = insert.Attachments
	return &m, nil
}

func (r *SQLiteRepository) GetMessage(ctx context.Context, id string) (*Message, error) {
	const q = `
SELECT id, thread_id, channel_id, direction, external_id, body, attachments, sent_at, delivered_at, failed_reason, created_at
FROM messages
WHERE id = ?
LIMIT 1;
`
	var (
		m           Message
		attachments string
		sentAt      sqliteTime
		createdAt   sqliteTime
		deliveredAt sqliteNullTime
	)
	err := r.db.QueryRowContext(ctx, q, id).
		Scan(&m.ID, &m.ThreadID, &m.ChannelID, &m.Direction, &m.ExternalID, &m.Body, &attachments, &sentAt, &deliveredAt, &m.FailedReason, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.SentAt, m.DeliveredAt, m.CreatedAt = sentAt.t, deliveredAt.ptr(), createdAt.t
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &m, nil
}

func (r *SQLiteRepository) MarkMessageDelivered(ctx context.Context, id, externalID string, deliveredAt time.Time) error {
	const q = `
UPDATE messages
SET external_id = ?, delivered_at = ?, failed_reason = NULL
WHERE id = ?;
`
	res, err := r.db.ExecContext(ctx, q, externalID, sqliteTimeString(deliveredAt), id)
	if err != nil {
		return fmt.Errorf("mark message delivered: %w", err)
	}
	return oneRowOrNotFound(res)
}

func (r *SQLiteRepository) MarkMessageFailed(ctx context.Context, id, reason string) error {
	const q = `UPDATE messages SET failed_reason = ? WHERE id = ?;`
	res, err := r.db.ExecContext(ctx, q, reason, id)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	return oneRowOrNotFound(res)
}

func (r *SQLiteRepository) MarkDeliveredByExternalID(ctx context.Context, channelID, externalID string, deliveredAt time.Time) (bool, error) {
	const q = `
UPDATE messages
SET delivered_at = ?
WHERE channel_id = ? AND external_id = ? AND direction = 'outbound' AND delivered_at IS NULL;
`
	res, err := r.db.ExecContext(ctx, q, sqliteTimeString(deliveredAt), channelID, externalID)
	if err != nil {
		return false, fmt.Errorf("mark delivered by external id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark delivered by external id: %w", err)
	}
	return n > 0, nil
}

// -- SLA --

func (r *SQLiteRepository) ListSLABreaches(ctx context.Context, now time.Time) ([]SLABreach, error) {
	const q = `
SELECT t.id, t.channel_id, c.tenant_id, t.assignee_id,
    CASE WHEN datetime(t.last_message_at) < datetime(?, '-' || s.resolve_minutes || ' minutes')
         THEN 'expired' ELSE 'warning' END AS kind,
    t.last_message_at
FROM threads t
JOIN channels c ON c.id = t.channel_id
JOIN sla_policies s ON s.tenant_id = c.tenant_id
WHERE t.status IN ('open', 'pending')
  AND t.sla_notified_at IS NULL
  AND datetime(t.last_message_at) < datetime(?, '-' || s.first_response_minutes || ' minutes');
`
	ts := sqliteTimeString(now)
	rows, err := r.db.QueryContext(ctx, q, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("list sla breaches: %w", err)
	}
	defer rows.Close()

	var breaches []SLABreach
	for rows.Next() {
		var (
			b             SLABreach
			lastMessageAt sqliteTime
		)
		if err := rows.Scan(&b.ThreadID, &b.ChannelID, &b.TenantID, &b.AssigneeID, &b.Kind, &lastMessageAt); err != nil {
			return nil, fmt.Errorf("scan sla breach: %w", err)
		}
		b.SinceLast = now.Sub(lastMessageAt.t)
		breaches = append(breaches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sla breaches: %w", err)
	}
	return breaches, nil
}

func (r *SQLiteRepository) MarkThreadSLANotified(ctx context.Context, threadID string, at time.Time) error {
	const q = `UPDATE threads SET sla_notified_at = ? WHERE id = ?;`
	res, err := r.db.ExecContext(ctx, q, sqliteTimeString(at), threadID)
	if err != nil {
		return fmt.Errorf("mark thread sla notified: %w", err)
	}
	return oneRowOrNotFound(res)
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
