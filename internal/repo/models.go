package repo

import "time"

// Channel statuses.
const (
	ChannelActive   = "active"
	ChannelInactive = "inactive"
)

// Thread statuses.
const (
	ThreadOpen    = "open"
	ThreadPending = "pending"
	ThreadClosed  = "closed"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Channel represents one connected messaging surface of a tenant.
// Credentials hold the platform-specific blob, sealed at rest when a
// master key is configured.
type Channel struct {
	ID          string
	TenantID    string
	Platform    string
	Status      string
	Credentials []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Contact is a remote end-user, unique per (tenant, platform, handle).
type Contact struct {
	ID        string
	TenantID  string
	Platform  string
	Handle    string
	Name      *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContactUpsert carries data to create or refresh a contact.
type ContactUpsert struct {
	TenantID string
	Platform string
	Handle   string
	Name     *string
	Phone    *string
}

// Thread is a conversation, unique per (channel, external id).
type Thread struct {
	ID            string
	ChannelID     string
	ExternalID    string
	ContactID     string
	Status        string
	AssigneeID    *string
	LastMessageAt time.Time
	SLANotifiedAt *time.Time
	CreatedAt     time.Time
}

// ThreadUpsert carries data to create or touch a thread. A closed thread
// is reopened; last_message_at only moves forward.
type ThreadUpsert struct {
	ChannelID     string
	ExternalID    string
	ContactID     string
	LastMessageAt time.Time
}

// Attachment is one media item stored with a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	MediaID  string `json:"media_id,omitempty"`
}

// Message is one inbound or outbound unit in a thread.
type Message struct {
	ID           string
	ThreadID     string
	ChannelID    string
	Direction    string
	ExternalID   *string
	Body         string
	Attachments  []Attachment
	SentAt       time.Time
	DeliveredAt  *time.Time
	FailedReason *string
	CreatedAt    time.Time
}

// InboundInsert carries a normalized inbound message. ExternalID is the
// idempotency key: redelivered webhooks must not create duplicate rows.
type InboundInsert struct {
	ThreadID    string
	ChannelID   string
	ExternalID  string
	Body        string
	Attachments []Attachment
	SentAt      time.Time
}

// OutboundInsert carries a new outbound message awaiting dispatch.
type OutboundInsert struct {
	ThreadID    string
	ChannelID   string
	Body        string
	Attachments []Attachment
}

// SLAPolicy is a tenant's response-time policy.
type SLAPolicy struct {
	ID                   string
	TenantID             string
	FirstResponseMinutes int
	ResolveMinutes       int
}

// SLABreach is one thread found outside its tenant's SLA window.
type SLABreach struct {
	ThreadID   string
	ChannelID  string
	TenantID   string
	AssigneeID *string
	Kind       string // "warning" or "expired"
	SinceLast  time.Duration
}
