package adapter

import (
	"context"
	"strings"
	"time"
)

// Platform identifies a connected messaging surface type.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformTikTok    Platform = "tiktok"
	PlatformMock      Platform = "mock"
)

// ParsePlatform normalizes a platform string; ok is false for unknown values.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformWhatsApp:
		return PlatformWhatsApp, true
	case PlatformInstagram:
		return PlatformInstagram, true
	case PlatformFacebook:
		return PlatformFacebook, true
	case PlatformTikTok:
		return PlatformTikTok, true
	case PlatformMock:
		return PlatformMock, true
	default:
		return "", false
	}
}

// Attachment is one media item attached to a message. Inbound attachments
// from platforms that return opaque media ids instead of URLs carry the id
// in MediaID until the media mapper resolves a fetchable URL.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	MediaID  string `json:"media_id,omitempty"`
}

// InboundMessage is the normalized DTO every adapter produces from a
// platform webhook, regardless of source wire format.
type InboundMessage struct {
	ExternalID       string
	SenderHandle     string
	SenderName       string
	ThreadExternalID string
	Body             string
	Attachments      []Attachment
	SentAt           time.Time
}

// OutboundMessage is the payload handed to SendMessage.
type OutboundMessage struct {
	ThreadExternalID string       `json:"thread_external_id"`
	Body             string       `json:"body"`
	Attachments      []Attachment `json:"attachments,omitempty"`
}

// SendResult carries the platform-assigned id of a delivered message.
type SendResult struct {
	ExternalID string
}

// ThreadSummary is one conversation returned by ListThreads.
type ThreadSummary struct {
	ExternalID        string
	ParticipantHandle string
	UpdatedAt         time.Time
}

// StatusUpdate is a delivery receipt extracted from a status-only callback.
type StatusUpdate struct {
	ExternalID string
	Status     string
	Timestamp  time.Time
}

// Validation is the outcome of a credential check. Err carries the missing
// fields in its Details when the blob is structurally invalid.
type Validation struct {
	Valid bool
	Err   *Error
}

// Adapter is the capability set every platform implementation provides.
// Expected failures (bad credentials, oversized body, platform 4xx/5xx)
// are reported as *Error values, never panics.
type Adapter interface {
	Platform() Platform

	// ValidateCredentials checks required-field presence first without any
	// network call; only structurally valid blobs may be probed live.
	ValidateCredentials(ctx context.Context, creds Credentials) Validation

	// SendMessage delivers one outbound message. Credential completeness and
	// the platform body-length limit are enforced before any network call.
	SendMessage(ctx context.Context, channelID string, msg OutboundMessage, creds Credentials) (*SendResult, error)

	// ListThreads returns recent conversations. Platforms without a listing
	// capability return an empty slice and nil error.
	ListThreads(ctx context.Context, channelID string, creds Credentials) ([]ThreadSummary, error)

	// VerifyWebhook checks payload authenticity. It must not panic.
	VerifyWebhook(payload []byte, signatureHeader, secret string) bool

	// IngestWebhook normalizes a platform webhook envelope into at most one
	// message. A nil, nil return means the payload is not for this adapter
	// or carries no message; callers skip it silently.
	IngestWebhook(payload []byte, channelID string) (*InboundMessage, error)

	// SubscribeWebhooks registers the callback URL with the platform. No-op
	// for platforms using a fixed app-level webhook.
	SubscribeWebhooks(ctx context.Context, channelID, callbackURL string, creds Credentials) error
}

// Registry resolves adapters by platform.
type Registry struct {
	adapters map[Platform]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[Platform]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Platform()] = a
	}
	return &Registry{adapters: m}
}

// Lookup returns the adapter for a platform.
func (r *Registry) Lookup(p Platform) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Platforms lists the registered platforms.
func (r *Registry) Platforms() []Platform {
	out := make([]Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
