package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("repo: not found")

// Store defines the interface for data persistence.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Channels
	GetChannel(ctx context.Context, id string) (*Channel, error)
	ListActiveChannelsByPlatform(ctx context.Context, platform string) ([]Channel, error)
	UpdateChannelCredentials(ctx context.Context, id string, credentials []byte) error
	SetChannelStatus(ctx context.Context, id, status string) error

	// Contacts
	UpsertContact(ctx context.Context, upsert ContactUpsert) (*Contact, error)

	// Threads
	UpsertThread(ctx context.Context, upsert ThreadUpsert) (*Thread, error)
	GetThread(ctx context.Context, id string) (*Thread, error)

	// Messages
	InsertInboundMessage(ctx context.Context, insert InboundInsert) (bool, error)
	InsertOutboundMessage(ctx context.Context, insert OutboundInsert) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	MarkMessageDelivered(ctx context.Context, id, externalID string, deliveredAt time.Time) error
	MarkMessageFailed(ctx context.Context, id, reason string) error
	MarkDeliveredByExternalID(ctx context.Context, channelID, externalID string, deliveredAt time.Time) (bool, error)

	// SLA
	ListSLABreaches(ctx context.Context, now time.Time) ([]SLABreach, error)
	MarkThreadSLANotified(ctx context.Context, threadID string, at time.Time) error
}
