// Package webhook receives platform callbacks, verifies them, and turns
// them into normalized contacts, threads, and messages.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"deskrelay/internal/adapter"
	"deskrelay/internal/creds"
	"deskrelay/internal/media"
	"deskrelay/internal/metrics"
	"deskrelay/internal/outbox"
	"deskrelay/internal/repo"
)

type ingestStore interface {
	ListActiveChannelsByPlatform(ctx context.Context, platform string) ([]repo.Channel, error)
	UpsertContact(ctx context.Context, upsert repo.ContactUpsert) (*repo.Contact, error)
	UpsertThread(ctx context.Context, upsert repo.ThreadUpsert) (*repo.Thread, error)
	InsertInboundMessage(ctx context.Context, insert repo.InboundInsert) (bool, error)
	MarkDeliveredByExternalID(ctx context.Context, channelID, externalID string, deliveredAt time.Time) (bool, error)
}

type notifier interface {
	PublishNotification(ctx context.Context, routingKey string, n outbox.Notification) error
}

// Ingestor fans a verified webhook payload out to the active channels of
// a platform and persists whatever each adapter recognizes.
type Ingestor struct {
	store    ingestStore
	registry *adapter.Registry
	resolver *creds.Resolver
	media    *media.Mapper
	notify   notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewIngestor builds an Ingestor. media and notify may be nil.
func NewIngestor(store ingestStore, registry *adapter.Registry, resolver *creds.Resolver, mapper *media.Mapper, notify notifier, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:    store,
		registry: registry,
		resolver: resolver,
		media:    mapper,
		notify:   notify,
		metrics:  m,
		logger:   logger.With("component", "ingest"),
	}
}

// Ingest offers the payload to every active channel of the platform and
// returns how many inbound messages were stored. A payload no channel
// recognizes is not an error; redeliveries count zero.
func (in *Ingestor) Ingest(ctx context.Context, platform adapter.Platform, payload []byte) (int, error) {
	ad, ok := in.registry.Lookup(platform)
	if !ok {
		return 0, adapter.NewError(adapter.ErrorValidation, "no adapter for platform "+string(platform))
	}

	channels, err := in.store.ListActiveChannelsByPlatform(ctx, string(platform))
	if err != nil {
		return 0, err
	}
	channels = in.matchChannels(ctx, ad, platform, channels, payload)

	stored := 0
	for _, channel := range channels {
		msg, err := ad.IngestWebhook(payload, channel.ID)
		if err != nil {
			ae := adapter.AsError(err)
			adapter.LogError(in.logger, string(platform), "ingestWebhook", ae, channel.ID)
			in.metrics.AdapterErrors.WithLabelValues(string(platform), string(ae.Type)).Inc()
			continue
		}
		if msg == nil {
			continue
		}
		if created, err := in.storeInbound(ctx, channel, platform, msg); err != nil {
			in.logger.Error("store inbound message", "channel_id", channel.ID, "error", err)
			in.metrics.Errors.WithLabelValues("ingest").Inc()
		} else if created {
			stored++
		}
	}

	if platform == adapter.PlatformWhatsApp {
		in.applyStatuses(ctx, ad, channels, payload)
	}
	return stored, nil
}

func (in *Ingestor) storeInbound(ctx context.Context, channel repo.Channel, platform adapter.Platform, msg *adapter.InboundMessage) (bool, error) {
	contactUpsert := repo.ContactUpsert{
		TenantID: channel.TenantID,
		Platform: string(platform),
		Handle:   msg.SenderHandle,
	}
	if msg.SenderName != "" {
		contactUpsert.Name = &msg.SenderName
	}
	if platform == adapter.PlatformWhatsApp {
		contactUpsert.Phone = &msg.SenderHandle
	}
	contact, err := in.store.UpsertContact(ctx, contactUpsert)
	if err != nil {
		return false, err
	}

	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	thread, err := in.store.UpsertThread(ctx, repo.ThreadUpsert{
		ChannelID:     channel.ID,
		ExternalID:    msg.ThreadExternalID,
		ContactID:     contact.ID,
		LastMessageAt: sentAt,
	})
	if err != nil {
		return false, err
	}

	created, err := in.store.InsertInboundMessage(ctx, repo.InboundInsert{
		ThreadID:    thread.ID,
		ChannelID:   channel.ID,
		ExternalID:  msg.ExternalID,
		Body:        msg.Body,
		Attachments: in.mapAttachments(ctx, channel, platform, msg.Attachments),
		SentAt:      sentAt,
	})
	if err != nil {
		return false, err
	}
	if !created {
		in.logger.Debug("duplicate inbound message skipped", "channel_id", channel.ID, "external_id", msg.ExternalID)
		return false, nil
	}

	in.metrics.InboundMessages.WithLabelValues(string(platform)).Inc()
	in.logger.Info("inbound message stored",
		"platform", platform,
		"channel_id", channel.ID,
		"thread_id", thread.ID,
		"external_id", msg.ExternalID,
	)

	n := outbox.Notification{
		Type:      "message.received",
		TenantID:  channel.TenantID,
		ThreadID:  thread.ID,
		ChannelID: channel.ID,
	}
	if thread.AssigneeID != nil {
		n.UserID = *thread.AssigneeID
	}
	in.publishNotification(ctx, n)
	return true, nil
}

// matchChannels narrows the fan-out to channels the payload was addressed
// to. WhatsApp webhooks name the receiving number, so a channel whose
// credentials carry a different phone_id never sees another tenant's
// traffic. Channels whose credentials cannot be read keep receiving
// everything rather than silently dropping messages.
func (in *Ingestor) matchChannels(ctx context.Context, ad adapter.Adapter, platform adapter.Platform, channels []repo.Channel, payload []byte) []repo.Channel {
	wa, ok := ad.(*adapter.WhatsApp)
	if !ok || in.resolver == nil {
		return channels
	}
	receiver := wa.ReceiverID(payload)
	if receiver == "" {
		return channels
	}

	matched := channels[:0]
	for _, channel := range channels {
		credentials, err := in.resolver.Resolve(ctx, channel.ID)
		if err != nil {
			in.logger.Warn("resolve credentials for channel match", "channel_id", channel.ID, "error", err)
			matched = append(matched, channel)
			continue
		}
		var c struct {
			PhoneID string `json:"phone_id"`
		}
		if err := json.Unmarshal(credentials, &c); err != nil || c.PhoneID == "" {
			matched = append(matched, channel)
			continue
		}
		if c.PhoneID == receiver {
			matched = append(matched, channel)
		}
	}
	return matched
}

// mapAttachments converts adapter attachments to stored attachments,
// resolving opaque media ids to URLs where the platform requires it.
func (in *Ingestor) mapAttachments(ctx context.Context, channel repo.Channel, platform adapter.Platform, attachments []adapter.Attachment) []repo.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	token := ""
	out := make([]repo.Attachment, 0, len(attachments))
	for _, att := range attachments {
		stored := repo.Attachment{
			URL:      att.URL,
			MimeType: att.MimeType,
			Filename: att.Filename,
			MediaID:  att.MediaID,
		}
		if stored.URL == "" && att.MediaID != "" && in.media != nil {
			if token == "" {
				token = in.accessToken(ctx, channel.ID)
			}
			url, err := in.media.ResolveURL(ctx, platform, att, token)
			if err != nil {
				in.logger.Warn("resolve media url", "channel_id", channel.ID, "media_id", att.MediaID, "error", err)
			} else {
				stored.URL = url
			}
		}
		out = append(out, stored)
	}
	return out
}

func (in *Ingestor) accessToken(ctx context.Context, channelID string) string {
	credentials, err := in.resolver.Resolve(ctx, channelID)
	if err != nil {
		in.logger.Warn("resolve credentials for media", "channel_id", channelID, "error", err)
		return ""
	}
	var c struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(credentials, &c); err != nil {
		return ""
	}
	return c.AccessToken
}

// applyStatuses marks outbound messages delivered from platform status
// receipts carried in the same webhook payload.
func (in *Ingestor) applyStatuses(ctx context.Context, ad adapter.Adapter, channels []repo.Channel, payload []byte) {
	wa, ok := ad.(*adapter.WhatsApp)
	if !ok {
		return
	}
	statuses := wa.ParseStatuses(payload)
	for _, st := range statuses {
		if st.Status != "delivered" && st.Status != "read" {
			continue
		}
		at := st.Timestamp
		if at.IsZero() {
			at = time.Now().UTC()
		}
		for _, channel := range channels {
			matched, err := in.store.MarkDeliveredByExternalID(ctx, channel.ID, st.ExternalID, at)
			if err != nil {
				in.logger.Error("apply delivery status", "channel_id", channel.ID, "external_id", st.ExternalID, "error", err)
				continue
			}
			if matched {
				in.logger.Debug("delivery receipt applied", "channel_id", channel.ID, "external_id", st.ExternalID, "status", st.Status)
				break
			}
		}
	}
}

func (in *Ingestor) publishNotification(ctx context.Context, n outbox.Notification) {
	if in.notify == nil {
		return
	}
	if err := in.notify.PublishNotification(ctx, n.Type, n); err != nil {
		in.logger.Warn("publish notification", "type", n.Type, "error", err)
	}
}
