package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Messenger Platform rejects text above 2000 characters for both
// Instagram and Facebook pages.
const metaMaxBodyLen = 2000

// Meta implements the Adapter contract over the Messenger Platform Graph
// API. One implementation serves both Instagram and Facebook; the platform
// field selects the webhook discriminator and conversation surface.
type Meta struct {
	platform Platform
	logger   *slog.Logger
	http     *http.Client
	baseURL  string
}

// NewInstagram creates the Instagram messaging adapter.
func NewInstagram(cfg HTTPConfig, logger *slog.Logger) *Meta {
	return newMeta(PlatformInstagram, cfg, logger)
}

// NewFacebook creates the Facebook Messenger adapter.
func NewFacebook(cfg HTTPConfig, logger *slog.Logger) *Meta {
	return newMeta(PlatformFacebook, cfg, logger)
}

func newMeta(platform Platform, cfg HTTPConfig, logger *slog.Logger) *Meta {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultGraphBaseURL
	}
	return &Meta{
		platform: platform,
		logger:   logger.With("component", "adapter_"+string(platform)),
		http:     newHTTPClient(cfg.Timeout),
		baseURL:  base,
	}
}

// Platform identifies this adapter.
func (m *Meta) Platform() Platform { return m.platform }

// webhookObject is the top-level discriminator Meta sets on webhook
// envelopes for this surface.
func (m *Meta) webhookObject() string {
	if m.platform == PlatformInstagram {
		return "instagram"
	}
	return "page"
}

// ValidateCredentials checks the blob structurally, then probes the page
// endpoint to confirm the token is live.
func (m *Meta) ValidateCredentials(ctx context.Context, creds Credentials) Validation {
	c, verr := decodeCredentials[MetaCredentials](creds, m.platform)
	if verr != nil {
		return Validation{Valid: false, Err: verr}
	}

	url := fmt.Sprintf("%s/%s?fields=id,name", m.baseURL, c.PageID)
	status, body, err := doJSON(ctx, m.http, http.MethodGet, url, c.AccessToken, nil)
	if err != nil {
		return Validation{Valid: false, Err: AnalyzeAPIError(err, m.platform, "validateCredentials")}
	}
	if status >= 400 {
		return Validation{Valid: false, Err: AnalyzeMetaError(body, status, m.platform, "validateCredentials")}
	}
	return Validation{Valid: true}
}

type metaSendRequest struct {
	Recipient     metaRecipient   `json:"recipient"`
	Message       metaSendMessage `json:"message"`
	MessagingType string          `json:"messaging_type"`
}

type metaRecipient struct {
	ID string `json:"id"`
}

type metaSendMessage struct {
	Text       string              `json:"text,omitempty"`
	Attachment *metaSendAttachment `json:"attachment,omitempty"`
}

type metaSendAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL        string `json:"url"`
		IsReusable bool   `json:"is_reusable"`
	} `json:"payload"`
}

type metaSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// SendMessage delivers one message to a Messenger/Instagram conversation.
func (m *Meta) SendMessage(ctx context.Context, channelID string, msg OutboundMessage, creds Credentials) (*SendResult, error) {
	c, verr := decodeCredentials[MetaCredentials](creds, m.platform)
	if verr != nil {
		return nil, verr
	}
	if utf8.RuneCountInString(msg.Body) > metaMaxBodyLen {
		return nil, NewError(ErrorMessageTooLong, fmt.Sprintf("%s: body exceeds %d characters", m.platform, metaMaxBodyLen))
	}
	if msg.Body == "" && len(msg.Attachments) == 0 {
		return nil, NewError(ErrorValidation, fmt.Sprintf("%s: message has neither body nor attachments", m.platform))
	}

	req := metaSendRequest{
		Recipient:     metaRecipient{ID: msg.ThreadExternalID},
		MessagingType: "RESPONSE",
	}
	if msg.Body != "" {
		req.Message.Text = msg.Body
	} else {
		att := msg.Attachments[0]
		sendAtt := &metaSendAttachment{Type: attachmentType(att.MimeType)}
		sendAtt.Payload.URL = att.URL
		req.Message.Attachment = sendAtt
	}

	url := fmt.Sprintf("%s/%s/messages", m.baseURL, c.PageID)
	status, body, err := doJSON(ctx, m.http, http.MethodPost, url, c.AccessToken, req)
	if err != nil {
		return nil, AnalyzeAPIError(err, m.platform, "sendMessage")
	}
	if status >= 400 {
		return nil, AnalyzeMetaError(body, status, m.platform, "sendMessage")
	}

	var resp metaSendResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.MessageID == "" {
		return nil, NewError(ErrorAPI, fmt.Sprintf("%s: send response carried no message id", m.platform))
	}
	return &SendResult{ExternalID: resp.MessageID}, nil
}

func attachmentType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

type metaConversationsResponse struct {
	Data []struct {
		ID           string `json:"id"`
		UpdatedTime  string `json:"updated_time"`
		Participants struct {
			Data []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"data"`
		} `json:"participants"`
	} `json:"data"`
}

// ListThreads returns the page's recent conversations on this surface.
func (m *Meta) ListThreads(ctx context.Context, channelID string, creds Credentials) ([]ThreadSummary, error) {
	c, verr := decodeCredentials[MetaCredentials](creds, m.platform)
	if verr != nil {
		return nil, verr
	}

	surface := "messenger"
	if m.platform == PlatformInstagram {
		surface = "instagram"
	}
	url := fmt.Sprintf("%s/%s/conversations?platform=%s&fields=participants,updated_time", m.baseURL, c.PageID, surface)
	status, body, err := doJSON(ctx, m.http, http.MethodGet, url, c.AccessToken, nil)
	if err != nil {
		return nil, AnalyzeAPIError(err, m.platform, "listThreads")
	}
	if status >= 400 {
		return nil, AnalyzeMetaError(body, status, m.platform, "listThreads")
	}

	var resp metaConversationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewError(ErrorAPI, fmt.Sprintf("%s: malformed conversations response: %v", m.platform, err))
	}

	threads := make([]ThreadSummary, 0, len(resp.Data))
	for _, conv := range resp.Data {
		summary := ThreadSummary{ExternalID: conv.ID}
		if t, err := time.Parse("2006-01-02T15:04:05-0700", conv.UpdatedTime); err == nil {
			summary.UpdatedAt = t
		}
		for _, p := range conv.Participants.Data {
			if p.ID != c.PageID {
				summary.ParticipantHandle = p.ID
				break
			}
		}
		threads = append(threads, summary)
	}
	return threads, nil
}

// VerifyWebhook delegates to the Meta HMAC-SHA256 scheme.
func (m *Meta) VerifyWebhook(payload []byte, signatureHeader, secret string) bool {
	return VerifyMetaSignature(payload, signatureHeader, secret)
}

// SubscribeWebhooks subscribes the page to message webhook fields.
func (m *Meta) SubscribeWebhooks(ctx context.Context, channelID, callbackURL string, creds Credentials) error {
	c, verr := decodeCredentials[MetaCredentials](creds, m.platform)
	if verr != nil {
		return verr
	}

	url := fmt.Sprintf("%s/%s/subscribed_apps?subscribed_fields=messages,messaging_postbacks", m.baseURL, c.PageID)
	status, body, err := doJSON(ctx, m.http, http.MethodPost, url, c.AccessToken, nil)
	if err != nil {
		return AnalyzeAPIError(err, m.platform, "subscribeWebhooks")
	}
	if status >= 400 {
		return AnalyzeMetaError(body, status, m.platform, "subscribeWebhooks")
	}
	m.logger.Info("page subscribed to message webhooks", "channel_id", channelID, "callback_url", callbackURL)
	return nil
}

// Webhook envelope wire types, Messenger Platform shapes.
type metaWebhookPayload struct {
	Object string             `json:"object"`
	Entry  []metaWebhookEntry `json:"entry"`
}

type metaWebhookEntry struct {
	ID        string               `json:"id"`
	Time      int64                `json:"time"`
	Messaging []metaMessagingEvent `json:"messaging"`
}

type metaMessagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message,omitempty"`
}

// IngestWebhook normalizes a Messenger Platform webhook into at most one
// message. Payloads whose object discriminator names a different surface,
// echoes of our own sends, and message-less events return nil, nil.
func (m *Meta) IngestWebhook(payload []byte, channelID string) (*InboundMessage, error) {
	var env metaWebhookPayload
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, NewError(ErrorValidation, fmt.Sprintf("%s: malformed webhook payload: %v", m.platform, err))
	}
	if env.Object != m.webhookObject() {
		return nil, nil
	}

	for _, entry := range env.Entry {
		for _, event := range entry.Messaging {
			if event.Message == nil || event.Message.IsEcho {
				continue
			}
			out := &InboundMessage{
				ExternalID:       event.Message.MID,
				SenderHandle:     event.Sender.ID,
				ThreadExternalID: event.Sender.ID,
				Body:             event.Message.Text,
			}
			if event.Timestamp > 0 {
				out.SentAt = time.UnixMilli(event.Timestamp).UTC()
			} else {
				out.SentAt = time.Now().UTC()
			}
			for _, att := range event.Message.Attachments {
				out.Attachments = append(out.Attachments, Attachment{
					URL:      att.Payload.URL,
					MimeType: mimeFromMetaType(att.Type),
				})
			}
			return out, nil
		}
	}
	return nil, nil
}

func mimeFromMetaType(attType string) string {
	switch attType {
	case "image":
		return "image/jpeg"
	case "video":
		return "video/mp4"
	case "audio":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
