package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultGraphBaseURL = "https://graph.facebook.com/v21.0"

	// WhatsApp Cloud API rejects text bodies above 4096 characters.
	whatsAppMaxBodyLen = 4096
)

// WhatsApp implements the Adapter contract over the WhatsApp Cloud API.
type WhatsApp struct {
	logger  *slog.Logger
	http    *http.Client
	baseURL string
}

// NewWhatsApp creates a WhatsApp Cloud adapter.
func NewWhatsApp(cfg HTTPConfig, logger *slog.Logger) *WhatsApp {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultGraphBaseURL
	}
	return &WhatsApp{
		logger:  logger.With("component", "adapter_whatsapp"),
		http:    newHTTPClient(cfg.Timeout),
		baseURL: base,
	}
}

// Platform identifies this adapter.
func (w *WhatsApp) Platform() Platform { return PlatformWhatsApp }

// ValidateCredentials checks the blob structurally, then probes the phone
// number endpoint to confirm the token is live.
func (w *WhatsApp) ValidateCredentials(ctx context.Context, creds Credentials) Validation {
	c, verr := decodeCredentials[WhatsAppCredentials](creds, PlatformWhatsApp)
	if verr != nil {
		return Validation{Valid: false, Err: verr}
	}

	url := fmt.Sprintf("%s/%s?fields=id,display_phone_number", w.baseURL, c.PhoneID)
	status, body, err := doJSON(ctx, w.http, http.MethodGet, url, c.AccessToken, nil)
	if err != nil {
		return Validation{Valid: false, Err: AnalyzeAPIError(err, PlatformWhatsApp, "validateCredentials")}
	}
	if status >= 400 {
		return Validation{Valid: false, Err: AnalyzeMetaError(body, status, PlatformWhatsApp, "validateCredentials")}
	}
	return Validation{Valid: true}
}

type waSendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *waText      `json:"text,omitempty"`
	Image            *waMediaLink `json:"image,omitempty"`
	Document         *waDocLink   `json:"document,omitempty"`
}

type waText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type waMediaLink struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type waDocLink struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendMessage delivers a text or media message to a WhatsApp number.
func (w *WhatsApp) SendMessage(ctx context.Context, channelID string, msg OutboundMessage, creds Credentials) (*SendResult, error) {
	c, verr := decodeCredentials[WhatsAppCredentials](creds, PlatformWhatsApp)
	if verr != nil {
		return nil, verr
	}
	if utf8.RuneCountInString(msg.Body) > whatsAppMaxBodyLen {
		e := NewError(ErrorMessageTooLong, fmt.Sprintf("whatsapp: body exceeds %d characters", whatsAppMaxBodyLen))
		return nil, e
	}
	if msg.Body == "" && len(msg.Attachments) == 0 {
		return nil, NewError(ErrorValidation, "whatsapp: message has neither body nor attachments")
	}

	req := waSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.ThreadExternalID,
	}
	switch {
	case msg.Body != "":
		req.Type = "text"
		req.Text = &waText{Body: msg.Body}
	default:
		att := msg.Attachments[0]
		if strings.HasPrefix(att.MimeType, "image/") {
			req.Type = "image"
			req.Image = &waMediaLink{Link: att.URL}
		} else {
			req.Type = "document"
			req.Document = &waDocLink{Link: att.URL, Filename: att.Filename}
		}
	}

	url := fmt.Sprintf("%s/%s/messages", w.baseURL, c.PhoneID)
	status, body, err := doJSON(ctx, w.http, http.MethodPost, url, c.AccessToken, req)
	if err != nil {
		return nil, AnalyzeAPIError(err, PlatformWhatsApp, "sendMessage")
	}
	if status >= 400 {
		return nil, AnalyzeMetaError(body, status, PlatformWhatsApp, "sendMessage")
	}

	var resp waSendResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Messages) == 0 {
		return nil, NewError(ErrorAPI, "whatsapp: send response carried no message id")
	}
	return &SendResult{ExternalID: resp.Messages[0].ID}, nil
}

// ListThreads is a deliberate capability gap: the Cloud API has no
// conversation-listing endpoint, so this succeeds with an empty result.
func (w *WhatsApp) ListThreads(ctx context.Context, channelID string, creds Credentials) ([]ThreadSummary, error) {
	return []ThreadSummary{}, nil
}

// VerifyWebhook delegates to the Meta HMAC-SHA256 scheme.
func (w *WhatsApp) VerifyWebhook(payload []byte, signatureHeader, secret string) bool {
	return VerifyMetaSignature(payload, signatureHeader, secret)
}

// SubscribeWebhooks is a no-op: the Cloud API uses one app-level webhook
// configured in the Meta developer console.
func (w *WhatsApp) SubscribeWebhooks(ctx context.Context, channelID, callbackURL string, creds Credentials) error {
	w.logger.Info("webhook subscription is app-level, nothing to register", "channel_id", channelID, "callback_url", callbackURL)
	return nil
}

// Webhook envelope wire types, Cloud API shapes.
type waWebhookPayload struct {
	Object string           `json:"object"`
	Entry  []waWebhookEntry `json:"entry"`
}

type waWebhookEntry struct {
	ID      string            `json:"id"`
	Changes []waWebhookChange `json:"changes"`
}

type waWebhookChange struct {
	Field string         `json:"field"`
	Value waWebhookValue `json:"value"`
}

type waWebhookValue struct {
	MessagingProduct string              `json:"messaging_product"`
	Metadata         waMetadata          `json:"metadata"`
	Contacts         []waWebhookContact  `json:"contacts,omitempty"`
	Messages         []waInboundMessage  `json:"messages,omitempty"`
	Statuses         []waStatusUpdate    `json:"statuses,omitempty"`
}

type waMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type waWebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waInboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *waInboundMedia `json:"image,omitempty"`
	Video    *waInboundMedia `json:"video,omitempty"`
	Audio    *waInboundMedia `json:"audio,omitempty"`
	Document *waInboundDoc   `json:"document,omitempty"`
}

type waInboundMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

type waInboundDoc struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type waStatusUpdate struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// IngestWebhook normalizes a Cloud API webhook into at most one message.
// Payloads for other platforms and status-only callbacks return nil, nil.
func (w *WhatsApp) IngestWebhook(payload []byte, channelID string) (*InboundMessage, error) {
	var env waWebhookPayload
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, NewError(ErrorValidation, fmt.Sprintf("whatsapp: malformed webhook payload: %v", err))
	}
	if env.Object != "whatsapp_business_account" {
		return nil, nil
	}

	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" || len(change.Value.Messages) == 0 {
				continue
			}
			msg := change.Value.Messages[0]
			out := &InboundMessage{
				ExternalID:       msg.ID,
				SenderHandle:     msg.From,
				ThreadExternalID: msg.From,
				SentAt:           parseEpochSeconds(msg.Timestamp),
			}
			for _, contact := range change.Value.Contacts {
				if contact.WaID == msg.From {
					out.SenderName = contact.Profile.Name
					break
				}
			}
			switch {
			case msg.Text != nil:
				out.Body = msg.Text.Body
			case msg.Image != nil:
				out.Body = msg.Image.Caption
				out.Attachments = append(out.Attachments, Attachment{MediaID: msg.Image.ID, MimeType: msg.Image.MimeType})
			case msg.Video != nil:
				out.Body = msg.Video.Caption
				out.Attachments = append(out.Attachments, Attachment{MediaID: msg.Video.ID, MimeType: msg.Video.MimeType})
			case msg.Audio != nil:
				out.Attachments = append(out.Attachments, Attachment{MediaID: msg.Audio.ID, MimeType: msg.Audio.MimeType})
			case msg.Document != nil:
				out.Body = msg.Document.Caption
				out.Attachments = append(out.Attachments, Attachment{MediaID: msg.Document.ID, MimeType: msg.Document.MimeType, Filename: msg.Document.Filename})
			}
			return out, nil
		}
	}
	return nil, nil
}

// ReceiverID extracts the phone_number_id the webhook was delivered for.
// Empty when the payload carries no metadata.
func (w *WhatsApp) ReceiverID(payload []byte) string {
	var env waWebhookPayload
	if err := json.Unmarshal(payload, &env); err != nil || env.Object != "whatsapp_business_account" {
		return ""
	}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if id := change.Value.Metadata.PhoneNumberID; id != "" {
				return id
			}
		}
	}
	return ""
}

// ParseStatuses extracts delivery receipts from a status-only callback so
// the ingestion pipeline can confirm outbound messages.
func (w *WhatsApp) ParseStatuses(payload []byte) []StatusUpdate {
	var env waWebhookPayload
	if err := json.Unmarshal(payload, &env); err != nil || env.Object != "whatsapp_business_account" {
		return nil
	}
	var out []StatusUpdate
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				out = append(out, StatusUpdate{
					ExternalID: st.ID,
					Status:     st.Status,
					Timestamp:  parseEpochSeconds(st.Timestamp),
				})
			}
		}
	}
	return out
}

func parseEpochSeconds(raw string) time.Time {
	if secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}
