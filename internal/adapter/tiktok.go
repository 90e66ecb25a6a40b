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

const (
	defaultTikTokBaseURL = "https://business-api.tiktok.com/open_api/v1.3"

	// TikTok business messaging caps direct message text at 6000 characters.
	tikTokMaxBodyLen = 6000
)

// TikTok implements the Adapter contract over the TikTok Business
// Messaging API.
type TikTok struct {
	logger  *slog.Logger
	http    *http.Client
	baseURL string
}

// NewTikTok creates a TikTok business messaging adapter.
func NewTikTok(cfg HTTPConfig, logger *slog.Logger) *TikTok {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultTikTokBaseURL
	}
	return &TikTok{
		logger:  logger.With("component", "adapter_tiktok"),
		http:    newHTTPClient(cfg.Timeout),
		baseURL: base,
	}
}

// Platform identifies this adapter.
func (t *TikTok) Platform() Platform { return PlatformTikTok }

// ValidateCredentials checks the blob structurally, then probes the
// business account endpoint to confirm the token is live.
func (t *TikTok) ValidateCredentials(ctx context.Context, creds Credentials) Validation {
	c, verr := decodeCredentials[TikTokCredentials](creds, PlatformTikTok)
	if verr != nil {
		return Validation{Valid: false, Err: verr}
	}

	url := t.baseURL + "/business/get/"
	status, body, err := doJSON(ctx, t.http, http.MethodGet, url, c.AccessToken, nil)
	if err != nil {
		return Validation{Valid: false, Err: AnalyzeAPIError(err, PlatformTikTok, "validateCredentials")}
	}
	if status >= 400 {
		return Validation{Valid: false, Err: AnalyzeHTTPStatus(status, string(body), PlatformTikTok, "validateCredentials")}
	}
	return Validation{Valid: true}
}

type tikTokSendRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageType    string `json:"message_type"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
}

type tikTokEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// SendMessage delivers one direct message to a TikTok conversation.
func (t *TikTok) SendMessage(ctx context.Context, channelID string, msg OutboundMessage, creds Credentials) (*SendResult, error) {
	c, verr := decodeCredentials[TikTokCredentials](creds, PlatformTikTok)
	if verr != nil {
		return nil, verr
	}
	if utf8.RuneCountInString(msg.Body) > tikTokMaxBodyLen {
		return nil, NewError(ErrorMessageTooLong, fmt.Sprintf("tiktok: body exceeds %d characters", tikTokMaxBodyLen))
	}
	if msg.Body == "" && len(msg.Attachments) == 0 {
		return nil, NewError(ErrorValidation, "tiktok: message has neither body nor attachments")
	}

	req := tikTokSendRequest{ConversationID: msg.ThreadExternalID}
	if msg.Body != "" {
		req.MessageType = "text"
		req.Text = msg.Body
	} else {
		req.MessageType = "media"
		req.MediaURL = msg.Attachments[0].URL
	}

	url := t.baseURL + "/business/message/send/"
	status, body, err := doJSON(ctx, t.http, http.MethodPost, url, c.AccessToken, req)
	if err != nil {
		return nil, AnalyzeAPIError(err, PlatformTikTok, "sendMessage")
	}
	if status >= 400 {
		return nil, AnalyzeHTTPStatus(status, string(body), PlatformTikTok, "sendMessage")
	}

	var env tikTokEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, NewError(ErrorAPI, fmt.Sprintf("tiktok: malformed send response: %v", err))
	}
	if env.Code != 0 {
		e := NewError(ErrorAPI, fmt.Sprintf("tiktok sendMessage: %s (code=%d)", env.Message, env.Code))
		e.StatusCode = status
		return nil, e
	}

	var data struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.MessageID == "" {
		return nil, NewError(ErrorAPI, "tiktok: send response carried no message id")
	}
	return &SendResult{ExternalID: data.MessageID}, nil
}

// ListThreads returns the account's recent direct message conversations.
func (t *TikTok) ListThreads(ctx context.Context, channelID string, creds Credentials) ([]ThreadSummary, error) {
	c, verr := decodeCredentials[TikTokCredentials](creds, PlatformTikTok)
	if verr != nil {
		return nil, verr
	}

	url := t.baseURL + "/business/message/conversations/"
	status, body, err := doJSON(ctx, t.http, http.MethodGet, url, c.AccessToken, nil)
	if err != nil {
		return nil, AnalyzeAPIError(err, PlatformTikTok, "listThreads")
	}
	if status >= 400 {
		return nil, AnalyzeHTTPStatus(status, string(body), PlatformTikTok, "listThreads")
	}

	var env tikTokEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Code != 0 {
		return nil, NewError(ErrorAPI, fmt.Sprintf("tiktok listThreads: %s (code=%d)", env.Message, env.Code))
	}
	var data struct {
		Conversations []struct {
			ConversationID string `json:"conversation_id"`
			UserOpenID     string `json:"user_openid"`
			UpdateTime     int64  `json:"update_time"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, NewError(ErrorAPI, fmt.Sprintf("tiktok: malformed conversations response: %v", err))
	}

	threads := make([]ThreadSummary, 0, len(data.Conversations))
	for _, conv := range data.Conversations {
		threads = append(threads, ThreadSummary{
			ExternalID:        conv.ConversationID,
			ParticipantHandle: conv.UserOpenID,
			UpdatedAt:         time.Unix(conv.UpdateTime, 0).UTC(),
		})
	}
	return threads, nil
}

// VerifyWebhook delegates to the TikTok HMAC-SHA256 scheme.
func (t *TikTok) VerifyWebhook(payload []byte, signatureHeader, secret string) bool {
	return VerifyTikTokSignature(payload, signatureHeader, secret)
}

// SubscribeWebhooks registers the callback URL for message events.
func (t *TikTok) SubscribeWebhooks(ctx context.Context, channelID, callbackURL string, creds Credentials) error {
	c, verr := decodeCredentials[TikTokCredentials](creds, PlatformTikTok)
	if verr != nil {
		return verr
	}

	req := map[string]string{"callback_url": callbackURL, "event_type": "im.message.received"}
	url := t.baseURL + "/business/webhook/subscribe/"
	status, body, err := doJSON(ctx, t.http, http.MethodPost, url, c.AccessToken, req)
	if err != nil {
		return AnalyzeAPIError(err, PlatformTikTok, "subscribeWebhooks")
	}
	if status >= 400 {
		return AnalyzeHTTPStatus(status, string(body), PlatformTikTok, "subscribeWebhooks")
	}
	t.logger.Info("webhook subscription registered", "channel_id", channelID, "callback_url", callbackURL)
	return nil
}

// Webhook wire shape: TikTok delivers a flat envelope, not the nested
// entry arrays Meta uses.
type tikTokWebhookPayload struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderOpenID   string `json:"sender_openid"`
	SenderNickname string `json:"sender_nickname"`
	Content        string `json:"content"`
	CreateTime     int64  `json:"create_time"`
	Attachments    []struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	} `json:"attachments"`
}

// IngestWebhook normalizes a TikTok message webhook. Non-message events
// return nil, nil.
func (t *TikTok) IngestWebhook(payload []byte, channelID string) (*InboundMessage, error) {
	var env tikTokWebhookPayload
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, NewError(ErrorValidation, fmt.Sprintf("tiktok: malformed webhook payload: %v", err))
	}
	if env.Type != "message" || env.MessageID == "" {
		return nil, nil
	}

	out := &InboundMessage{
		ExternalID:       env.MessageID,
		SenderHandle:     env.SenderOpenID,
		SenderName:       env.SenderNickname,
		ThreadExternalID: env.ConversationID,
		Body:             env.Content,
	}
	if env.CreateTime > 0 {
		out.SentAt = time.Unix(env.CreateTime, 0).UTC()
	} else {
		out.SentAt = time.Now().UTC()
	}
	for _, att := range env.Attachments {
		out.Attachments = append(out.Attachments, Attachment{URL: att.URL, MimeType: att.MimeType})
	}
	return out, nil
}
